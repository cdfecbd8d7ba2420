package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kadirbelkuyu/sitevault/internal/config"
	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// Activator switches the site to a restored theme and enables restored
// plugins. The query methods let a strict restore put the site back the way
// it found it.
type Activator interface {
	ActiveTheme(ctx context.Context) (string, error)
	ActivateTheme(ctx context.Context, name string) error
	PluginActive(ctx context.Context, slug string) (bool, error)
	ActivatePlugin(ctx context.Context, slug string) error
	DeactivatePlugin(ctx context.Context, slug string) error
}

// CommandActivator drives wp-cli (or a compatible binary).
type CommandActivator struct {
	command string
	args    []string
	log     *logger.Logger
}

func NewCommandActivator(cfg config.ActivationConfig, log *logger.Logger) *CommandActivator {
	command := cfg.Command
	if command == "" {
		command = "wp"
	}
	return &CommandActivator{
		command: command,
		args:    append([]string(nil), cfg.Args...),
		log:     log,
	}
}

// ActiveTheme reads the stylesheet option, the directory name of the
// theme the site currently renders with.
func (a *CommandActivator) ActiveTheme(ctx context.Context) (string, error) {
	out, err := a.output(ctx, "option", "get", "stylesheet")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *CommandActivator) ActivateTheme(ctx context.Context, name string) error {
	return a.runCommand(ctx, "theme", "activate", name)
}

func (a *CommandActivator) ActivatePlugin(ctx context.Context, slug string) error {
	return a.runCommand(ctx, "plugin", "activate", slug)
}

// PluginActive relies on wp plugin is-active exiting 1 for an inactive or
// missing plugin.
func (a *CommandActivator) PluginActive(ctx context.Context, slug string) (bool, error) {
	err := a.runCommand(ctx, "plugin", "is-active", slug)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return false, nil
	default:
		return false, err
	}
}

func (a *CommandActivator) DeactivatePlugin(ctx context.Context, slug string) error {
	return a.runCommand(ctx, "plugin", "deactivate", slug)
}

func (a *CommandActivator) output(ctx context.Context, subcommand ...string) (string, error) {
	args := append(append([]string(nil), a.args...), subcommand...)
	cmd := exec.CommandContext(ctx, a.command, args...)

	writer := a.log.Writer()
	defer writer.Close()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = writer

	a.log.Debugf("executing %s %s", a.command, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %w", a.command, strings.Join(subcommand, " "), err)
	}
	return stdout.String(), nil
}

func (a *CommandActivator) runCommand(ctx context.Context, subcommand ...string) error {
	args := append(append([]string(nil), a.args...), subcommand...)
	cmd := exec.CommandContext(ctx, a.command, args...)

	writer := a.log.Writer()
	defer writer.Close()
	cmd.Stdout = writer
	cmd.Stderr = writer

	a.log.Debugf("executing %s %s", a.command, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w", a.command, strings.Join(subcommand, " "), err)
	}
	return nil
}
