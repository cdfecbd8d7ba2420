package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kadirbelkuyu/sitevault/internal/config"
)

// Prompter asks for missing values on a terminal.
type Prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}

	var reader *bufio.Reader
	if br, ok := r.(*bufio.Reader); ok {
		reader = br
	} else {
		reader = bufio.NewReader(r)
	}

	return &Prompter{reader: reader, out: w}
}

// CompleteProject fills every empty field of p from the prompt. Fields that
// are already set are kept without asking.
func (p *Prompter) CompleteProject(project config.ProjectConfig) (config.ProjectConfig, error) {
	fields := []struct {
		label  string
		target *string
		secret bool
	}{
		{"Project name", &project.Name, false},
		{"Backup endpoint URL", &project.URL, false},
		{"API key", &project.APIKey, true},
		{"User", &project.User, false},
	}

	for _, field := range fields {
		if strings.TrimSpace(*field.target) != "" {
			continue
		}
		value, err := p.promptString(field.label, true)
		if err != nil {
			return project, err
		}
		*field.target = value
	}

	return project, nil
}

func (p *Prompter) Confirm(question string, defaultValue bool) (bool, error) {
	return p.promptYesNo(question, defaultValue)
}

func (p *Prompter) promptString(label string, required bool) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		input, err := p.readLine()
		if err != nil {
			return "", err
		}
		if input == "" && required {
			fmt.Fprintln(p.out, "Please provide a value.")
			continue
		}
		return input, nil
	}
}

func (p *Prompter) promptYesNo(question string, defaultValue bool) (bool, error) {
	suffix := "(y/N)"
	if defaultValue {
		suffix = "(Y/n)"
	}

	for {
		fmt.Fprintf(p.out, "%s %s ", question, suffix)
		input, err := p.readLine()
		if err != nil {
			return false, err
		}

		if input == "" {
			return defaultValue, nil
		}

		switch strings.ToLower(input) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(p.out, "Please answer with y or n.")
		}
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
