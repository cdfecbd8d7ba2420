package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kadirbelkuyu/sitevault/internal/app"
	"github.com/kadirbelkuyu/sitevault/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sitevault",
	Short: "Back up, restore and collect site snapshots",
	Long: `sitevault exports a site's database, theme and plugins on request, restores
uploaded backups, and polls remote sites to keep timestamped copies of their backups.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backup, restore and log endpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup of the local site and print the manifest",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [files...]",
	Short: "Restore the local site from backup files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRestore,
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Download backups from every configured project",
	Args:  cobra.NoArgs,
	RunE:  runPoll,
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the projects the poller downloads from",
}

var projectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a project",
	Args:  cobra.NoArgs,
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a stored project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRemove,
}

var listTablesCmd = &cobra.Command{
	Use:   "list-tables",
	Short: "List the tables a database backup exports",
	Args:  cobra.NoArgs,
	RunE:  runListTables,
}

var workflowService = app.NewService(os.Stdout)

var (
	configPath  string
	verbose     bool
	pollOnce    bool
	assumeYes   bool
	interactive bool
	newProject  config.ProjectConfig
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sitevault.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	pollCmd.Flags().BoolVar(&pollOnce, "once", false, "Poll every project once and exit")

	projectAddCmd.Flags().StringVar(&newProject.Name, "name", "", "Project name")
	projectAddCmd.Flags().StringVar(&newProject.URL, "url", "", "Backup endpoint URL")
	projectAddCmd.Flags().StringVar(&newProject.APIKey, "api-key", "", "API key for the endpoint")
	projectAddCmd.Flags().StringVar(&newProject.User, "user", "", "User the backups are stored under")
	projectAddCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for fields not given as flags")

	projectRemoveCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(listTablesCmd)

	cobra.OnInitialize(func() {
		rootCmd.SilenceUsage = true
		rootCmd.SilenceErrors = true
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return workflowService.Serve(cmd.Context(), cfg, verbose)
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manifest, err := workflowService.Backup(cmd.Context(), cfg, verbose)
	if err != nil {
		return err
	}
	if !manifest.OK() {
		return fmt.Errorf("backup finished with failed targets")
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, err = workflowService.Restore(cmd.Context(), cfg, args, verbose)
	return err
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return workflowService.Poll(cmd.Context(), cfg, pollOnce, verbose)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var prompter *app.Prompter
	if interactive {
		prompter = app.NewPrompter(os.Stdin, os.Stdout)
	}
	return workflowService.AddProject(cfg, newProject, prompter)
}

func runProjectList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return workflowService.ListProjects(cfg)
}

func runProjectRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var prompter *app.Prompter
	if !assumeYes {
		prompter = app.NewPrompter(os.Stdin, os.Stdout)
	}
	return workflowService.RemoveProject(cfg, args[0], prompter)
}

func runListTables(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return workflowService.ListTables(cmd.Context(), cfg)
}
