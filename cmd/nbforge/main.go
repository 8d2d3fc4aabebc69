// Package main provides the entry point for the nbforge CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/output"
	"github.com/nbforge/nbforge/internal/shell/docker"
	"github.com/nbforge/nbforge/internal/shell/runner"
	"github.com/nbforge/nbforge/internal/shell/store"
)

// Build info set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	err := fang.Execute(context.Background(), cmd, fang.WithVersion(buildVersion()))
	return output.GetExitCode(err)
}

func buildVersion() string {
	if commit == "none" && date == "unknown" {
		return version
	}
	shortCommit := commit
	if len(commit) > 7 {
		shortCommit = commit[:7]
	}
	return fmt.Sprintf("%s (%s, %s)", version, shortCommit, date)
}

// newRootCmd creates the root command for the nbforge CLI.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nbforge",
		Short: "Notebook pipelines on Docker, Jupyter and Airflow",
		Long: `nbforge wraps the machinery around notebook-based data pipelines:
it builds Docker images for pipeline steps, opens them in JupyterLab,
executes them with papermill and schedules them with Apache Airflow.

Steps and dags are described in HOCON config files; nbforge keeps the
surrounding infrastructure out of your way.

All commands support --json for structured output.`,
		Version:       buildVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if isJSONMode(cmd) {
				printer := output.NewPrinter(cmd.OutOrStdout(), true, false)
				err := output.NewUserError("no command specified. Run 'nbforge --help' for usage")
				printer.Error(err)
				return err
			}
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("settings", "", "Settings file (YAML); NBFORGE_* env wins")
	cmd.PersistentFlags().String("home", "", "nbforge home directory (default ~/.nbforge)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	lipgloss.SetHasDarkBackground(true)

	addCommandGroups(cmd)
	addCommands(cmd)

	return cmd
}

func addCommandGroups(cmd *cobra.Command) {
	cmd.AddGroup(&cobra.Group{ID: "notebook", Title: "Notebook Commands:"})
	cmd.AddGroup(&cobra.Group{ID: "airflow", Title: "Airflow Commands:"})
	cmd.AddGroup(&cobra.Group{ID: "admin", Title: "Admin Commands:"})
}

func addCommands(cmd *cobra.Command) {
	addGroupedCommand(cmd, newJupyterCmd(), "notebook")
	addGroupedCommand(cmd, newAirflowCmd(), "airflow")
	addGroupedCommand(cmd, newSetupCmd(), "admin")
}

func addGroupedCommand(parent *cobra.Command, child *cobra.Command, groupID string) {
	child.GroupID = groupID
	parent.AddCommand(child)
}

// isJSONMode reads the --json persistent flag from the command hierarchy.
func isJSONMode(cmd *cobra.Command) bool {
	flag := cmd.Flags().Lookup("json")
	if flag == nil {
		flag = cmd.Root().PersistentFlags().Lookup("json")
	}
	return flag != nil && flag.Value.String() == "true"
}

// =============================================================================
// Command environment
// =============================================================================

// appEnv bundles what every command needs: settings, the app config, the
// logger and the printer.
type appEnv struct {
	settings *config.Settings
	app      *config.App
	logger   *slog.Logger
	printer  *output.Printer
}

// loadEnv resolves settings from flags plus environment, sets up logging and
// loads (generating if necessary) the application config.
func loadEnv(cmd *cobra.Command) (*appEnv, error) {
	printer := newPrinter(cmd)

	settingsFile, _ := cmd.Flags().GetString("settings")
	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, output.WrapUser(err)
	}
	if home, _ := cmd.Flags().GetString("home"); home != "" {
		settings.Home = home
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		settings.Log.Level = level
	}

	logger := config.SetupLogger(settings)

	app, err := config.LoadApp(settings)
	if err != nil {
		return nil, output.WrapSystem(err)
	}

	return &appEnv{settings: settings, app: app, logger: logger, printer: printer}, nil
}

func newPrinter(cmd *cobra.Command) *output.Printer {
	w := cmd.OutOrStdout()
	return output.NewPrinter(w, isJSONMode(cmd), output.IsTerminal(w))
}

// dockerClient connects to the Docker daemon configured in settings.
func (e *appEnv) dockerClient() (*docker.DockerClient, error) {
	cli, err := docker.NewDockerClient(e.settings.Docker.Host)
	if err != nil {
		return nil, output.WrapSystem(err)
	}
	return cli, nil
}

// ledger opens the run ledger database under the nbforge home.
func (e *appEnv) ledger() (store.Store, error) {
	s, err := store.NewSQLiteStore(filepath.Join(e.app.Home(), "nbforge.db"))
	if err != nil {
		return nil, output.WrapSystem(err)
	}
	return s, nil
}

func (e *appEnv) runner() *runner.Runner {
	return runner.New(e.logger)
}

// openBrowser points the user's browser at url, quietly doing nothing when
// no opener is available.
func (e *appEnv) openBrowser(url string) {
	if !e.settings.Browser {
		return
	}
	opener := "xdg-open"
	if runtime.GOOS == "darwin" {
		opener = "open"
	}
	if err := exec.Command(opener, url).Start(); err != nil {
		e.logger.Debug("could not open browser", "error", err)
	}
}
