// Package main provides the entry point for the nbforge CLI.
package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/output"
	"github.com/nbforge/nbforge/internal/shell/airflow"
	"github.com/nbforge/nbforge/internal/shell/compose"
	"github.com/nbforge/nbforge/internal/shell/jupyter"
)

// newAirflowCmd creates the airflow command group.
func newAirflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "airflow",
		Short: "Operate the local Airflow deployment",
		Long: `Operate the local Airflow deployment: build its image, bring the
docker-compose cluster up and down, and author the dags it schedules.`,
	}
	cmd.AddCommand(newAirflowSetupCmd())
	cmd.AddCommand(newAirflowStartCmd())
	cmd.AddCommand(newAirflowStopCmd())
	cmd.AddCommand(newAirflowRunCmd())
	cmd.AddCommand(newAirflowNewCmd())
	cmd.AddCommand(newAirflowEditCmd())
	cmd.AddCommand(newAirflowPushCmd())
	return cmd
}

// airflowService builds the airflow service with all its dependencies.
func airflowService(env *appEnv) (*airflow.Service, func(), error) {
	cli, err := env.dockerClient()
	if err != nil {
		return nil, nil, err
	}
	r := env.runner()
	cm := compose.NewManager(env.app, r, env.settings.Tools.Compose, env.logger)
	lab := jupyter.NewService(env.app, env.settings, cli, r, nil, env.logger)
	svc := airflow.NewService(env.app, env.settings, cli, cm, lab, r, env.logger)
	return svc, func() { cli.Close() }, nil
}

// loadDag parses a dag config file and selects a dag from it.
func loadDag(confPath, name string) (*config.Dag, error) {
	doc, err := config.ParseFile(confPath)
	if err != nil {
		return nil, output.WrapUser(err)
	}
	dag, err := doc.SelectDag(name)
	if err != nil {
		return nil, output.WrapUser(err)
	}
	if err := dag.Validate(); err != nil {
		return nil, output.WrapUser(err)
	}
	return dag, nil
}

// =============================================================================
// airflow setup
// =============================================================================

func newAirflowSetupCmd() *cobra.Command {
	var (
		appendFlag bool
		configHome string
	)
	cmd := &cobra.Command{
		Use:   "setup [workspace...]",
		Short: "Prepare the Airflow deployment",
		Long: `Prepare the Airflow deployment: build the Airflow image, write the
docker-compose file into the nbforge home and link the given workspace
directories into the dags folder.

Examples:
  nbforge airflow setup ~/pipelines
  nbforge airflow setup --append ~/more-pipelines
  nbforge airflow setup --config-home /srv/forge ~/pipelines`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAirflowSetup(cmd, args, appendFlag, configHome)
		},
	}
	cmd.Flags().BoolVar(&appendFlag, "append", false, "Add to the recorded workspaces instead of replacing them")
	cmd.Flags().StringVar(&configHome, "config-home", "", "Move the config home before setting up")
	return cmd
}

func runAirflowSetup(cmd *cobra.Command, workspaces []string, appendMode bool, configHome string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	if configHome != "" {
		abs, err := filepath.Abs(configHome)
		if err != nil {
			wrapped := output.WrapUser(err)
			env.printer.Error(wrapped)
			return wrapped
		}
		if err := env.app.RewriteHome(abs); err != nil {
			wrapped := output.WrapSystem(err)
			env.printer.Error(wrapped)
			return wrapped
		}
	}
	svc, cleanup, err := airflowService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	if err := svc.Setup(cmd.Context(), workspaces, appendMode); err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{
			"compose_file": env.app.ComposeFile(),
			"dags_dir":     env.app.DagsDir(),
			"workspaces":   env.app.WorkspacePaths(),
		})
		return nil
	}
	env.printer.Success("airflow deployment ready")
	env.printer.Printf("  compose file: %s\n", env.app.ComposeFile())
	env.printer.Printf("  dags folder:  %s\n", env.app.DagsDir())
	for _, ws := range env.app.WorkspacePaths() {
		env.printer.Printf("  workspace:    %s\n", ws)
	}
	return nil
}

// =============================================================================
// airflow start / stop
// =============================================================================

func newAirflowStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Bring the Airflow cluster up",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				newPrinter(cmd).Error(err)
				return err
			}
			svc, cleanup, err := airflowService(env)
			if err != nil {
				env.printer.Error(err)
				return err
			}
			defer cleanup()

			if err := svc.Start(cmd.Context()); err != nil {
				wrapped := output.WrapSystem(err)
				env.printer.Error(wrapped)
				return wrapped
			}
			env.printer.Success("airflow is up")
			env.printer.Printf("  webserver: http://localhost:8080\n")
			env.printer.Printf("  flower:    http://localhost:5555\n")
			return nil
		},
	}
}

func newAirflowStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Take the Airflow cluster down",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				newPrinter(cmd).Error(err)
				return err
			}
			svc, cleanup, err := airflowService(env)
			if err != nil {
				env.printer.Error(err)
				return err
			}
			defer cleanup()

			if err := svc.Stop(cmd.Context()); err != nil {
				wrapped := output.WrapSystem(err)
				env.printer.Error(wrapped)
				return wrapped
			}
			env.printer.Success("airflow is down")
			return nil
		},
	}
}

// =============================================================================
// airflow run
// =============================================================================

func newAirflowRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [-s service] [airflow args...]",
		Short: "Run an airflow CLI command in the cluster",
		Long: `Run an airflow CLI command in a one-off container with the terminal
attached. The webserver service is used unless -s names another one;
everything after the service flag is passed to airflow untouched.

Examples:
  nbforge airflow run dags list
  nbforge airflow run -s scheduler dags list
  nbforge airflow run tasks test my_dag hello 2024-01-01`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				newPrinter(cmd).Error(err)
				return err
			}
			svc, cleanup, err := airflowService(env)
			if err != nil {
				env.printer.Error(err)
				return err
			}
			defer cleanup()

			service, rest, err := splitServiceFlag(args)
			if err != nil {
				wrapped := output.WrapUser(err)
				env.printer.Error(wrapped)
				return wrapped
			}
			if err := svc.Run(cmd.Context(), service, rest...); err != nil {
				wrapped := output.WrapSystem(err)
				env.printer.Error(wrapped)
				return wrapped
			}
			return nil
		},
	}
}

// splitServiceFlag peels a leading -s/--service flag off the passthrough
// args. Flag parsing is disabled on the run command so everything else
// reaches airflow verbatim.
func splitServiceFlag(args []string) (service string, rest []string, err error) {
	if len(args) == 0 || (args[0] != "-s" && args[0] != "--service") {
		return "", args, nil
	}
	if len(args) < 2 {
		return "", nil, fmt.Errorf("%s needs a compose service name", args[0])
	}
	return args[1], args[2:], nil
}

// =============================================================================
// airflow new / edit / push
// =============================================================================

func newAirflowNewCmd() *cobra.Command {
	var nameFlag string
	cmd := &cobra.Command{
		Use:   "new <dir>",
		Short: "Scaffold a new dag",
		Long: `Scaffold a dag in a directory: the dag config and a runnable DAG
skeleton named after it.

Examples:
  nbforge airflow new dags/nightly
  nbforge airflow new . --name team.nightly`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAirflowNew(cmd, args[0], nameFlag)
		},
	}
	cmd.Flags().StringVar(&nameFlag, "name", "", "Dag name (default: directory base name)")
	return cmd
}

func runAirflowNew(cmd *cobra.Command, dir, name string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	if name == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			wrapped := output.WrapUser(err)
			env.printer.Error(wrapped)
			return wrapped
		}
		name = filepath.Base(abs)
	}

	svc, cleanup, err := airflowService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	confPath, err := svc.NewDag(dir, name)
	if err != nil {
		wrapped := output.WrapSystem(err)
		if errors.Is(err, airflow.ErrDagExists) {
			wrapped = output.WrapUser(err)
		}
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{"dag": name, "config": confPath})
		return nil
	}
	env.printer.Success("dag " + name + " created")
	env.printer.Printf("  config: %s\n", confPath)
	return nil
}

func newAirflowEditCmd() *cobra.Command {
	var (
		dagFlag   string
		noBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "edit <config>",
		Short: "Open a dag's code in JupyterLab",
		Long: `Open the folder holding a dag's code in a JupyterLab container so
the DAG can be edited in place.

When the config defines several dags, name one with --dag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAirflowEdit(cmd, args[0], dagFlag, noBrowser)
		},
	}
	cmd.Flags().StringVar(&dagFlag, "dag", "", "Dag name inside the config")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the lab URL without opening a browser")
	return cmd
}

func runAirflowEdit(cmd *cobra.Command, confPath, dagName string, noBrowser bool) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	dag, err := loadDag(confPath, dagName)
	if err != nil {
		env.printer.Error(err)
		return err
	}

	svc, cleanup, err := airflowService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	result, err := svc.Edit(cmd.Context(), dag)
	if err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{
			"dag":       dag.Name,
			"container": result.Container,
			"url":       result.URL,
		})
		return nil
	}
	env.printer.Success("lab running in container " + result.Container)
	env.printer.Printf("  %s\n", result.URL)
	if !noBrowser {
		env.openBrowser(result.URL)
	}
	return nil
}

func newAirflowPushCmd() *cobra.Command {
	var dagFlag string
	cmd := &cobra.Command{
		Use:   "push <config>",
		Short: "Publish a dag into the scheduler's dags folder",
		Long: `Publish a dag's code into the dags folder the scheduler reads.
Notebook sources are converted to a script first.

Examples:
  nbforge airflow push dags/nightly.conf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAirflowPush(cmd, args[0], dagFlag)
		},
	}
	cmd.Flags().StringVar(&dagFlag, "dag", "", "Dag name inside the config")
	return cmd
}

func runAirflowPush(cmd *cobra.Command, confPath, dagName string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	dag, err := loadDag(confPath, dagName)
	if err != nil {
		env.printer.Error(err)
		return err
	}

	svc, cleanup, err := airflowService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	dest, err := svc.Push(cmd.Context(), dag)
	if err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{"dag": dag.Name, "path": dest})
		return nil
	}
	env.printer.Success("dag " + dag.Name + " pushed")
	env.printer.Printf("  %s\n", dest)
	return nil
}
