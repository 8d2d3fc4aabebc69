// Package main provides the entry point for the nbforge CLI.
package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/output"
	"github.com/nbforge/nbforge/internal/shell/jupyter"
	"github.com/nbforge/nbforge/internal/shell/store"
)

// newJupyterCmd creates the jupyter command group.
func newJupyterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jupyter",
		Short: "Author and run notebook steps",
		Long: `Author and run notebook pipeline steps.

A step lives in a HOCON config file under steps.<name>.task and names a
notebook, its data mounts and the Docker image it runs in.`,
	}
	cmd.AddCommand(newJupyterNewCmd())
	cmd.AddCommand(newJupyterEditCmd())
	cmd.AddCommand(newJupyterRunCmd())
	cmd.AddCommand(newJupyterHistoryCmd())
	return cmd
}

// loadStep parses a step config file and selects a step from it.
func loadStep(confPath, name string) (*config.Step, error) {
	doc, err := config.ParseFile(confPath)
	if err != nil {
		return nil, output.WrapUser(err)
	}
	step, err := doc.SelectStep(name)
	if err != nil {
		return nil, output.WrapUser(err)
	}
	if err := step.Validate(); err != nil {
		return nil, output.WrapUser(err)
	}
	return step, nil
}

// jupyterService builds the notebook service with all its dependencies.
func jupyterService(env *appEnv) (*jupyter.Service, func(), error) {
	cli, err := env.dockerClient()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := env.ledger()
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	cleanup := func() {
		ledger.Close()
		cli.Close()
	}
	return jupyter.NewService(env.app, env.settings, cli, env.runner(), ledger, env.logger), cleanup, nil
}

// =============================================================================
// jupyter new
// =============================================================================

func newJupyterNewCmd() *cobra.Command {
	var nameFlag string
	cmd := &cobra.Command{
		Use:   "new <dir>",
		Short: "Scaffold a new notebook step",
		Long: `Scaffold a new notebook step in a directory: the step config, a
starter notebook pair and the image customization lists.

Examples:
  nbforge jupyter new pipelines/clean
  nbforge jupyter new . --name ingest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJupyterNew(cmd, args[0], nameFlag)
		},
	}
	cmd.Flags().StringVar(&nameFlag, "name", "", "Step name (default: directory base name)")
	return cmd
}

func runJupyterNew(cmd *cobra.Command, dir, name string) error {
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

	svc, cleanup, err := jupyterService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	confPath, err := svc.NewStep(cmd.Context(), dir, name)
	if err != nil {
		wrapped := output.WrapSystem(err)
		if errors.Is(err, jupyter.ErrStepExists) {
			wrapped = output.WrapUser(err)
		}
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{"step": name, "config": confPath})
		return nil
	}
	env.printer.Success("step " + name + " created")
	env.printer.Printf("  config: %s\n", confPath)
	env.printer.Printf("  edit it with: nbforge jupyter edit %s\n", confPath)
	return nil
}

// =============================================================================
// jupyter edit
// =============================================================================

func newJupyterEditCmd() *cobra.Command {
	var (
		stepFlag  string
		noBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "edit <config>",
		Short: "Open a step in JupyterLab",
		Long: `Build the step's image and open its notebook in a JupyterLab
container. The step's code, data and module mounts are wired the same
way they are during a run.

When the config defines several steps, name one with --step.

Examples:
  nbforge jupyter edit pipeline.conf
  nbforge jupyter edit pipeline.conf --step team.ingest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJupyterEdit(cmd, args[0], stepFlag, noBrowser)
		},
	}
	cmd.Flags().StringVar(&stepFlag, "step", "", "Step name inside the config")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the lab URL without opening a browser")
	return cmd
}

func runJupyterEdit(cmd *cobra.Command, confPath, stepName string, noBrowser bool) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	step, err := loadStep(confPath, stepName)
	if err != nil {
		env.printer.Error(err)
		return err
	}

	svc, cleanup, err := jupyterService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	result, err := svc.Edit(cmd.Context(), step)
	if err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{
			"step":      step.Name,
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

// =============================================================================
// jupyter run
// =============================================================================

func newJupyterRunCmd() *cobra.Command {
	var (
		stepFlag    string
		paramFlags  []string
		prepareOnly bool
	)
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Execute a step with papermill",
		Long: `Build the step's image and execute its notebook with papermill
inside a container. The output notebook lands in the step's execution
directory, stamped with the run time and the installation identity.

Examples:
  nbforge jupyter run pipeline.conf
  nbforge jupyter run pipeline.conf --step clean -p alpha=0.5
  nbforge jupyter run pipeline.conf --prepare-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJupyterRun(cmd, args[0], stepFlag, paramFlags, prepareOnly)
		},
	}
	cmd.Flags().StringVar(&stepFlag, "step", "", "Step name inside the config")
	cmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Notebook parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&prepareOnly, "prepare-only", false, "Build the image and show the plan without running")
	return cmd
}

func runJupyterRun(cmd *cobra.Command, confPath, stepName string, params []string, prepareOnly bool) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}
	step, err := loadStep(confPath, stepName)
	if err != nil {
		env.printer.Error(err)
		return err
	}

	extra := make([]config.KV, 0, len(params))
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			wrapped := output.NewUserError(fmt.Sprintf("invalid parameter %q, want key=value", p))
			env.printer.Error(wrapped)
			return wrapped
		}
		extra = append(extra, config.KV{Key: key, Value: value})
	}

	svc, cleanup, err := jupyterService(env)
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer cleanup()

	result, err := svc.Run(cmd.Context(), step, jupyter.RunOptions{
		Parameters:  extra,
		PrepareOnly: prepareOnly,
	})
	if err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		env.printer.JSON(map[string]any{
			"run_id":   result.RunID,
			"step":     step.Name,
			"image":    result.Image,
			"output":   result.OutputPath,
			"command":  result.Command,
			"prepared": result.Prepared,
		})
		return nil
	}
	if result.Prepared {
		env.printer.Success("image " + result.Image + " ready")
		env.printer.Printf("  would run: %s\n", strings.Join(result.Command, " "))
		return nil
	}
	env.printer.Success("step " + step.Name + " finished")
	env.printer.Printf("  output: %s\n", result.OutputPath)
	return nil
}

// =============================================================================
// jupyter history
// =============================================================================

func newJupyterHistoryCmd() *cobra.Command {
	var (
		stepFlag  string
		limitFlag int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded notebook runs",
		Long: `List past notebook runs from the run ledger, newest first.

Examples:
  nbforge jupyter history
  nbforge jupyter history --step clean --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJupyterHistory(cmd, stepFlag, limitFlag)
		},
	}
	cmd.Flags().StringVar(&stepFlag, "step", "", "Only runs of this step")
	cmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum number of runs to list")
	return cmd
}

func runJupyterHistory(cmd *cobra.Command, stepName string, limit int) error {
	env, err := loadEnv(cmd)
	if err != nil {
		newPrinter(cmd).Error(err)
		return err
	}

	ledger, err := env.ledger()
	if err != nil {
		env.printer.Error(err)
		return err
	}
	defer ledger.Close()

	runs, err := ledger.ListRuns(cmd.Context(), store.ListOptions{Step: stepName, Limit: limit})
	if err != nil {
		wrapped := output.WrapSystem(err)
		env.printer.Error(wrapped)
		return wrapped
	}

	if env.printer.JSONMode() {
		type runJSON struct {
			ID         string `json:"id"`
			Step       string `json:"step"`
			Status     string `json:"status"`
			ExitCode   int    `json:"exit_code"`
			StartedAt  string `json:"started_at"`
			FinishedAt string `json:"finished_at,omitempty"`
			Output     string `json:"output,omitempty"`
		}
		out := make([]runJSON, 0, len(runs))
		for _, r := range runs {
			entry := runJSON{
				ID:        r.ID,
				Step:      r.Step,
				Status:    r.Status,
				ExitCode:  r.ExitCode,
				StartedAt: r.StartedAt.Format("2006-01-02 15:04:05"),
				Output:    r.OutputPath,
			}
			if r.FinishedAt != nil {
				entry.FinishedAt = r.FinishedAt.Format("2006-01-02 15:04:05")
			}
			out = append(out, entry)
		}
		env.printer.JSON(out)
		return nil
	}

	if len(runs) == 0 {
		env.printer.Println("no runs recorded yet")
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-20s %-9s %s",
			r.StartedAt.In(env.app.Location()).Format("2006-01-02 15:04"),
			r.Step, r.Status, r.OutputPath)
		env.printer.Println(line)
	}
	return nil
}
