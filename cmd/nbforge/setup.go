// Package main provides the entry point for the nbforge CLI.
package main

import (
	"github.com/spf13/cobra"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/output"
)

// newSetupCmd creates the setup command.
func newSetupCmd() *cobra.Command {
	var forceFlag bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate the nbforge home and application config",
		Long: `Generate the nbforge home directory: the application config with a
fresh installation identity, the shared image customization lists and
the environment file used by Airflow services.

An existing config is left untouched unless --force is given.

Examples:
  nbforge setup                    # Initialize ~/.nbforge
  nbforge setup --home /srv/forge  # Use a custom home
  nbforge setup --force            # Regenerate, minting a new identity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, forceFlag)
		},
	}
	cmd.Flags().BoolVar(&forceFlag, "force", false, "Replace an existing config")
	return cmd
}

func runSetup(cmd *cobra.Command, force bool) error {
	printer := newPrinter(cmd)

	settingsFile, _ := cmd.Flags().GetString("settings")
	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		wrapped := output.WrapUser(err)
		printer.Error(wrapped)
		return wrapped
	}
	if home, _ := cmd.Flags().GetString("home"); home != "" {
		settings.Home = home
	}
	config.SetupLogger(settings)

	if err := config.Generate(settings.HomeDir(), force); err != nil {
		wrapped := output.WrapSystem(err)
		printer.Error(wrapped)
		return wrapped
	}

	app, err := config.LoadApp(settings)
	if err != nil {
		wrapped := output.WrapSystem(err)
		printer.Error(wrapped)
		return wrapped
	}
	if err := app.Validate(); err != nil {
		wrapped := output.WrapSystem(err)
		printer.Error(wrapped)
		return wrapped
	}

	if printer.JSONMode() {
		printer.JSON(map[string]any{
			"home":            app.Home(),
			"config":          app.Path(),
			"user_id":         app.UserID(),
			"timezone":        app.TimezoneName(),
			"generation_date": app.GenerationDate(),
		})
		return nil
	}

	printer.Success("nbforge home ready")
	printer.Printf("  home:     %s\n", app.Home())
	printer.Printf("  config:   %s\n", app.Path())
	printer.Printf("  user id:  %s\n", app.UserID())
	printer.Printf("  timezone: %s\n", app.TimezoneName())
	return nil
}
