// Package compose drives the Airflow docker-compose cluster: it materializes
// the bundled compose file into the config home, validates it, and wraps the
// docker-compose binary for up/down/run.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/nbforge/nbforge/internal/assets"
	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/shell/runner"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidCompose is returned when the compose file fails validation.
	ErrInvalidCompose = errors.New("invalid compose file")

	// ErrServiceNotFound is returned when a service is not in the compose file.
	ErrServiceNotFound = errors.New("service not found in compose file")
)

// =============================================================================
// Manager
// =============================================================================

// Manager operates the compose cluster described by the app configuration.
type Manager struct {
	app        *config.App
	runner     *runner.Runner
	composeBin string
	logger     *slog.Logger
}

// NewManager creates a Manager. composeBin is the docker-compose binary name
// or path, usually from settings.
func NewManager(app *config.App, r *runner.Runner, composeBin string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{app: app, runner: r, composeBin: composeBin, logger: logger}
}

// File returns the compose file path from the app configuration.
func (m *Manager) File() string {
	return m.app.ComposeFile()
}

// Materialize writes the bundled compose file into the config home and
// creates the dags and logs directories. An existing compose file is left
// alone unless force is set, so local edits survive repeated setups.
func (m *Manager) Materialize(force bool) error {
	for _, dir := range []string{m.app.DagsDir(), filepath.Join(m.app.Home(), "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(m.File()); err == nil && !force {
		m.logger.Debug("compose file already present", "path", m.File())
		return nil
	}

	content, err := assets.Template(filepath.Base(m.File()))
	if err != nil {
		return fmt.Errorf("load compose template: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.File()), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(m.File()), err)
	}
	if err := os.WriteFile(m.File(), content, 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	m.logger.Info("compose file written", "path", m.File())
	return nil
}

// Validate parses the compose file with the compose spec loader, surfacing
// syntax and schema problems before any container is started.
func (m *Manager) Validate() error {
	project, err := m.load()
	if err != nil {
		return err
	}
	if len(project.Services) == 0 {
		return fmt.Errorf("%s declares no services: %w", m.File(), ErrInvalidCompose)
	}
	return nil
}

// Services returns the service names declared in the compose file, sorted.
func (m *Manager) Services() ([]string, error) {
	project, err := m.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Up validates the compose file and starts the cluster detached.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return m.compose(ctx, true, "up", "-d", "--remove-orphans")
}

// Down validates the compose file, then stops the cluster and removes its
// containers.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return m.compose(ctx, true, "down")
}

// RunService runs a one-off command in a service container with the terminal
// attached, the way `docker-compose run` does.
func (m *Manager) RunService(ctx context.Context, service string, args ...string) error {
	services, err := m.Services()
	if err != nil {
		return err
	}
	found := false
	for _, name := range services {
		if name == service {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%q (have %s): %w", service, strings.Join(services, ", "), ErrServiceNotFound)
	}

	composeArgs := append([]string{"-f", m.File(), "run", "--rm", service}, args...)
	return m.runner.Run(ctx, runner.Options{
		Dir:     filepath.Dir(m.File()),
		Env:     m.env(),
		Inherit: true,
	}, m.composeBin, composeArgs...)
}

func (m *Manager) compose(ctx context.Context, inherit bool, args ...string) error {
	composeArgs := append([]string{"-f", m.File()}, args...)
	return m.runner.Run(ctx, runner.Options{
		Dir:     filepath.Dir(m.File()),
		Env:     m.env(),
		Inherit: inherit,
	}, m.composeBin, composeArgs...)
}

// env points the compose file's dags and logs volumes at the configured
// directories, which live outside the compose file's own directory.
func (m *Manager) env() map[string]string {
	return map[string]string{
		"NBFORGE_DAGS_FOLDER": m.app.DagsDir(),
		"NBFORGE_LOGS_FOLDER": filepath.Join(m.app.Home(), "logs"),
	}
}

func (m *Manager) load() (*types.Project, error) {
	content, err := os.ReadFile(m.File())
	if err != nil {
		return nil, fmt.Errorf("read compose file %s: %w", m.File(), err)
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", m.File(), err, ErrInvalidCompose)
	}
	if dict == nil {
		return nil, fmt.Errorf("%s is empty: %w", m.File(), ErrInvalidCompose)
	}

	env := m.env()
	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		// env_file entries resolve against the compose file's directory,
		// not the process working directory.
		WorkingDir: filepath.Dir(m.File()),
		ConfigFiles: []types.ConfigFile{
			{
				Filename: m.File(),
				Content:  content,
				Config:   dict,
			},
		},
		Environment: types.NewMapping(envPairs(env)),
	}, func(opts *loader.Options) {
		opts.SetProjectName("nbforge-airflow", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", m.File(), err, ErrInvalidCompose)
	}
	return project, nil
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}
