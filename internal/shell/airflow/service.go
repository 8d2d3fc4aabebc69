// Package airflow operates the local Airflow deployment: image and compose
// setup, cluster lifecycle, and the dag authoring workflow.
package airflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbforge/nbforge/internal/assets"
	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/core/dockerfile"
	"github.com/nbforge/nbforge/internal/shell/compose"
	"github.com/nbforge/nbforge/internal/shell/docker"
	"github.com/nbforge/nbforge/internal/shell/jupyter"
	"github.com/nbforge/nbforge/internal/shell/runner"
)

// ErrDagExists is returned when a scaffold would overwrite a dag config.
var ErrDagExists = errors.New("dag config already exists")

const (
	// airflowImage is the reference the compose file starts services from.
	airflowImage = "nbforge/airflow:latest"

	// airflowPackage is the bundled Dockerfile package the image builds from.
	airflowPackage = "airflow"

	// editorPackage is the Dockerfile package used for dag editing sessions.
	editorPackage = "jupyter-spark"
)

// Service wires the Airflow workflow together.
type Service struct {
	app      *config.App
	settings *config.Settings
	docker   docker.Client
	compose  *compose.Manager
	lab      *jupyter.Service
	runner   *runner.Runner
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(app *config.App, settings *config.Settings, cli docker.Client, cm *compose.Manager, lab *jupyter.Service, r *runner.Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{app: app, settings: settings, docker: cli, compose: cm, lab: lab, runner: r, logger: logger}
}

// =============================================================================
// Setup
// =============================================================================

// Setup prepares the deployment: records the workspace list, builds the
// Airflow image, materializes the compose file and links workspaces into the
// dags folder.
func (s *Service) Setup(ctx context.Context, workspaces []string, appendMode bool) error {
	abs := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		path, err := filepath.Abs(ws)
		if err != nil {
			return fmt.Errorf("resolve workspace %s: %w", ws, err)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("workspace %s: %w", ws, err)
		}
		abs = append(abs, path)
	}

	if len(abs) > 0 {
		if err := s.app.RewriteWorkspaces(abs, appendMode); err != nil {
			return err
		}
	}

	if err := s.BuildAirflowImage(ctx); err != nil {
		return err
	}

	if err := s.compose.Materialize(false); err != nil {
		return err
	}
	if err := s.compose.Validate(); err != nil {
		return err
	}

	return s.LinkWorkspaces()
}

// BuildAirflowImage builds the bundled Airflow image. The tag is fixed, so
// the daemon's build cache keeps repeat setups cheap.
func (s *Service) BuildAirflowImage(ctx context.Context) error {
	pkg, err := assets.DockerPackage(airflowPackage)
	if err != nil {
		return err
	}
	bc, err := dockerfile.Assemble(pkg, dockerfile.Customization{})
	if err != nil {
		return err
	}
	s.logger.Info("building image", "image", airflowImage)
	_, err = s.docker.BuildImage(ctx, bc.Files, []string{airflowImage})
	return err
}

// LinkWorkspaces symlinks each configured workspace into the dags folder by
// its base name and prunes links whose targets disappeared.
func (s *Service) LinkWorkspaces() error {
	dagsDir := s.app.DagsDir()
	if err := os.MkdirAll(dagsDir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(dagsDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(dagsDir, entry.Name())
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			s.logger.Debug("pruning dangling workspace link", "link", path)
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}

	for _, ws := range s.app.WorkspacePaths() {
		link := filepath.Join(dagsDir, filepath.Base(ws))
		if target, err := os.Readlink(link); err == nil {
			if target == ws {
				continue
			}
			if err := os.Remove(link); err != nil {
				return err
			}
		} else if _, err := os.Lstat(link); err == nil {
			return fmt.Errorf("%s exists and is not a workspace link", link)
		}
		if err := os.Symlink(ws, link); err != nil {
			return err
		}
		s.logger.Debug("linked workspace", "workspace", ws, "link", link)
	}
	return nil
}

// =============================================================================
// Cluster lifecycle
// =============================================================================

// Start brings the compose cluster up, building the Airflow image first if
// it is missing.
func (s *Service) Start(ctx context.Context) error {
	exists, err := s.docker.ImageExists(ctx, airflowImage)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.BuildAirflowImage(ctx); err != nil {
			return err
		}
	}
	if err := s.compose.Materialize(false); err != nil {
		return err
	}
	return s.compose.Up(ctx)
}

// Stop takes the compose cluster down.
func (s *Service) Stop(ctx context.Context) error {
	return s.compose.Down(ctx)
}

// Run executes an airflow CLI command in a one-off container of the given
// compose service, the terminal attached. An empty service means webserver.
func (s *Service) Run(ctx context.Context, service string, args ...string) error {
	if service == "" {
		service = "webserver"
	}
	return s.compose.RunService(ctx, service, args...)
}

// =============================================================================
// Dag authoring
// =============================================================================

// NewDag scaffolds a dag in dir: the config file and a runnable DAG skeleton
// named after it. Returns the config file path.
func (s *Service) NewDag(dir, name string) (string, error) {
	confPath := filepath.Join(dir, name+".conf")
	if _, err := os.Stat(confPath); err == nil {
		return "", fmt.Errorf("%s: %w; open it with 'nbforge airflow edit %s'",
			confPath, ErrDagExists, confPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	template, err := assets.Template("dag.conf")
	if err != nil {
		return "", err
	}
	content := strings.ReplaceAll(string(template), "Untitled", name)
	if err := os.WriteFile(confPath, []byte(content), 0o644); err != nil {
		return "", err
	}

	skeleton, err := assets.Template("dag.py")
	if err != nil {
		return "", err
	}
	code := strings.ReplaceAll(string(skeleton), "__DAG_NAME__", dagID(name))
	if err := os.WriteFile(filepath.Join(dir, name+".py"), []byte(code), 0o644); err != nil {
		return "", err
	}
	return confPath, nil
}

// Edit opens the dag's folder in a JupyterLab session so the DAG code can be
// edited in place.
func (s *Service) Edit(ctx context.Context, dag *config.Dag) (*jupyter.EditResult, error) {
	code := dag.FilePath("definition.code_path")
	if code == "" {
		return nil, fmt.Errorf("dag %s has no definition.code_path", dag.Name)
	}

	image, err := s.buildEditorImage(ctx)
	if err != nil {
		return nil, err
	}

	spec := docker.ContainerSpec{
		Name:  dag.ContainerName(),
		Image: image,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelUser:    s.app.UserID(),
		},
		Env: map[string]string{"JUPYTER_ENABLE_LAB": "yes"},
		Volumes: []docker.VolumeMount{
			{Source: filepath.Dir(code), Target: "/home/jovyan/work"},
		},
	}
	return s.lab.OpenLab(ctx, spec)
}

// buildEditorImage builds the plain notebook image used for dag editing.
func (s *Service) buildEditorImage(ctx context.Context) (string, error) {
	pkg, err := assets.DockerPackage(editorPackage)
	if err != nil {
		return "", err
	}
	bc, err := dockerfile.Assemble(pkg, dockerfile.Customization{})
	if err != nil {
		return "", err
	}
	ref := "nbforge/" + editorPackage + ":" + bc.Hash()[:12]
	exists, err := s.docker.ImageExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return ref, nil
	}
	s.logger.Info("building image", "image", ref)
	return s.docker.BuildImage(ctx, bc.Files, []string{ref})
}

// Push publishes the dag's code into the scheduler's dags folder. Notebook
// sources are converted to a script first; the copy is atomic so the
// scheduler never reads a partial file.
func (s *Service) Push(ctx context.Context, dag *config.Dag) (string, error) {
	src := dag.FilePath("definition.code_path")
	if src == "" {
		return "", fmt.Errorf("dag %s has no definition.code_path", dag.Name)
	}

	if strings.HasSuffix(src, ".ipynb") {
		if err := s.runner.Run(ctx, runner.Options{}, s.settings.Tools.Jupytext,
			"--to", "py:percent", src); err != nil {
			return "", err
		}
		src = strings.TrimSuffix(src, ".ipynb") + ".py"
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read dag code %s: %w", src, err)
	}

	if err := os.MkdirAll(s.app.DagsDir(), 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(s.app.DagsDir(), dagID(dag.Name)+".py")

	tmp, err := os.CreateTemp(s.app.DagsDir(), ".push-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", err
	}
	s.logger.Info("dag pushed", "dag", dag.Name, "path", dest)
	return dest, nil
}

// dagID flattens a dotted dag name into a file and dag identifier.
func dagID(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
