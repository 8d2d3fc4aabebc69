// Package jupyter implements the notebook workflow: scaffolding steps,
// opening them in a JupyterLab container and executing them with papermill.
package jupyter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nbforge/nbforge/internal/assets"
	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/core/logscan"
	"github.com/nbforge/nbforge/internal/shell/docker"
	"github.com/nbforge/nbforge/internal/shell/runner"
	"github.com/nbforge/nbforge/internal/shell/store"
)

const (
	workDir        = "/home/jovyan/work"
	labPort        = 8888
	sparkUIPort    = 4040
	firstHostPort  = 10000
	hostPortTries  = 10
	tokenWait      = 2 * time.Second
	tokenAttempts  = 60
)

// tokenPattern captures the access token JupyterLab announces on startup.
var tokenPattern = regexp.MustCompile(`https?://\S*token=([a-zA-Z0-9]+)`)

var (
	// ErrNoFreePort is returned when no host port in the probe range is free.
	ErrNoFreePort = errors.New("no free host port for the lab server")

	// ErrTokenNotFound is returned when the lab never announced its token.
	ErrTokenNotFound = errors.New("lab access token not found in container logs")

	// ErrStepExists is returned when a scaffold would overwrite a step config.
	ErrStepExists = errors.New("step config already exists")
)

// Service wires the notebook workflow together.
type Service struct {
	app      *config.App
	settings *config.Settings
	docker   docker.Client
	runner   *runner.Runner
	ledger   store.Store
	logger   *slog.Logger
}

// NewService creates a Service. ledger may be nil when run history is not
// wanted.
func NewService(app *config.App, settings *config.Settings, cli docker.Client, r *runner.Runner, ledger store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{app: app, settings: settings, docker: cli, runner: r, ledger: ledger, logger: logger}
}

// =============================================================================
// New Step
// =============================================================================

// NewStep scaffolds a step in dir: the config file, the starter notebook
// pair and the empty customization lists the config references. Returns the
// config file path.
func (s *Service) NewStep(ctx context.Context, dir, name string) (string, error) {
	confPath := filepath.Join(dir, name+".conf")
	if _, err := os.Stat(confPath); err == nil {
		return "", fmt.Errorf("%s: %w; open it with 'nbforge jupyter edit %s'",
			confPath, ErrStepExists, confPath)
	}

	template, err := assets.Template("step.conf")
	if err != nil {
		return "", err
	}
	content := strings.NewReplacer(
		"Untitled", name,
		"untitled", sanitizeImageName(name),
	).Replace(string(template))

	for _, sub := range []string{"notebook", "notebook_run"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(confPath, []byte(content), 0o644); err != nil {
		return "", err
	}
	for _, list := range []string{"apt_repository.txt", "apt_packages.txt", "requirements.txt", "lab_extensions.txt"} {
		path := filepath.Join(dir, list)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return "", err
			}
		}
	}

	if err := s.scaffoldNotebook(ctx, filepath.Join(dir, "notebook", name+".ipynb")); err != nil {
		return "", err
	}
	return confPath, nil
}

// =============================================================================
// Edit
// =============================================================================

// EditResult reports where the editing session can be reached.
type EditResult struct {
	URL       string
	Container string
	HostPort  int
}

// Edit builds the step's image and starts a JupyterLab container with the
// step's files mounted, returning the tokenized URL once the lab is up. The
// container keeps running after Edit returns.
func (s *Service) Edit(ctx context.Context, step *config.Step) (*EditResult, error) {
	image, err := s.BuildStepImage(ctx, step)
	if err != nil {
		return nil, err
	}

	if _, err := s.EnsurePair(ctx, step.FilePath("task.code_path")); err != nil {
		return nil, err
	}

	spec, err := s.containerSpec(step, image, step.ContainerName())
	if err != nil {
		return nil, err
	}

	result, err := s.OpenLab(ctx, spec)
	if err != nil {
		return nil, err
	}

	// Notebook edits happen on the mounted .py side once the session ends.
	if err := TouchScript(step.FilePath("task.code_path")); err != nil {
		s.logger.Warn("could not touch paired script", "error", err)
	}
	return result, nil
}

// OpenLab starts a JupyterLab container from the given spec, probing host
// ports for the lab server, and returns the tokenized URL once the lab
// announces itself. The container keeps running after OpenLab returns.
func (s *Service) OpenLab(ctx context.Context, spec docker.ContainerSpec) (*EditResult, error) {
	s.removeStale(ctx, spec.Name)

	containerID, hostPort, err := s.createWithFreePort(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.docker.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}

	token, err := s.waitForToken(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return &EditResult{
		URL:       fmt.Sprintf("http://localhost:%d/?token=%s", hostPort, token),
		Container: spec.Name,
		HostPort:  hostPort,
	}, nil
}

// createWithFreePort walks the host port range until the container can be
// created without a port clash.
func (s *Service) createWithFreePort(ctx context.Context, spec docker.ContainerSpec) (string, int, error) {
	for try := 0; try < hostPortTries; try++ {
		hostPort := firstHostPort + try
		spec.Ports = []docker.PortBinding{
			{ContainerPort: labPort, HostPort: hostPort},
			{ContainerPort: sparkUIPort, HostPort: sparkUIPort + try},
		}
		id, err := s.docker.CreateContainer(ctx, spec)
		if err == nil {
			return id, hostPort, nil
		}
		if errors.Is(err, docker.ErrPortAlreadyAllocated) {
			continue
		}
		return "", 0, err
	}
	return "", 0, ErrNoFreePort
}

// waitForToken follows the container logs until the lab announces its access
// token. The follower is cancelled once the token is captured so it does not
// tail the container for the rest of the command.
func (s *Service) waitForToken(ctx context.Context, containerID string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := logscan.New(tokenPattern, logscan.WithLogger(s.logger))
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		_ = s.docker.StreamLogs(ctx, containerID, docker.LogOptions{Follow: true}, pw)
	}()
	go func() {
		_ = scanner.Scan(pr)
	}()

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		if token := scanner.Artifact(); token != "" {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(tokenWait):
		}
	}
	return "", ErrTokenNotFound
}

// =============================================================================
// Run
// =============================================================================

// RunOptions tunes a notebook execution.
type RunOptions struct {
	Parameters  []config.KV // extra papermill parameters, after the step's own
	PrepareOnly bool        // build the image and report the plan, run nothing
}

// RunResult describes an executed (or planned) notebook run.
type RunResult struct {
	RunID      string
	Image      string
	Container  string
	OutputPath string
	Command    []string
	ExitCode   int
	Prepared   bool // true when PrepareOnly skipped execution
}

// Run executes a step's notebook with papermill inside its image and records
// the run in the ledger.
func (s *Service) Run(ctx context.Context, step *config.Step, opts RunOptions) (*RunResult, error) {
	image, err := s.BuildStepImage(ctx, step)
	if err != nil {
		return nil, err
	}

	notebook, err := s.EnsurePair(ctx, step.FilePath("task.code_path"))
	if err != nil {
		return nil, err
	}

	outputName := NotebookName(notebook, s.app.Timestamp(time.Now()), s.app.UserID())
	executionDir := step.FilePath("task.execution_dir_path")
	if executionDir == "" {
		executionDir = filepath.Dir(notebook)
	}
	if err := os.MkdirAll(executionDir, 0o755); err != nil {
		return nil, err
	}
	outputPath := filepath.Join(executionDir, outputName)

	command := []string{
		"start-papermill.sh", "papermill",
		filepath.Join(workDir, "notebook", filepath.Base(notebook)),
		filepath.Join(workDir, "notebook_run", outputName),
	}
	for _, p := range append(step.Parameters(), opts.Parameters...) {
		command = append(command, "-p", p.Key, p.Value)
	}

	name := step.ContainerName()
	result := &RunResult{
		RunID:      uuid.NewString(),
		Image:      image,
		Container:  name,
		OutputPath: outputPath,
		Command:    command,
	}

	if opts.PrepareOnly {
		result.Prepared = true
		return result, nil
	}

	s.removeStale(ctx, name)

	spec, err := s.containerSpec(step, image, name)
	if err != nil {
		return nil, err
	}
	spec.Command = command

	containerID, err := s.docker.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer s.docker.RemoveContainer(context.Background(), containerID, docker.RemoveOptions{Force: true})

	s.recordStart(ctx, result, step)

	if err := s.docker.StartContainer(ctx, containerID); err != nil {
		s.recordFinish(ctx, result.RunID, store.RunStatusFailed, -1)
		return nil, err
	}

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		_ = s.docker.StreamLogs(ctx, containerID, docker.LogOptions{Follow: true}, logWriter(s.logger))
	}()

	exitCode, err := s.docker.WaitContainer(ctx, containerID)
	<-logDone
	result.ExitCode = exitCode
	if err != nil {
		s.recordFinish(ctx, result.RunID, store.RunStatusFailed, exitCode)
		return nil, err
	}
	if exitCode != 0 {
		s.recordFinish(ctx, result.RunID, store.RunStatusFailed, exitCode)
		return result, fmt.Errorf("papermill exited with code %d", exitCode)
	}

	s.recordFinish(ctx, result.RunID, store.RunStatusSucceeded, 0)
	return result, nil
}

func (s *Service) recordStart(ctx context.Context, result *RunResult, step *config.Step) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordStart(ctx, &store.Run{
		ID:         result.RunID,
		Step:       step.Name,
		ConfigPath: step.Doc().Path(),
		Image:      result.Image,
		Container:  result.Container,
		OutputPath: result.OutputPath,
	})
	if err != nil {
		s.logger.Warn("could not record run start", "run", result.RunID, "error", err)
	}
}

func (s *Service) recordFinish(ctx context.Context, runID, status string, exitCode int) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.RecordFinish(ctx, runID, status, exitCode, time.Now()); err != nil {
		s.logger.Warn("could not record run finish", "run", runID, "error", err)
	}
}

// =============================================================================
// Container assembly
// =============================================================================

// containerSpec assembles the mounts and environment shared by edit and run
// sessions.
func (s *Service) containerSpec(step *config.Step, image, name string) (docker.ContainerSpec, error) {
	notebook := step.FilePath("task.code_path")
	if notebook == "" {
		return docker.ContainerSpec{}, fmt.Errorf("step %s has no task.code_path", step.Name)
	}

	spec := docker.ContainerSpec{
		Name:       name,
		Image:      image,
		WorkingDir: workDir,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelStep:    step.Name,
			docker.LabelUser:    s.app.UserID(),
		},
		Env: map[string]string{"JUPYTER_ENABLE_LAB": "yes"},
	}

	spec.Volumes = append(spec.Volumes, docker.VolumeMount{
		Source: filepath.Dir(notebook),
		Target: filepath.Join(workDir, "notebook"),
	})

	executionDir := step.FilePath("task.execution_dir_path")
	if executionDir == "" {
		executionDir = filepath.Dir(notebook)
	}
	if err := os.MkdirAll(executionDir, 0o755); err != nil {
		return docker.ContainerSpec{}, err
	}
	spec.Volumes = append(spec.Volumes, docker.VolumeMount{
		Source: executionDir,
		Target: filepath.Join(workDir, "notebook_run"),
	})

	if confPath := step.Doc().Path(); confPath != "" {
		spec.Volumes = append(spec.Volumes, docker.VolumeMount{
			Source:   confPath,
			Target:   filepath.Join(workDir, filepath.Base(confPath)),
			ReadOnly: true,
		})
	}

	for _, m := range step.PathPairs("task.modules_src_path") {
		spec.Volumes = append(spec.Volumes, docker.VolumeMount{
			Source: m.Value,
			Target: filepath.Join(workDir, "modules", m.Key),
		})
	}
	for _, m := range step.PathPairs("task.input_data_path") {
		spec.Volumes = append(spec.Volumes, docker.VolumeMount{
			Source:   m.Value,
			Target:   filepath.Join(workDir, "data", "input", m.Key),
			ReadOnly: true,
		})
	}
	for _, m := range step.PathPairs("task.output_data_path") {
		spec.Volumes = append(spec.Volumes, docker.VolumeMount{
			Source: m.Value,
			Target: filepath.Join(workDir, "data", "output", m.Key),
		})
	}

	// The installation env file comes first so step env entries win.
	if _, err := os.Stat(s.app.EnvFile()); err == nil {
		spec.EnvFiles = append(spec.EnvFiles, s.app.EnvFile())
	}
	for _, env := range step.EnvSpecs() {
		if env.File != "" {
			spec.EnvFiles = append(spec.EnvFiles, env.File)
		}
		for _, kv := range env.Vars {
			spec.Env[kv.Key] = kv.Value
		}
	}

	return spec, nil
}

// removeStale force-removes a leftover container with the session's name.
func (s *Service) removeStale(ctx context.Context, name string) {
	info, err := s.docker.FindContainerByName(ctx, name)
	if err != nil {
		return
	}
	s.logger.Debug("removing stale container", "container", name)
	if err := s.docker.RemoveContainer(ctx, info.ID, docker.RemoveOptions{Force: true}); err != nil {
		s.logger.Warn("could not remove stale container", "container", name, "error", err)
	}
}

// logWriter adapts slog into an io.Writer for container log streaming.
type slogWriter struct {
	logger *slog.Logger
}

func logWriter(logger *slog.Logger) io.Writer {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Info(line)
		}
	}
	return len(p), nil
}
