package jupyter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/shell/docker"
	"github.com/nbforge/nbforge/internal/shell/runner"
	"github.com/nbforge/nbforge/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeDocker implements docker.Client in memory.
type fakeDocker struct {
	created     []docker.ContainerSpec
	started     []string
	removed     []string
	builtTags   [][]string
	imageExists bool
	exitCode    int
	logs        string
	portClashes int // first N creates fail with a port clash

	// closed when a following log stream is cancelled, when non-nil
	followReleased chan struct{}
}

func (f *fakeDocker) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	if f.portClashes > 0 {
		f.portClashes--
		return "", docker.NewDockerError("CreateContainer", "container", spec.Name,
			"port is already allocated", docker.ErrPortAlreadyAllocated)
	}
	f.created = append(f.created, spec)
	return fmt.Sprintf("ctr-%d", len(f.created)), nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	return nil
}

func (f *fakeDocker) RemoveContainer(ctx context.Context, id string, opts docker.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) InspectContainer(ctx context.Context, id string) (*docker.ContainerInfo, error) {
	return &docker.ContainerInfo{ID: id}, nil
}

func (f *fakeDocker) FindContainerByName(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	return nil, docker.NewDockerError("FindContainerByName", "container", name,
		"container not found", docker.ErrContainerNotFound)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, opts docker.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeDocker) StreamLogs(ctx context.Context, id string, opts docker.LogOptions, w io.Writer) error {
	_, err := io.WriteString(w, f.logs)
	if opts.Follow && f.followReleased != nil {
		<-ctx.Done()
		close(f.followReleased)
	}
	return err
}

func (f *fakeDocker) WaitContainer(ctx context.Context, id string) (int, error) {
	return f.exitCode, nil
}

func (f *fakeDocker) BuildImage(ctx context.Context, files map[string][]byte, tags []string) (string, error) {
	f.builtTags = append(f.builtTags, tags)
	return tags[0], nil
}

func (f *fakeDocker) PullImage(ctx context.Context, image string) error { return nil }

func (f *fakeDocker) ImageExists(ctx context.Context, image string) (bool, error) {
	return f.imageExists, nil
}

func (f *fakeDocker) Ping(ctx context.Context) error { return nil }
func (f *fakeDocker) Close() error                   { return nil }

// stubJupytext puts a fake jupytext binary on PATH that creates the paired
// file jupytext would have written.
func stubJupytext(t *testing.T) {
	t.Helper()
	binDir := t.TempDir()
	script := `#!/bin/sh
# args: --to <format> <file>
fmt="$2"
file="$3"
base="${file%.*}"
case "$fmt" in
  notebook) echo '{"cells":[],"nbformat":4,"nbformat_minor":5,"metadata":{}}' > "$base.ipynb" ;;
  *) echo "# %%" > "$base.py" ;;
esac
`
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "jupytext"), []byte(script), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testService(t *testing.T, fake *fakeDocker) (*Service, string) {
	t.Helper()
	settings := &config.Settings{Home: t.TempDir(), Tools: config.ToolSettings{Compose: "docker-compose", Jupytext: "jupytext"}}
	app, err := config.LoadApp(settings)
	require.NoError(t, err)
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	svc := NewService(app, settings, fake, runner.New(nil), ledger, nil)
	return svc, t.TempDir()
}

func writeStepDoc(t *testing.T, dir, content string) *config.Step {
	t.Helper()
	path := filepath.Join(dir, "pipeline.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	doc, err := config.ParseFile(path)
	require.NoError(t, err)
	step, err := doc.SelectStep("")
	require.NoError(t, err)
	return step
}

// =============================================================================
// Pure helpers
// =============================================================================

func TestPair(t *testing.T) {
	py, ipynb := Pair("/work/notebook/clean.ipynb")
	assert.Equal(t, "/work/notebook/clean.py", py)
	assert.Equal(t, "/work/notebook/clean.ipynb", ipynb)

	py, ipynb = Pair("/work/clean.py")
	assert.Equal(t, "/work/clean.py", py)
	assert.Equal(t, "/work/clean.ipynb", ipynb)
}

func TestNotebookName(t *testing.T) {
	name := NotebookName("/work/notebook/clean.ipynb", "20240301123000", "uabc")
	assert.Equal(t, "clean_20240301123000uabc.ipynb", name)
}

func TestImageRef(t *testing.T) {
	dir := t.TempDir()
	step := writeStepDoc(t, dir, `
steps.Team.Clean.task { type = "jupyter", code_path = "clean.ipynb" }
steps.Team.Clean.docker_image { input_docker_src = "jupyter-spark" }
`)
	ref := ImageRef(step, "abcdef0123456789")
	assert.Equal(t, "nbforge/team.clean:abcdef012345", ref)
}

func TestImageRefConfiguredNameAndTag(t *testing.T) {
	dir := t.TempDir()
	step := writeStepDoc(t, dir, `
steps.clean.task { type = "jupyter", code_path = "clean.ipynb" }
steps.clean.docker_image {
  input_docker_src = "jupyter-spark"
  output_docker_name = "acme/clean"
  output_docker_tag = "v3"
}
`)
	assert.Equal(t, "acme/clean:v3", ImageRef(step, "abcdef0123456789"))
}

// =============================================================================
// Customization resolution
// =============================================================================

func TestResolveCustomizationStepFilesWin(t *testing.T) {
	fake := &fakeDocker{}
	svc, dir := testService(t, fake)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkgs.txt"), []byte("graphviz\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(svc.app.Home(), "config", "apt_packages.txt"), []byte("curl\n"), 0o644))

	step := writeStepDoc(t, dir, `
steps.clean.task { type = "jupyter", code_path = "clean.ipynb" }
steps.clean.docker_image {
  input_docker_src = "jupyter-spark"
  apt_package_path = "pkgs.txt"
}
`)
	c, err := resolveCustomization(svc.app, step)
	require.NoError(t, err)
	assert.Equal(t, []string{"graphviz"}, c.AptPackages)
}

func TestResolveCustomizationGlobalFallback(t *testing.T) {
	fake := &fakeDocker{}
	svc, dir := testService(t, fake)

	require.NoError(t, os.WriteFile(
		filepath.Join(svc.app.Home(), "config", "requirements.txt"), []byte("pandas\n"), 0o644))

	step := writeStepDoc(t, dir, `
steps.clean.task { type = "jupyter", code_path = "clean.ipynb" }
steps.clean.docker_image { input_docker_src = "jupyter-spark" }
`)
	c, err := resolveCustomization(svc.app, step)
	require.NoError(t, err)
	assert.Equal(t, []byte("pandas\n"), c.Requirements)
	assert.Empty(t, c.AptPackages)
}

// =============================================================================
// Container assembly
// =============================================================================

func TestContainerSpecMounts(t *testing.T) {
	fake := &fakeDocker{}
	svc, dir := testService(t, fake)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notebook"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vars.env"), []byte("A=1\n"), 0o644))

	step := writeStepDoc(t, dir, `
steps.clean.task {
  type = "jupyter"
  code_path = "notebook/clean.ipynb"
  execution_dir_path = "notebook_run/"
  modules_src_path = [{utils = "lib"}]
  input_data_path = [{raw = "data/in"}]
  output_data_path = [{report = "data/out"}]
  env = ["vars.env", {SPARK_MASTER = "local[4]"}]
}
steps.clean.docker_image { input_docker_src = "jupyter-spark" }
`)
	spec, err := svc.containerSpec(step, "nbforge/clean:abc", step.ContainerName())
	require.NoError(t, err)

	assert.Equal(t, "jupyter_clean", spec.Name)
	assert.Equal(t, workDir, spec.WorkingDir)
	assert.Equal(t, "local[4]", spec.Env["SPARK_MASTER"])
	assert.Equal(t, "yes", spec.Env["JUPYTER_ENABLE_LAB"])
	assert.Equal(t, []string{svc.app.EnvFile(), filepath.Join(dir, "vars.env")}, spec.EnvFiles)
	assert.Equal(t, "clean", spec.Labels[docker.LabelStep])

	targets := map[string]docker.VolumeMount{}
	for _, v := range spec.Volumes {
		targets[v.Target] = v
	}
	assert.Equal(t, filepath.Join(dir, "notebook"), targets[workDir+"/notebook"].Source)
	assert.Equal(t, filepath.Join(dir, "notebook_run"), targets[workDir+"/notebook_run"].Source)
	assert.Equal(t, filepath.Join(dir, "lib"), targets[workDir+"/modules/utils"].Source)
	assert.True(t, targets[workDir+"/data/input/raw"].ReadOnly)
	assert.False(t, targets[workDir+"/data/output/report"].ReadOnly)
	assert.True(t, targets[workDir+"/pipeline.conf"].ReadOnly)

	// The execution dir was created on demand.
	info, err := os.Stat(filepath.Join(dir, "notebook_run"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// =============================================================================
// New step
// =============================================================================

func TestNewStepScaffold(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{}
	svc, dir := testService(t, fake)

	confPath, err := svc.NewStep(context.Background(), dir, "ingest")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ingest.conf"), confPath)

	doc, err := config.ParseFile(confPath)
	require.NoError(t, err)
	step, err := doc.SelectStep("ingest")
	require.NoError(t, err)
	assert.Equal(t, "notebook/ingest.ipynb", step.String("task.code_path"))
	assert.Equal(t, "nbforge/ingest", step.String("docker_image.output_docker_name"))
	require.NoError(t, step.Validate())

	_, err = os.Stat(filepath.Join(dir, "notebook", "ingest.ipynb"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "apt_packages.txt"))
	assert.NoError(t, err)
}

func TestNewStepRefusesOverwrite(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{}
	svc, dir := testService(t, fake)

	_, err := svc.NewStep(context.Background(), dir, "ingest")
	require.NoError(t, err)
	_, err = svc.NewStep(context.Background(), dir, "ingest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepExists)
	assert.Contains(t, err.Error(), "nbforge jupyter edit")
}

// =============================================================================
// Run
// =============================================================================

func runnableStep(t *testing.T, dir string) *config.Step {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notebook"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notebook", "clean.ipynb"),
		[]byte(`{"cells":[],"nbformat":4,"nbformat_minor":5,"metadata":{}}`), 0o644))
	return writeStepDoc(t, dir, `
steps.clean.task {
  type = "jupyter"
  code_path = "notebook/clean.ipynb"
  execution_dir_path = "notebook_run/"
  parameters = [{alpha = "0.5"}]
}
steps.clean.docker_image { input_docker_src = "jupyter-spark" }
`)
}

func TestRunExecutesPapermill(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{imageExists: true}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	result, err := svc.Run(context.Background(), step, RunOptions{})
	require.NoError(t, err)

	require.Len(t, fake.created, 1)
	spec := fake.created[0]
	assert.Equal(t, "jupyter_clean", spec.Name)
	assert.Equal(t, "start-papermill.sh", spec.Command[0])
	assert.Equal(t, "papermill", spec.Command[1])
	assert.Contains(t, spec.Command, "-p")
	assert.Contains(t, spec.Command, "alpha")
	assert.Contains(t, spec.Command[3], "clean_")
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.OutputPath, svc.app.UserID()+".ipynb")

	// The run landed in the ledger as succeeded.
	runs, err := svc.ledger.ListRuns(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, "clean", runs[0].Step)
}

func TestRunRecordsFailure(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{imageExists: true, exitCode: 2}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	result, err := svc.Run(context.Background(), step, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, result.ExitCode)

	runs, err := svc.ledger.ListRuns(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
	assert.Equal(t, 2, runs[0].ExitCode)
}

func TestRunPrepareOnly(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{imageExists: true}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	result, err := svc.Run(context.Background(), step, RunOptions{PrepareOnly: true})
	require.NoError(t, err)
	assert.True(t, result.Prepared)
	assert.Empty(t, fake.created)
	assert.NotEmpty(t, result.Command)
}

func TestRunBuildsImageWhenMissing(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{imageExists: false}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	_, err := svc.Run(context.Background(), step, RunOptions{})
	require.NoError(t, err)
	require.Len(t, fake.builtTags, 1)
	assert.Contains(t, fake.builtTags[0][0], "nbforge/clean:")
}

// =============================================================================
// Edit
// =============================================================================

func TestEditReturnsTokenURL(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{
		imageExists: true,
		logs:        "[I 12:00 ServerApp] http://127.0.0.1:8888/lab?token=abc123def\n",
	}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	result, err := svc.Edit(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10000/?token=abc123def", result.URL)
	assert.Equal(t, "jupyter_clean", result.Container)
	require.Len(t, fake.started, 1)
}

func TestEditRetriesPorts(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{
		imageExists: true,
		portClashes: 2,
		logs:        "[I 12:00 ServerApp] http://127.0.0.1:8888/lab?token=feedbeef\n",
	}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	result, err := svc.Edit(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, 10002, result.HostPort)
	assert.Equal(t, "http://localhost:10002/?token=feedbeef", result.URL)
	require.Len(t, fake.created, 1)
	assert.Equal(t, 10002, fake.created[0].Ports[0].HostPort)
}

func TestEditReleasesLogFollower(t *testing.T) {
	stubJupytext(t)
	fake := &fakeDocker{
		imageExists:    true,
		logs:           "[I 12:00 ServerApp] http://127.0.0.1:8888/lab?token=abc123def\n",
		followReleased: make(chan struct{}),
	}
	svc, dir := testService(t, fake)
	step := runnableStep(t, dir)

	_, err := svc.Edit(context.Background(), step)
	require.NoError(t, err)

	// The follower must be cancelled once the token is captured, not keep
	// tailing the container for the life of the command.
	select {
	case <-fake.followReleased:
	case <-time.After(2 * time.Second):
		t.Fatal("log follower still attached after the token was captured")
	}
}

func TestTokenPatternMatchesServerAnnouncement(t *testing.T) {
	match := tokenPattern.FindStringSubmatch(
		"[I 12:00 ServerApp] http://127.0.0.1:8888/lab?token=abc123def")
	require.Len(t, match, 2)
	assert.Equal(t, "abc123def", match[1])

	// A bare token without the URL prefix is not an announcement.
	assert.Nil(t, tokenPattern.FindStringSubmatch("token=feedbeef"))
}
