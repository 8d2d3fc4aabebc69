package airflow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/shell/compose"
	"github.com/nbforge/nbforge/internal/shell/docker"
	"github.com/nbforge/nbforge/internal/shell/jupyter"
	"github.com/nbforge/nbforge/internal/shell/runner"
)

// fakeDocker implements the docker.Client surface the airflow service uses.
type fakeDocker struct {
	builtTags   [][]string
	imageExists bool
}

func (f *fakeDocker) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	return "ctr-1", nil
}
func (f *fakeDocker) StartContainer(ctx context.Context, id string) error { return nil }
func (f *fakeDocker) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	return nil
}
func (f *fakeDocker) RemoveContainer(ctx context.Context, id string, opts docker.RemoveOptions) error {
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
	return nil
}
func (f *fakeDocker) WaitContainer(ctx context.Context, id string) (int, error) { return 0, nil }
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

func testService(t *testing.T, fake *fakeDocker) *Service {
	t.Helper()
	settings := &config.Settings{
		Home:  t.TempDir(),
		Tools: config.ToolSettings{Compose: "docker-compose", Jupytext: "jupytext"},
	}
	app, err := config.LoadApp(settings)
	require.NoError(t, err)
	r := runner.New(nil)
	cm := compose.NewManager(app, r, settings.Tools.Compose, nil)
	lab := jupyter.NewService(app, settings, fake, r, nil, nil)
	return NewService(app, settings, fake, cm, lab, r, nil)
}

func TestSetupBuildsImageAndLinksWorkspaces(t *testing.T) {
	fake := &fakeDocker{}
	svc := testService(t, fake)

	ws := t.TempDir()
	require.NoError(t, svc.Setup(context.Background(), []string{ws}, false))

	// Airflow image was built with the fixed tag.
	require.Len(t, fake.builtTags, 1)
	assert.Equal(t, []string{airflowImage}, fake.builtTags[0])

	// Compose file landed in the config home.
	_, err := os.Stat(svc.app.ComposeFile())
	assert.NoError(t, err)

	// Workspace linked into the dags folder.
	link := filepath.Join(svc.app.DagsDir(), filepath.Base(ws))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, ws, target)

	// Workspace list was recorded.
	assert.Equal(t, []string{ws}, svc.app.WorkspacePaths())
}

func TestSetupRejectsMissingWorkspace(t *testing.T) {
	fake := &fakeDocker{}
	svc := testService(t, fake)

	err := svc.Setup(context.Background(), []string{"/does/not/exist"}, false)
	require.Error(t, err)
}

func TestLinkWorkspacesPrunesDanglingLinks(t *testing.T) {
	fake := &fakeDocker{}
	svc := testService(t, fake)

	require.NoError(t, os.MkdirAll(svc.app.DagsDir(), 0o755))
	gone := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.MkdirAll(gone, 0o755))
	link := filepath.Join(svc.app.DagsDir(), "gone")
	require.NoError(t, os.Symlink(gone, link))
	require.NoError(t, os.RemoveAll(gone))

	require.NoError(t, svc.LinkWorkspaces())

	_, err := os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
}

func TestNewDagScaffold(t *testing.T) {
	fake := &fakeDocker{}
	svc := testService(t, fake)
	dir := t.TempDir()

	confPath, err := svc.NewDag(dir, "nightly")
	require.NoError(t, err)

	doc, err := config.ParseFile(confPath)
	require.NoError(t, err)
	dag, err := doc.SelectDag("nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly.py", dag.String("definition.code_path"))
	require.NoError(t, dag.Validate())

	code, err := os.ReadFile(filepath.Join(dir, "nightly.py"))
	require.NoError(t, err)
	assert.Contains(t, string(code), `dag_id="nightly"`)

	_, err = svc.NewDag(dir, "nightly")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDagExists)
	assert.Contains(t, err.Error(), "nbforge airflow edit")
}

func TestPushCopiesDagCode(t *testing.T) {
	fake := &fakeDocker{}
	svc := testService(t, fake)
	dir := t.TempDir()

	confPath, err := svc.NewDag(dir, "team.nightly")
	require.NoError(t, err)
	doc, err := config.ParseFile(confPath)
	require.NoError(t, err)
	dag, err := doc.SelectDag("team.nightly")
	require.NoError(t, err)

	dest, err := svc.Push(context.Background(), dag)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(svc.app.DagsDir(), "team_nightly.py"), dest)

	pushed, err := os.ReadFile(dest)
	require.NoError(t, err)
	original, err := os.ReadFile(filepath.Join(dir, "team.nightly.py"))
	require.NoError(t, err)
	assert.Equal(t, original, pushed)
}

func TestDagID(t *testing.T) {
	assert.Equal(t, "team_nightly", dagID("team.nightly"))
	assert.Equal(t, "plain", dagID("plain"))
}
