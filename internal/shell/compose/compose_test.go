package compose

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/shell/runner"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	app, err := config.LoadApp(&config.Settings{Home: t.TempDir()})
	require.NoError(t, err)
	return NewManager(app, runner.New(nil), "docker-compose", nil)
}

func TestMaterializeWritesComposeFile(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Materialize(false))

	_, err := os.Stat(m.File())
	assert.NoError(t, err)
	for _, dir := range []string{"dags", "logs"} {
		info, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(m.File())), dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}

func TestMaterializeKeepsLocalEdits(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))

	edited := []byte("services:\n  only:\n    image: busybox\n")
	require.NoError(t, os.WriteFile(m.File(), edited, 0o644))

	require.NoError(t, m.Materialize(false))
	content, err := os.ReadFile(m.File())
	require.NoError(t, err)
	assert.Equal(t, edited, content)

	// Force puts the bundled file back.
	require.NoError(t, m.Materialize(true))
	content, err = os.ReadFile(m.File())
	require.NoError(t, err)
	assert.NotEqual(t, edited, content)
}

func TestValidateBundledFile(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))

	assert.NoError(t, m.Validate())
}

func TestValidateRejectsBrokenFile(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))
	require.NoError(t, os.WriteFile(m.File(), []byte("services: [not, a, map"), 0o644))

	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCompose)
}

func TestValidateMissingFile(t *testing.T) {
	m := testManager(t)

	err := m.Validate()
	require.Error(t, err)
}

func TestServices(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))

	services, err := m.Services()
	require.NoError(t, err)
	assert.Equal(t, []string{"flower", "postgres", "redis", "scheduler", "webserver", "worker"}, services)
}

func TestUpDownValidateFirst(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))
	require.NoError(t, os.WriteFile(m.File(), []byte("services: [not, a, map"), 0o644))

	err := m.Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCompose)

	err = m.Down(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCompose)
}

func TestRunServiceUnknownService(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Materialize(false))

	err := m.RunService(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}
