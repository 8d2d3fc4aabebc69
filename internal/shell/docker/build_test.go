package docker

import (
	"archive/tar"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarBuildContext(t *testing.T) {
	files := map[string][]byte{
		"Dockerfile":         []byte("FROM scratch\n"),
		"start-papermill.sh": []byte("#!/bin/bash\n"),
		"requirements.txt":   []byte("pandas\n"),
	}

	archive, err := tarBuildContext(files)
	require.NoError(t, err)

	tr := tar.NewReader(archive)
	var names []string
	modes := map[string]int64{}
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		names = append(names, hdr.Name)
		modes[hdr.Name] = hdr.Mode
		contents[hdr.Name] = string(data)
	}

	// Entries come out sorted, scripts are executable.
	assert.Equal(t, []string{"Dockerfile", "requirements.txt", "start-papermill.sh"}, names)
	assert.Equal(t, int64(0o644), modes["Dockerfile"])
	assert.Equal(t, int64(0o755), modes["start-papermill.sh"])
	assert.Equal(t, "FROM scratch\n", contents["Dockerfile"])
}

func TestDrainBuildStreamExtractsImageID(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/2 : FROM scratch\n"}`,
		`{"aux":{"ID":"sha256:abc123"}}`,
		`{"stream":"Successfully built abc123\n"}`,
	}, "\n")

	id, err := drainBuildStream(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", id)
}

func TestDrainBuildStreamSurfacesErrors(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/2 : FROM nope\n"}`,
		`{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}`,
	}, "\n")

	_, err := drainBuildStream(strings.NewReader(stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull access denied")
}

func TestDockerErrorFormatting(t *testing.T) {
	err := NewDockerError("BuildImage", "image", "nbforge/step:latest", "boom", ErrImageBuildFailed)
	assert.Equal(t, "BuildImage image nbforge/step:latest: boom", err.Error())
	assert.ErrorIs(t, err, ErrImageBuildFailed)

	bare := NewDockerError("Ping", "", "", "daemon unreachable", ErrConnectionFailed)
	assert.Equal(t, "Ping: daemon unreachable", bare.Error())
}

func TestAssembleEnvMergesFilesAndExplicit(t *testing.T) {
	dir := t.TempDir()
	envFile := dir + "/.env"
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nAIRFLOW_HOME=/airflow\nMODE=file\n"), 0o644))

	env, err := assembleEnv(ContainerSpec{
		EnvFiles: []string{envFile},
		Env:      map[string]string{"MODE": "explicit", "EXTRA": "1"},
	})
	require.NoError(t, err)

	assert.Contains(t, env, "AIRFLOW_HOME=/airflow")
	assert.Contains(t, env, "MODE=explicit")
	assert.Contains(t, env, "EXTRA=1")
	assert.NotContains(t, env, "MODE=file")
}

func TestAssembleEnvMissingFile(t *testing.T) {
	_, err := assembleEnv(ContainerSpec{EnvFiles: []string{"/does/not/exist/.env"}})
	require.Error(t, err)
}
