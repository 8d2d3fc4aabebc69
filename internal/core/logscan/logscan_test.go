package logscan

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenPattern = regexp.MustCompile(`http://.*:8888/.*token=([a-zA-Z0-9]+)`)

func TestScanCapturesFirstMatch(t *testing.T) {
	logs := strings.Join([]string{
		"[I 12:00:00.000 LabApp] JupyterLab extension loaded",
		"[I 12:00:01.000 LabApp] http://0.0.0.0:8888/?token=abc123def",
		"[I 12:00:01.100 LabApp] http://127.0.0.1:8888/?token=later456",
	}, "\n")

	s := New(tokenPattern)
	require.NoError(t, s.Scan(strings.NewReader(logs)))
	assert.Equal(t, "abc123def", s.Artifact())
}

func TestScanNoMatch(t *testing.T) {
	s := New(tokenPattern)
	require.NoError(t, s.Scan(strings.NewReader("nothing interesting\n")))
	assert.Empty(t, s.Artifact())
}

func TestScanNilPattern(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Scan(strings.NewReader("line1\nline2\n")))
	assert.Empty(t, s.Artifact())
}

func TestArtifactReadableWhileScanning(t *testing.T) {
	pr, pw := io.Pipe()
	s := New(tokenPattern)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Scan(pr)
	}()

	_, err := pw.Write([]byte("http://localhost:8888/lab?token=live789\n"))
	require.NoError(t, err)

	// Poll until the scanning goroutine has processed the line.
	deadline := time.Now().Add(2 * time.Second)
	for s.Artifact() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "live789", s.Artifact())

	require.NoError(t, pw.Close())
	wg.Wait()
}

func TestScanLongLines(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	s := New(tokenPattern)
	require.NoError(t, s.Scan(strings.NewReader(long+"\n")))
}
