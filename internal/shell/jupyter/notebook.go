package jupyter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbforge/nbforge/internal/assets"
	"github.com/nbforge/nbforge/internal/shell/runner"
)

// Pair returns the .py and .ipynb paths sharing a code path's base name.
// Steps may point code_path at either representation; jupytext keeps the two
// in sync.
func Pair(codePath string) (py, ipynb string) {
	base := strings.TrimSuffix(codePath, filepath.Ext(codePath))
	return base + ".py", base + ".ipynb"
}

// NotebookName derives the output notebook file name for a run: the code
// base name suffixed with the run timestamp and the installation user id.
func NotebookName(codePath, timestamp, userID string) string {
	base := strings.TrimSuffix(filepath.Base(codePath), filepath.Ext(codePath))
	return base + "_" + timestamp + userID + ".ipynb"
}

// scaffoldNotebook writes the embedded starter notebook to path and pairs it
// with a percent-format .py file.
func (s *Service) scaffoldNotebook(ctx context.Context, path string) error {
	content, err := assets.Template("notebook.json")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return err
	}
	return s.runner.Run(ctx, runner.Options{}, s.settings.Tools.Jupytext,
		"--to", "py:percent", path)
}

// EnsurePair makes sure both representations of the step's code exist and
// the notebook reflects the newer .py source, regenerating through jupytext
// where needed. Returns the notebook path to execute.
func (s *Service) EnsurePair(ctx context.Context, codePath string) (string, error) {
	py, ipynb := Pair(codePath)

	pyInfo, pyErr := os.Stat(py)
	nbInfo, nbErr := os.Stat(ipynb)

	switch {
	case pyErr != nil && nbErr != nil:
		return "", fmt.Errorf("neither %s nor %s exists", py, ipynb)
	case nbErr != nil:
		// Only the script exists: materialize the notebook.
		if err := s.runner.Run(ctx, runner.Options{}, s.settings.Tools.Jupytext,
			"--to", "notebook", py); err != nil {
			return "", err
		}
	case pyErr != nil:
		// Only the notebook exists: pair it so future edits round-trip.
		if err := s.runner.Run(ctx, runner.Options{}, s.settings.Tools.Jupytext,
			"--to", "py:percent", ipynb); err != nil {
			return "", err
		}
	case pyInfo.ModTime().After(nbInfo.ModTime()):
		if err := s.runner.Run(ctx, runner.Options{}, s.settings.Tools.Jupytext,
			"--to", "notebook", py); err != nil {
			return "", err
		}
	}
	return ipynb, nil
}

// TouchScript bumps the .py side's mtime so the next pairing pass prefers
// edits made to the notebook inside the container.
func TouchScript(codePath string) error {
	py, _ := Pair(codePath)
	if _, err := os.Stat(py); err != nil {
		return nil
	}
	now := time.Now()
	return os.Chtimes(py, now, now)
}
