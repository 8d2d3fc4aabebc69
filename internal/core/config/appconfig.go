package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gurkankaymak/hocon"

	"github.com/nbforge/nbforge/internal/assets"
)

// Placeholders substituted when rendering the embedded app config template.
const (
	placeholderConfigHome = "__CONFIG_HOME__"
	placeholderTimezone   = "__TIMEZONE__"
	placeholderUserID     = "__USER_ID__"
	placeholderGeneration = "__GENERATION_DATE__"
)

// customization list files created empty in the config home; steps may
// override them per step.
var homeListFiles = []string{
	"apt_packages.txt",
	"requirements.txt",
	"lab_extensions.txt",
}

// =============================================================================
// Application Config
// =============================================================================

// App is the parsed HOCON application config generated under the nbforge
// home. It records the identity of this installation (user id, timezone,
// generation date) and the Airflow deployment layout.
type App struct {
	home string
	path string
	conf *hocon.Config
}

// LoadApp loads the application config for the configured home, generating
// a fresh one from the embedded template on first use.
func LoadApp(settings *Settings) (*App, error) {
	home := settings.HomeDir()
	path := settings.AppConfigFile()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Generate(home, false); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("LoadApp", path, err.Error(), ErrHomeUnavailable)
	}
	conf, err := hocon.ParseString(string(data))
	if err != nil {
		return nil, NewConfigError("LoadApp", path, err.Error(), ErrParse)
	}
	return &App{home: home, path: path, conf: conf}, nil
}

// Generate materializes a new application config and the empty
// customization files under home. An existing config is left alone unless
// force is set.
func Generate(home string, force bool) error {
	configDir := filepath.Join(home, "config")
	path := filepath.Join(configDir, "nbforge.conf")

	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return NewConfigError("Generate", configDir, err.Error(), ErrHomeUnavailable)
	}

	content, err := renderAppConfig(home, timezoneName(), newUserID(),
		time.Now().UTC().Format(time.RFC3339), nil)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, []byte(content), 0o644); err != nil {
		return NewConfigError("Generate", path, err.Error(), ErrHomeUnavailable)
	}

	for _, name := range homeListFiles {
		listPath := filepath.Join(configDir, name)
		if _, err := os.Stat(listPath); os.IsNotExist(err) {
			if err := os.WriteFile(listPath, nil, 0o644); err != nil {
				return NewConfigError("Generate", listPath, err.Error(), ErrHomeUnavailable)
			}
		}
	}

	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envTemplate, err := assets.Template("env")
		if err != nil {
			return NewConfigError("Generate", envPath, err.Error(), err)
		}
		if err := os.WriteFile(envPath, envTemplate, 0o644); err != nil {
			return NewConfigError("Generate", envPath, err.Error(), ErrHomeUnavailable)
		}
	}
	return nil
}

// renderAppConfig renders the embedded template with the given identity and
// workspace list.
func renderAppConfig(home, timezone, userID, generated string, workspaces []string) (string, error) {
	template, err := assets.Template("nbforge.conf")
	if err != nil {
		return "", err
	}
	content := strings.NewReplacer(
		placeholderConfigHome, home,
		placeholderTimezone, timezone,
		placeholderUserID, userID,
		placeholderGeneration, generated,
	).Replace(string(template))

	if len(workspaces) > 0 {
		var b strings.Builder
		b.WriteString("workspace_paths = [\n")
		for _, ws := range workspaces {
			fmt.Fprintf(&b, "        %q,\n", ws)
		}
		b.WriteString("      ]")
		content = strings.Replace(content, "workspace_paths = []", b.String(), 1)
	}
	return content, nil
}

// newUserID returns a fresh installation identifier.
func newUserID() string {
	return "u" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// timezoneName picks the timezone recorded at generation time.
func timezoneName() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	return "UTC"
}

// =============================================================================
// Accessors
// =============================================================================

// Path returns the config file path.
func (a *App) Path() string { return a.path }

// Home returns the application home directory.
func (a *App) Home() string { return a.home }

// root returns the top-level nbforge object.
func (a *App) root() hocon.Object {
	return a.conf.GetObject("nbforge")
}

// get returns a dotted field from the nbforge object.
func (a *App) get(path string) (hocon.Value, bool) {
	root := a.root()
	if root == nil {
		return nil, false
	}
	return lookup(root, path)
}

// UserID returns the installation identifier recorded at setup.
func (a *App) UserID() string {
	v, _ := a.get("metadata.user.id")
	return valueString(v)
}

// GenerationDate returns the timestamp recorded when the config was
// generated.
func (a *App) GenerationDate() string {
	v, _ := a.get("metadata.generation_date")
	return valueString(v)
}

// TimezoneName returns the configured timezone name.
func (a *App) TimezoneName() string {
	v, ok := a.get("timezone")
	if !ok {
		return "UTC"
	}
	return valueString(v)
}

// Location resolves the configured timezone, falling back to UTC.
func (a *App) Location() *time.Location {
	loc, err := time.LoadLocation(a.TimezoneName())
	if err != nil {
		return time.UTC
	}
	return loc
}

// Timestamp formats t in the configured timezone the way output notebooks
// are named.
func (a *App) Timestamp(t time.Time) string {
	return t.In(a.Location()).Format("20060102150405")
}

// WorkspacePaths returns the Airflow workspaces bound at setup.
func (a *App) WorkspacePaths() []string {
	v, ok := a.get("airflow.setup.workspace_paths")
	if !ok {
		return nil
	}
	arr, ok := v.(hocon.Array)
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(arr))
	for _, entry := range arr {
		if p := valueString(entry); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// ComposeFile returns the absolute path of the Airflow docker-compose file.
func (a *App) ComposeFile() string {
	v, ok := a.get("airflow.docker_compose_file")
	value := valueString(v)
	if !ok || value == "" {
		value = "config/docker-compose-celery.yml"
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(a.home, value)
}

// DagsDir returns the folder the Airflow scheduler reads DAGs from.
func (a *App) DagsDir() string {
	return filepath.Join(a.home, "dags")
}

// EnvFile returns the path of the shared env file merged into containers.
func (a *App) EnvFile() string {
	return filepath.Join(a.home, "config", ".env")
}

// AllowCustomization reports whether an image customization kind
// (apt_repository, apt_packages, requirements, lab_extensions) is enabled.
func (a *App) AllowCustomization(kind string) bool {
	v, ok := a.get("jupyter.docker_image.allow_" + kind)
	if !ok {
		return false
	}
	return valueBool(v)
}

// =============================================================================
// Rewrites
// =============================================================================

// RewriteWorkspaces updates the Airflow workspace list, either appending to
// or replacing the recorded set, and rewrites the config atomically.
func (a *App) RewriteWorkspaces(workspaces []string, appendMode bool) error {
	merged := workspaces
	if appendMode {
		merged = append(a.WorkspacePaths(), workspaces...)
	}
	merged = dedupe(merged)
	return a.rewrite(a.home, merged)
}

// RewriteHome moves the recorded config home and rewrites the config in the
// new location.
func (a *App) RewriteHome(home string) error {
	if err := a.rewrite(home, a.WorkspacePaths()); err != nil {
		return err
	}
	a.home = home
	a.path = filepath.Join(home, "config", "nbforge.conf")
	return nil
}

// rewrite regenerates the config file preserving the installation identity.
// The file is machine-managed: a full re-render keeps it canonical.
func (a *App) rewrite(home string, workspaces []string) error {
	if err := os.MkdirAll(filepath.Join(home, "config"), 0o755); err != nil {
		return NewConfigError("rewrite", home, err.Error(), ErrHomeUnavailable)
	}
	content, err := renderAppConfig(home, a.TimezoneName(), a.UserID(), a.GenerationDate(), workspaces)
	if err != nil {
		return err
	}
	path := filepath.Join(home, "config", "nbforge.conf")
	if err := writeFileAtomic(path, []byte(content), 0o644); err != nil {
		return NewConfigError("rewrite", path, err.Error(), ErrHomeUnavailable)
	}
	conf, err := hocon.ParseString(content)
	if err != nil {
		return NewConfigError("rewrite", path, err.Error(), ErrParse)
	}
	a.conf = conf
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// writeFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial config.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nbforge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
