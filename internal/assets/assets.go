// Package assets embeds the templates nbforge materializes at runtime: the
// application config, step and dag scaffolds, the notebook skeleton, the
// Dockerfile packages with their entrypoint scripts, and the Airflow
// docker-compose deployment files.
package assets

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed templates
var templatesFS embed.FS

// Template returns the content of an embedded template by name, e.g.
// "step.conf" or "docker-compose-celery.yml".
func Template(name string) ([]byte, error) {
	data, err := templatesFS.ReadFile(path.Join("templates", name))
	if err != nil {
		return nil, fmt.Errorf("embedded template %q: %w", name, err)
	}
	return data, nil
}

// DockerPackage returns the file tree of an embedded Dockerfile package,
// e.g. "jupyter-spark". The tree contains a Dockerfile plus the entrypoint
// scripts copied verbatim into the build context.
func DockerPackage(name string) (fs.FS, error) {
	sub, err := fs.Sub(templatesFS, path.Join("templates", "docker", name))
	if err != nil {
		return nil, fmt.Errorf("embedded docker package %q: %w", name, err)
	}
	// fs.Sub succeeds even for missing directories; probe for the Dockerfile.
	if _, err := fs.Stat(sub, "Dockerfile"); err != nil {
		return nil, fmt.Errorf("embedded docker package %q: %w", name, err)
	}
	return sub, nil
}

// DockerPackages lists the names of the embedded Dockerfile packages.
func DockerPackages() ([]string, error) {
	entries, err := templatesFS.ReadDir("templates/docker")
	if err != nil {
		return nil, fmt.Errorf("embedded docker packages: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
