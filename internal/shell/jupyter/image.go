package jupyter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbforge/nbforge/internal/assets"
	"github.com/nbforge/nbforge/internal/core/config"
	"github.com/nbforge/nbforge/internal/core/dockerfile"
)

// global customization files under <home>/config, keyed by kind. There is no
// global apt_repository list; repositories are only added per step.
var globalListFiles = map[string]string{
	"apt_packages":   "apt_packages.txt",
	"requirements":   "requirements.txt",
	"lab_extensions": "lab_extensions.txt",
}

// resolveCustomization collects the image customizations for a step. Step
// level files win; global files apply when the app config allows the kind.
func resolveCustomization(app *config.App, step *config.Step) (dockerfile.Customization, error) {
	var c dockerfile.Customization

	read := func(kind, stepField string) ([]byte, error) {
		if path := step.FilePath(stepField); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			return data, nil
		}
		global, ok := globalListFiles[kind]
		if !ok || !app.AllowCustomization(kind) {
			return nil, nil
		}
		data, err := os.ReadFile(filepath.Join(app.Home(), "config", global))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		return data, nil
	}

	if app.AllowCustomization("apt_repository") || step.Has("docker_image.apt_repository_path") {
		data, err := read("apt_repository", "docker_image.apt_repository_path")
		if err != nil {
			return c, err
		}
		c.AptRepositories = dockerfile.ParseList(data)
	}

	data, err := read("apt_packages", "docker_image.apt_package_path")
	if err != nil {
		return c, err
	}
	c.AptPackages = dockerfile.ParseList(data)

	data, err = read("requirements", "docker_image.requirements_path")
	if err != nil {
		return c, err
	}
	if len(dockerfile.ParseList(data)) > 0 {
		c.Requirements = data
	}

	data, err = read("lab_extensions", "docker_image.lab_extension_path")
	if err != nil {
		return c, err
	}
	c.LabExtensions = dockerfile.ParseList(data)

	return c, nil
}

// ImageRef computes the image reference for a step's assembled context:
// either the configured name/tag or a generated name tagged with the context
// hash, which doubles as a rebuild check.
func ImageRef(step *config.Step, contextHash string) string {
	name := step.String("docker_image.output_docker_name")
	if name == "" {
		name = "nbforge/" + sanitizeImageName(step.Name)
	}
	tag := step.String("docker_image.output_docker_tag")
	if tag == "" {
		tag = contextHash[:12]
	}
	return name + ":" + tag
}

func sanitizeImageName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// BuildStepImage assembles the step's build context and builds its image,
// skipping the build when an image with the same content hash already
// exists.
func (s *Service) BuildStepImage(ctx context.Context, step *config.Step) (string, error) {
	src := step.String("docker_image.input_docker_src")
	if src == "" {
		return "", fmt.Errorf("step %s has no docker_image.input_docker_src", step.Name)
	}

	pkg, err := assets.DockerPackage(src)
	if err != nil {
		return "", err
	}

	customization, err := resolveCustomization(s.app, step)
	if err != nil {
		return "", err
	}

	bc, err := dockerfile.Assemble(pkg, customization)
	if err != nil {
		return "", err
	}

	ref := ImageRef(step, bc.Hash())
	exists, err := s.docker.ImageExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("image up to date", "image", ref)
		return ref, nil
	}

	s.logger.Info("building image", "image", ref, "source", src)
	return s.docker.BuildImage(ctx, bc.Files, []string{ref})
}
