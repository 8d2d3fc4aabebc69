// Package dockerfile assembles step image build contexts. It is part of the
// functional core: pure transformations from an embedded Dockerfile package
// plus customization lists to the final set of files handed to the builder.
//
// The base Dockerfiles carry marker comments where optional blocks are
// spliced in:
//
//	# apt_repository.txt #   add-apt-repository entries
//	# apt_packages.txt #     apt-get installed packages
//	# requirements.txt #     pip installed requirements
//	# lab_extensions.txt #   jupyter lab extensions
//
// Identical inputs always produce an identical context, so the context hash
// can be used as a stable image tag.
package dockerfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Markers replaced in the base Dockerfile.
const (
	markerAptRepository = "# apt_repository.txt #"
	markerAptPackages   = "# apt_packages.txt #"
	markerRequirements  = "# requirements.txt #"
	markerLabExtensions = "# lab_extensions.txt #"
)

// Customization holds the optional image additions for a step. Empty fields
// leave their marker untouched.
type Customization struct {
	AptRepositories []string
	AptPackages     []string
	Requirements    []byte // raw requirements.txt content, copied into the context
	LabExtensions   []string
}

// BuildContext is the assembled set of files sent to the image builder.
type BuildContext struct {
	Files map[string][]byte
}

// Dockerfile returns the assembled Dockerfile content.
func (bc *BuildContext) Dockerfile() string {
	return string(bc.Files["Dockerfile"])
}

// Hash returns a stable content hash of the whole context.
func (bc *BuildContext) Hash() string {
	names := make([]string, 0, len(bc.Files))
	for name := range bc.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(bc.Files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Assemble builds the context from a Dockerfile package tree and the step's
// customizations. Every file of the package besides the Dockerfile is
// copied verbatim (entrypoint scripts in particular).
func Assemble(pkg fs.FS, c Customization) (*BuildContext, error) {
	base, err := fs.ReadFile(pkg, "Dockerfile")
	if err != nil {
		return nil, fmt.Errorf("dockerfile package has no Dockerfile: %w", err)
	}

	content := string(base)
	content = spliceAptRepositories(content, c.AptRepositories)
	content = spliceAptPackages(content, c.AptPackages)
	content = spliceLabExtensions(content, c.LabExtensions)

	files := map[string][]byte{}
	if len(c.Requirements) > 0 {
		content = strings.Replace(content, markerRequirements,
			"COPY requirements.txt requirements.txt\n"+
				"RUN pip install -r requirements.txt\n"+
				"RUN rm requirements.txt", 1)
		files["requirements.txt"] = c.Requirements
	}
	files["Dockerfile"] = []byte(content)

	err = fs.WalkDir(pkg, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == "Dockerfile" {
			return nil
		}
		data, err := fs.ReadFile(pkg, path)
		if err != nil {
			return err
		}
		files[path] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("copy dockerfile package: %w", err)
	}

	return &BuildContext{Files: files}, nil
}

func spliceAptRepositories(content string, repos []string) string {
	if len(repos) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString("RUN apt-get update \\\n")
	b.WriteString(" && apt-get install -yqq \\\n")
	b.WriteString("      software-properties-common \\\n")
	b.WriteString(" && apt-add-repository \\\n")
	for _, repo := range repos {
		b.WriteString(" " + ShellQuote(repo) + " \\\n")
	}
	b.WriteString(" && apt-get update")
	return strings.Replace(content, markerAptRepository, b.String(), 1)
}

func spliceAptPackages(content string, packages []string) string {
	if len(packages) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString("RUN apt-get update \\\n")
	b.WriteString(" && apt-get install -yqq \\\n")
	for _, pkg := range packages {
		b.WriteString("      " + ShellQuote(pkg) + " \\\n")
	}
	b.WriteString(" && apt-get clean \\\n")
	b.WriteString(" && rm -rf \\\n")
	b.WriteString("      /var/lib/apt/lists/* \\\n")
	b.WriteString("      /tmp/* \\\n")
	b.WriteString("      /var/tmp/*")
	return strings.Replace(content, markerAptPackages, b.String(), 1)
}

func spliceLabExtensions(content string, extensions []string) string {
	if len(extensions) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString("RUN echo 'Installing Jupyter Extensions' \\\n")
	for _, ext := range extensions {
		b.WriteString(" && jupyter labextension install " + ShellQuote(ext) + " \\\n")
	}
	b.WriteString(" && true")
	return strings.Replace(content, markerLabExtensions, b.String(), 1)
}

// ParseList splits a customization list file into entries, dropping blank
// lines and # comments.
func ParseList(content []byte) []string {
	var entries []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}

// ShellQuote quotes a value for safe interpolation into a RUN line, the way
// a POSIX shell expects: wrapped in single quotes with embedded single
// quotes escaped. Plain identifier-like values pass through untouched.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if isShellSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isShellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("@%+=:,./-_^", r):
		default:
			return false
		}
	}
	return true
}
