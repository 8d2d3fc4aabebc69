package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"
)

// BuildImage builds an image from an in-memory build context and applies the
// given tags. The first tag is returned as the image reference on success.
// The files map must contain a "Dockerfile" entry.
func (d *DockerClient) BuildImage(ctx context.Context, files map[string][]byte, tags []string) (string, error) {
	name := "image"
	if len(tags) > 0 {
		name = tags[0]
	}

	if _, ok := files["Dockerfile"]; !ok {
		return "", NewDockerError("BuildImage", "image", name, "build context has no Dockerfile", ErrImageBuildFailed)
	}

	buildCtx, err := tarBuildContext(files)
	if err != nil {
		return "", NewDockerError("BuildImage", "image", name, err.Error(), ErrImageBuildFailed)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       tags,
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", name, err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	imageID, err := drainBuildStream(resp.Body)
	if err != nil {
		return "", NewDockerError("BuildImage", "image", name, err.Error(), ErrImageBuildFailed)
	}

	if len(tags) > 0 {
		return tags[0], nil
	}
	return imageID, nil
}

// tarBuildContext packs the context files into an uncompressed tar archive,
// sorted by name so identical contexts produce identical archives.
func tarBuildContext(files map[string][]byte) (io.Reader, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		mode := int64(0o644)
		if strings.HasSuffix(name, ".sh") {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    mode,
			Size:    int64(len(content)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// drainBuildStream consumes the daemon's JSON build stream, surfaces build
// errors and extracts the built image ID from the aux messages.
func drainBuildStream(r io.Reader) (string, error) {
	var imageID string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
		if msg.Error != nil {
			return "", msg.Error
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
			slog.Debug("docker build", "output", line)
		}
		if msg.Aux != nil {
			var result struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
				imageID = result.ID
			}
		}
	}
	return imageID, nil
}
