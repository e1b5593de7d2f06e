// Package preview serves generated site files from a per-session Docker
// container.
package preview

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/domain"
)

const (
	containerPrefix = "pagesmith-preview-"
	servedPort      = nat.Port("80/tcp")
	stopTimeoutSecs = 5

	// Resource limits.
	memoryLimitBytes = 128 * 1024 * 1024 // 128MB
	cpuQuota         = 25000             // 0.25 CPU
	pidsLimit        = 64

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond

	maxPreviewBytes = 8 << 20
)

var (
	// ErrNoFiles is returned when nothing servable was published.
	ErrNoFiles = errors.New("preview: no servable files")
	// ErrNoPort is returned when the container exposes no host port.
	ErrNoPort = errors.New("preview: container has no published port")

	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// dockerAPI is the subset of the Docker client the previewer uses.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	Close() error
}

// DockerPreviewer copies completed files into a static file server
// container, one container per session.
type DockerPreviewer struct {
	cli     dockerAPI
	cfg     config.PreviewConfig
	host    string
	locks   sync.Map
	logger  *slog.Logger
	retries time.Duration
}

// NewDockerPreviewer creates a previewer talking to the Docker daemon from
// the environment.
func NewDockerPreviewer(cfg config.PreviewConfig) (*DockerPreviewer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("[PREVIEW] Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return newDockerPreviewer(cli, cfg), nil
}

func newDockerPreviewer(cli dockerAPI, cfg config.PreviewConfig) *DockerPreviewer {
	if cfg.Workdir == "" {
		cfg.Workdir = "/usr/share/nginx/html"
	}
	return &DockerPreviewer{
		cli:     cli,
		cfg:     cfg,
		host:    "127.0.0.1",
		logger:  slog.Default(),
		retries: createRetryDelay,
	}
}

// Close releases the Docker client.
func (p *DockerPreviewer) Close() error {
	return p.cli.Close()
}

func containerName(sessionID string) string {
	return containerPrefix + unsafeNameChars.ReplaceAllString(sessionID, "_")
}

func (p *DockerPreviewer) lock(sessionID string) func() {
	v, _ := p.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Publish ensures the session's container runs, copies files into the
// served directory and returns the preview URL.
func (p *DockerPreviewer) Publish(ctx context.Context, sessionID string, files []domain.StreamingFile) (string, error) {
	archive, n, err := buildArchive(files)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNoFiles
	}

	unlock := p.lock(sessionID)
	defer unlock()

	id, err := p.ensureContainer(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := p.cli.CopyToContainer(ctx, id, p.cfg.Workdir, archive, container.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return "", fmt.Errorf("copy files to container %s: %w", id, err)
	}

	url, err := p.url(ctx, id)
	if err != nil {
		return "", err
	}
	p.logger.Info("[PREVIEW] files copied", "session_id", sessionID, "container_id", id, "files", n)
	return url, nil
}

// ensureContainer returns the id of a running preview container for the
// session, creating it when needed. A stopped container is recreated.
func (p *DockerPreviewer) ensureContainer(ctx context.Context, sessionID string) (string, error) {
	name := containerName(sessionID)

	inspect, err := p.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running:
		return inspect.ID, nil
	case err == nil && inspect.ContainerJSONBase != nil:
		p.logger.Info("[PREVIEW] container not running, recreating", "container_id", inspect.ID, "session_id", sessionID)
		if err := p.stop(ctx, inspect.ID); err != nil {
			p.logger.Warn("[PREVIEW] failed to remove stale container", "error", err, "container_id", inspect.ID)
		}
	case err != nil && !errdefs.IsNotFound(err):
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	cfg := &container.Config{
		Image:        p.cfg.Image,
		ExposedPorts: nat.PortSet{servedPort: struct{}{}},
		Labels:       map[string]string{"pagesmith.session": sessionID},
	}
	hostConfig := &container.HostConfig{
		Runtime: p.cfg.Runtime,
		PortBindings: nat.PortMap{
			servedPort: []nat.PortBinding{{HostIP: p.host, HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		AutoRemove: false,
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = p.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent cleanup can leave the old named container briefly.
		p.logger.Warn("[PREVIEW] container name conflict, retrying", "session_id", sessionID, "attempt", i+1, "error", createErr)
		if stale, inspectErr := p.cli.ContainerInspect(ctx, name); inspectErr == nil && stale.ContainerJSONBase != nil {
			if stopErr := p.stop(ctx, stale.ID); stopErr != nil {
				p.logger.Warn("[PREVIEW] failed to remove conflicting container", "container_id", stale.ID, "error", stopErr)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.retries):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			p.logger.Warn("[PREVIEW] failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	p.logger.Info("[PREVIEW] container started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

func (p *DockerPreviewer) url(ctx context.Context, id string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", id, err)
	}
	if inspect.NetworkSettings == nil {
		return "", ErrNoPort
	}
	for _, b := range inspect.NetworkSettings.Ports[servedPort] {
		if b.HostPort != "" {
			host := b.HostIP
			if host == "" || host == "0.0.0.0" {
				host = p.host
			}
			return fmt.Sprintf("http://%s:%s/", host, b.HostPort), nil
		}
	}
	return "", ErrNoPort
}

// Remove stops and removes the preview container of a session. It is
// idempotent.
func (p *DockerPreviewer) Remove(ctx context.Context, sessionID string) error {
	unlock := p.lock(sessionID)
	defer func() {
		unlock()
		p.locks.Delete(sessionID)
	}()
	return p.stop(ctx, containerName(sessionID))
}

func (p *DockerPreviewer) stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		p.logger.Debug("[PREVIEW] stop returned error, continuing to remove", "container_id", id, "error", err)
	}
	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	p.logger.Info("[PREVIEW] container removed", "container_id", id)
	return nil
}

// buildArchive packs completed files into a tar stream. Files with unsafe
// names are skipped.
func buildArchive(files []domain.StreamingFile) (io.Reader, int, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	n, total := 0, 0
	now := time.Now()
	for _, f := range files {
		if f.Status != domain.FileCompleted {
			continue
		}
		name, ok := safeFilename(f.Filename)
		if !ok {
			slog.Warn("[PREVIEW] skipping unsafe filename", "filename", f.Filename)
			continue
		}
		total += len(f.Content)
		if total > maxPreviewBytes {
			return nil, 0, fmt.Errorf("preview: files exceed %d bytes", maxPreviewBytes)
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(f.Content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := io.WriteString(tw, f.Content); err != nil {
			return nil, 0, fmt.Errorf("write tar entry: %w", err)
		}
		n++
	}
	if err := tw.Close(); err != nil {
		return nil, 0, fmt.Errorf("close tar: %w", err)
	}
	return &buf, n, nil
}

// safeFilename keeps a relative path that stays inside the served directory.
func safeFilename(name string) (string, bool) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

func ptr[T any](v T) *T {
	return &v
}
