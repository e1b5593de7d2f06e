package preview

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/domain"
)

type fakeContainer struct {
	id      string
	name    string
	running bool
	files   map[string]string
}

type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // by name
	created    int
	removed    []string
	copyDst    string
	conflicts  int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]*fakeContainer)}
}

func (f *fakeDocker) find(ref string) *fakeContainer {
	for name, c := range f.containers {
		if name == ref || c.id == ref {
			return c
		}
	}
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, ref string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", ref, errdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: c.id, Name: c.name, State: &container.State{Running: c.running}},
		NetworkSettings: &container.NetworkSettings{NetworkSettingsBase: container.NetworkSettingsBase{
			Ports: nat.PortMap{servedPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49153"}}},
		}},
	}, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string,
) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return container.CreateResponse{}, fmt.Errorf("name %s is already in use: %w", name, errdefs.ErrConflict)
	}
	if _, ok := hc.PortBindings[servedPort]; !ok {
		return container.CreateResponse{}, errors.New("port not bound")
	}
	if cfg.Image == "" {
		return container.CreateResponse{}, errors.New("no image")
	}
	f.created++
	c := &fakeContainer{id: fmt.Sprintf("cid-%d", f.created), name: name, files: map[string]string{}}
	f.containers[name] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return errdefs.ErrNotFound
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return errdefs.ErrNotFound
	}
	c.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return errdefs.ErrNotFound
	}
	delete(f.containers, c.name)
	f.removed = append(f.removed, c.id)
	return nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil {
		return errdefs.ErrNotFound
	}
	f.copyDst = dst
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		c.files[hdr.Name] = string(data)
	}
}

func (f *fakeDocker) Close() error { return nil }

func siteFiles() []domain.StreamingFile {
	return []domain.StreamingFile{
		{Filename: "index.html", Content: "<h1>hi</h1>", Status: domain.FileCompleted},
		{Filename: "css/site.css", Content: "body{}", Status: domain.FileCompleted},
		{Filename: "../etc/passwd", Content: "root", Status: domain.FileCompleted},
		{Filename: "draft.js", Content: "let", Status: domain.FileError},
	}
}

func TestPublishCreatesContainerAndCopiesFiles(t *testing.T) {
	docker := newFakeDocker()
	p := newDockerPreviewer(docker, config.PreviewConfig{Image: "nginx:alpine"})

	url, err := p.Publish(context.Background(), "sess/1", siteFiles())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:49153/", url)

	c := docker.containers[containerName("sess/1")]
	require.NotNil(t, c)
	assert.Equal(t, "pagesmith-preview-sess_1", c.name)
	assert.True(t, c.running)
	assert.Equal(t, "/usr/share/nginx/html", docker.copyDst)
	assert.Equal(t, map[string]string{"index.html": "<h1>hi</h1>", "css/site.css": "body{}"}, c.files)

	// A second publish reuses the running container.
	_, err = p.Publish(context.Background(), "sess/1", siteFiles()[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, docker.created)
}

func TestPublishRecreatesStoppedContainer(t *testing.T) {
	docker := newFakeDocker()
	p := newDockerPreviewer(docker, config.PreviewConfig{Image: "nginx:alpine"})
	ctx := context.Background()

	_, err := p.Publish(ctx, "s1", siteFiles())
	require.NoError(t, err)
	docker.containers[containerName("s1")].running = false

	_, err = p.Publish(ctx, "s1", siteFiles())
	require.NoError(t, err)
	assert.Equal(t, 2, docker.created)
	assert.Equal(t, []string{"cid-1"}, docker.removed)
}

func TestPublishRetriesNameConflict(t *testing.T) {
	docker := newFakeDocker()
	docker.conflicts = 2
	p := newDockerPreviewer(docker, config.PreviewConfig{Image: "nginx:alpine"})
	p.retries = 0

	_, err := p.Publish(context.Background(), "s1", siteFiles())
	require.NoError(t, err)
	assert.Equal(t, 1, docker.created)
}

func TestPublishWithoutServableFiles(t *testing.T) {
	docker := newFakeDocker()
	p := newDockerPreviewer(docker, config.PreviewConfig{Image: "nginx:alpine"})

	_, err := p.Publish(context.Background(), "s1", siteFiles()[2:])
	assert.ErrorIs(t, err, ErrNoFiles)
	assert.Zero(t, docker.created)
}

func TestRemoveIsIdempotent(t *testing.T) {
	docker := newFakeDocker()
	p := newDockerPreviewer(docker, config.PreviewConfig{Image: "nginx:alpine"})
	ctx := context.Background()

	_, err := p.Publish(ctx, "s1", siteFiles())
	require.NoError(t, err)
	require.NoError(t, p.Remove(ctx, "s1"))
	assert.Empty(t, docker.containers)
	require.NoError(t, p.Remove(ctx, "s1"))
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"index.html", "index.html", true},
		{"./assets/app.js", "assets/app.js", true},
		{"a/../b.css", "b.css", true},
		{`css\site.css`, "css/site.css", true},
		{"/etc/passwd", "", false},
		{"../secret", "", false},
		{"..", "", false},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, ok := safeFilename(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
