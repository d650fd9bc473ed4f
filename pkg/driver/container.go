package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// containerState is the part of a container inspect the driver needs.
type containerState struct {
	Running  bool
	Status   string
	ExitCode int
}

// containerAPI is the subset of the Docker engine API used by Container.
type containerAPI interface {
	pull(ctx context.Context, ref string) error
	create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	start(ctx context.Context, id string) error
	inspect(ctx context.Context, id string) (containerState, error)
	kill(ctx context.Context, id string) error
	remove(ctx context.Context, id string) error
	close() error
}

type dockerEngine struct {
	cli *client.Client
}

func (e *dockerEngine) pull(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) inspect(ctx context.Context, id string) (containerState, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return containerState{}, ErrUnknownJob
		}
		return containerState{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return containerState{}, fmt.Errorf("container %s: no state in inspect response", id)
	}
	return containerState{
		Running:  info.State.Running,
		Status:   info.State.Status,
		ExitCode: info.State.ExitCode,
	}, nil
}

func (e *dockerEngine) kill(ctx context.Context, id string) error {
	return e.cli.ContainerKill(ctx, id, "KILL")
}

func (e *dockerEngine) remove(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *dockerEngine) close() error { return e.cli.Close() }

type containerJob struct {
	id   string
	name string
}

func (j *containerJob) String() string { return j.id }

// Container runs each job in a Docker container with the run path bind
// mounted at the same location.
type Container struct {
	api    containerAPI
	logger zerolog.Logger

	mu     sync.Mutex
	image  string
	memory int64
	pulled map[string]bool
	jobs   map[*containerJob]struct{}
}

// NewContainer connects to the Docker daemon described by the environment.
func NewContainer(imageRef string) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newContainer(&dockerEngine{cli: cli}, imageRef), nil
}

func newContainer(api containerAPI, imageRef string) *Container {
	return &Container{
		api:    api,
		image:  imageRef,
		pulled: make(map[string]bool),
		jobs:   make(map[*containerJob]struct{}),
		logger: log.With().Str("component", "driver").Str("driver", "container").Logger(),
	}
}

func (d *Container) Name() string { return "container" }

// SetOption accepts "image" and "memory" (bytes).
func (d *Container) SetOption(key string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch strings.ToLower(key) {
	case "image":
		d.image = cast.ToString(value)
	case "memory":
		n, err := cast.ToInt64E(value)
		if err != nil {
			return err
		}
		d.memory = n
	default:
		return ErrUnknownOption
	}
	return nil
}

func (d *Container) ensureImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	done := d.pulled[ref]
	d.mu.Unlock()
	if done {
		return nil
	}
	if err := d.api.pull(ctx, ref); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	d.mu.Lock()
	d.pulled[ref] = true
	d.mu.Unlock()
	return nil
}

func (d *Container) Submit(ctx context.Context, req Request) (Handle, error) {
	d.mu.Lock()
	ref, memory := d.image, d.memory
	d.mu.Unlock()
	if ref == "" {
		return nil, fmt.Errorf("container driver: no image configured")
	}
	if err := d.ensureImage(ctx, ref); err != nil {
		return nil, err
	}

	name := containerName(req)
	cfg := &container.Config{
		Image:      ref,
		Cmd:        append([]string{req.Command}, req.Args...),
		WorkingDir: req.RunPath,
		Tty:        false,
		Labels:     map[string]string{"hpcq.run_id": req.RunID},
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: req.RunPath, Target: req.RunPath}},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: int64(max(req.NumCPU, 1)) * 1e9,
		},
	}
	id, err := d.api.create(ctx, name, cfg, host)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.api.start(ctx, id); err != nil {
		if rerr := d.api.remove(ctx, id); rerr != nil {
			d.logger.Warn().Err(rerr).Str("container", id).Msg("failed to remove unstarted container")
		}
		return nil, fmt.Errorf("start container: %w", err)
	}

	j := &containerJob{id: id, name: name}
	d.mu.Lock()
	d.jobs[j] = struct{}{}
	d.mu.Unlock()
	d.logger.Debug().Str("container", id).Str("name", name).Msg("container started")
	return j, nil
}

func containerName(req Request) string {
	var b strings.Builder
	for _, r := range req.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "hpcq-" + req.RunID
	}
	return b.String() + "-" + req.RunID
}

func (d *Container) lookup(h Handle) (*containerJob, bool) {
	j, ok := h.(*containerJob)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok = d.jobs[j]
	return j, ok
}

func (d *Container) Poll(ctx context.Context, h Handle) Status {
	j, ok := d.lookup(h)
	if !ok {
		return StatusVanished
	}
	st, err := d.api.inspect(ctx, j.id)
	if err != nil {
		if !errors.Is(err, ErrUnknownJob) {
			d.logger.Warn().Err(err).Str("container", j.id).Msg("inspect failed")
		}
		return StatusVanished
	}
	switch {
	case st.Running:
		return StatusRunning
	case st.Status == "created":
		return StatusPending
	case st.ExitCode == 0:
		return StatusDone
	default:
		return StatusFailed
	}
}

func (d *Container) Kill(ctx context.Context, h Handle) error {
	j, ok := d.lookup(h)
	if !ok {
		return ErrUnknownHandle
	}
	return d.api.kill(ctx, j.id)
}

func (d *Container) Release(h Handle) {
	j, ok := d.lookup(h)
	if !ok {
		return
	}
	d.mu.Lock()
	delete(d.jobs, j)
	d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()
	if err := d.api.remove(ctx, j.id); err != nil {
		d.logger.Warn().Err(err).Str("container", j.id).Msg("failed to remove container")
	}
}

func (d *Container) Close() error { return d.api.close() }
