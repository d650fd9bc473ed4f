package driver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

const (
	DefaultQueryAttempts = 3
	DefaultQueryTimeout  = 10 * time.Second
	DefaultQueryBackoff  = 200 * time.Millisecond
)

// ResourceManager is the submission and query interface of an external
// batch system. Job IDs are the manager's own identifiers.
type ResourceManager interface {
	Submit(ctx context.Context, req Request) (string, error)
	// Query returns ErrUnknownJob once the manager has forgotten id.
	Query(ctx context.Context, id string) (Status, error)
	Cancel(ctx context.Context, id string) error
}

// clusterJob is the handle issued by Cluster.
type clusterJob struct {
	id    string
	runID string
}

func (j *clusterJob) String() string { return j.id }

// Cluster submits jobs to a ResourceManager. Query failures are retried here
// and only reported upward as StatusVanished once the attempts run out.
type Cluster struct {
	name     string
	rm       ResourceManager
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	logger   zerolog.Logger
}

func NewCluster(name string, rm ResourceManager) *Cluster {
	if name == "" {
		name = "cluster"
	}
	return &Cluster{
		name:     name,
		rm:       rm,
		attempts: DefaultQueryAttempts,
		timeout:  DefaultQueryTimeout,
		backoff:  DefaultQueryBackoff,
		logger:   log.With().Str("component", "driver").Str("driver", name).Logger(),
	}
}

func (d *Cluster) Name() string { return d.name }

// SetOption accepts "query_attempts", "query_timeout" and "query_backoff".
// Anything else is forwarded to the resource manager when it is Configurable.
func (d *Cluster) SetOption(key string, value any) error {
	switch strings.ToLower(key) {
	case "query_attempts":
		n, err := cast.ToIntE(value)
		if err != nil {
			return err
		}
		if n < 1 {
			n = 1
		}
		d.attempts = n
	case "query_timeout":
		t, err := cast.ToDurationE(value)
		if err != nil {
			return err
		}
		d.timeout = t
	case "query_backoff":
		t, err := cast.ToDurationE(value)
		if err != nil {
			return err
		}
		d.backoff = t
	default:
		if c, ok := d.rm.(Configurable); ok {
			return c.SetOption(key, value)
		}
		return ErrUnknownOption
	}
	return nil
}

func (d *Cluster) Submit(ctx context.Context, req Request) (Handle, error) {
	id, err := d.rm.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Str("backend_id", id).Str("run_id", req.RunID).Msg("job submitted")
	return &clusterJob{id: id, runID: req.RunID}, nil
}

func (d *Cluster) Poll(ctx context.Context, h Handle) Status {
	j, ok := h.(*clusterJob)
	if !ok {
		return StatusVanished
	}
	for attempt := 1; attempt <= d.attempts; attempt++ {
		st, err := d.query(ctx, j.id)
		if err == nil {
			return st
		}
		if errors.Is(err, ErrUnknownJob) {
			return StatusVanished
		}
		d.logger.Warn().Err(err).Str("backend_id", j.id).Int("attempt", attempt).Msg("status query failed")
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return StatusVanished
		case <-time.After(d.backoff):
		}
	}
	return StatusVanished
}

func (d *Cluster) query(ctx context.Context, id string) (Status, error) {
	qctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.rm.Query(qctx, id)
}

func (d *Cluster) Kill(ctx context.Context, h Handle) error {
	j, ok := h.(*clusterJob)
	if !ok {
		return ErrUnknownHandle
	}
	return d.rm.Cancel(ctx, j.id)
}

// forgetter is implemented by resource managers that keep per-job records
// on the scheduler's behalf.
type forgetter interface {
	Forget(ctx context.Context, id string) error
}

func (d *Cluster) Release(h Handle) {
	j, ok := h.(*clusterJob)
	if !ok {
		return
	}
	f, ok := d.rm.(forgetter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := f.Forget(ctx, j.id); err != nil {
		d.logger.Warn().Err(err).Str("backend_id", j.id).Msg("release failed")
	}
}

func (d *Cluster) Close() error {
	if c, ok := d.rm.(Closer); ok {
		return c.Close()
	}
	return nil
}
