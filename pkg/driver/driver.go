// Package driver contains the execution backends a queue submits jobs to.
//
// A Driver only reports what its backend can see (process or backend job
// liveness). Whether a job actually succeeded is decided by the queue from
// the marker files the job leaves in its run path.
package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownHandle = errors.New("driver: unknown handle")
	ErrUnknownJob    = errors.New("driver: job unknown to backend")
	ErrNoCapacity    = errors.New("driver: no free slot")
	ErrUnknownOption = errors.New("driver: unknown option")
)

// Status is the externally observed state of a submitted job.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusVanished
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusVanished:
		return "vanished"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Finished reports whether the backend no longer runs the job.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed || s == StatusVanished
}

// Request is everything a backend needs to start one job attempt.
type Request struct {
	RunID   string
	Name    string
	Command string
	Args    []string
	RunPath string
	NumCPU  int
}

// Handle identifies one submitted attempt. Its contents are private to the
// driver that issued it.
type Handle interface {
	String() string
}

type Driver interface {
	Name() string
	// Submit starts the job. It must not block for longer than ctx allows.
	Submit(ctx context.Context, req Request) (Handle, error)
	// Poll is a best-effort status read. Transient backend errors are
	// handled inside the driver and never returned.
	Poll(ctx context.Context, h Handle) Status
	// Kill asks the backend to stop the job.
	Kill(ctx context.Context, h Handle) error
	// Release drops bookkeeping for h. Safe to call more than once.
	Release(h Handle)
}

// Configurable is implemented by drivers that accept string-keyed options.
type Configurable interface {
	SetOption(key string, value any) error
}

// Closer is implemented by drivers holding backend connections.
type Closer interface {
	Close() error
}

// ApplyOptions sets every option on d. Drivers without options reject a
// non-empty map.
func ApplyOptions(d Driver, opts map[string]any) error {
	if len(opts) == 0 {
		return nil
	}
	c, ok := d.(Configurable)
	if !ok {
		return fmt.Errorf("%s driver takes no options: %w", d.Name(), ErrUnknownOption)
	}
	for k, v := range opts {
		if err := c.SetOption(k, v); err != nil {
			return fmt.Errorf("option %q: %w", k, err)
		}
	}
	return nil
}
