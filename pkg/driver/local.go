package driver

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Local runs every job as a direct child process.
type Local struct {
	procs  processTable
	logger zerolog.Logger
}

func NewLocal() *Local {
	return &Local{
		logger: log.With().Str("component", "driver").Str("driver", "local").Logger(),
	}
}

func (d *Local) Name() string { return "local" }

func (d *Local) Submit(_ context.Context, req Request) (Handle, error) {
	p, err := startProcess(req, req.Command, req.Args...)
	if err != nil {
		return nil, err
	}
	d.procs.add(p)
	d.logger.Debug().Str("handle", p.String()).Str("command", req.Command).Msg("process started")
	return p, nil
}

func (d *Local) Poll(_ context.Context, h Handle) Status {
	p, ok := d.procs.lookup(h)
	if !ok {
		return StatusVanished
	}
	return p.status()
}

func (d *Local) Kill(_ context.Context, h Handle) error {
	p, ok := d.procs.lookup(h)
	if !ok {
		return ErrUnknownHandle
	}
	return p.kill()
}

func (d *Local) Release(h Handle) {
	d.procs.remove(h)
}

// Running returns the number of processes not yet released.
func (d *Local) Running() int { return d.procs.len() }
