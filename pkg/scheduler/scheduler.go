package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hpc-queue/pkg/queue"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrInvalidLimit   = errors.New("scheduler: concurrency limit must be positive")
	ErrStopped        = errors.New("scheduler: stopped")
)

const DefaultPollInterval = time.Second

// Scheduler runs a fixed pool of workers over one queue. Each worker claims
// the lowest-index waiting job, submits it and polls it until it is done,
// has exited or was sent back for a retry.
type Scheduler struct {
	queue        *queue.Queue
	pollInterval time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	limit   int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	bell    chan struct{}
}

type Option func(*Scheduler)

// WithPollInterval sets how often in-flight jobs are polled and idle
// workers look for new work.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l.With().Str("component", "scheduler").Logger()
	}
}

func NewScheduler(q *queue.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        q,
		pollInterval: DefaultPollInterval,
		logger:       log.With().Str("component", "scheduler").Logger(),
		bell:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Queue() *queue.Queue { return s.queue }

// Start launches limit workers. The pool size is fixed for the lifetime of
// the scheduler.
func (s *Scheduler) Start(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	if s.queue.Driver() == nil {
		return queue.ErrNoDriver
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.limit = limit

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.relay(ctx)
	for i := 0; i < limit; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info().Int("workers", limit).Dur("poll_interval", s.pollInterval).Str("driver", s.queue.Driver().Name()).Msg("scheduler started")
	return nil
}

// relay fans the queue's single wake signal out to every idle worker.
func (s *Scheduler) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Wake():
			s.mu.Lock()
			close(s.bell)
			s.bell = make(chan struct{})
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) doorbell() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bell
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker", id).Logger()
	logger.Debug().Msg("worker started")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		bell := s.doorbell()
		index, ok := s.queue.Claim()
		if !ok {
			select {
			case <-ctx.Done():
				logger.Debug().Msg("worker stopped")
				return
			case <-bell:
			case <-ticker.C:
			}
			continue
		}
		s.drive(ctx, ticker, index)
		if ctx.Err() != nil {
			logger.Debug().Msg("worker stopped")
			return
		}
	}
}

// drive takes one claimed job through a single attempt. A retried job ends
// the attempt in the waiting state and can be claimed again by any worker.
// The worker owns the job only while it is in flight, so that is the only
// time it abandons it on shutdown.
func (s *Scheduler) drive(ctx context.Context, ticker *time.Ticker, index int) {
	state := s.queue.Dispatch(ctx, index)
	for state.InFlight() {
		if ctx.Err() != nil {
			s.queue.Abandon(index)
			return
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
			state = s.queue.Advance(ctx, index)
		}
	}
}

// TryWait blocks until every job in the queue is terminal or timeout
// elapses, and reports whether the former happened first.
func (s *Scheduler) TryWait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		idle := s.queue.Idle()
		select {
		case <-idle:
			// A job added right after the last one finished reopens the
			// queue; only report completion if nothing is active now.
			if s.queue.ActiveCount() == 0 {
				return true
			}
		case <-timer.C:
			return s.queue.ActiveCount() == 0
		}
	}
}

// Wait blocks until every job is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		select {
		case <-s.queue.Idle():
			if s.queue.ActiveCount() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels the workers and waits for them to return. Jobs interrupted
// mid-attempt are killed and put back in the waiting state. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}
