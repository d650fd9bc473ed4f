// Package queue holds the jobs of one run, the driver they are submitted to
// and the marker-file protocol that decides how each attempt ended.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hpc-queue/pkg/driver"
	"hpc-queue/pkg/job"
)

var (
	ErrInvalidPath = errors.New("queue: invalid run path")
	ErrInvalidJob  = errors.New("queue: invalid job")
	ErrNoSuchJob   = errors.New("queue: no such job")
	ErrNoDriver    = errors.New("queue: no driver bound")
	ErrDriverBound = errors.New("queue: driver already bound")
)

const (
	DefaultMaxSubmit   = 2
	DefaultConfirmWait = 60 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// Markers are the file names, relative to a job's run path, of the
// completion protocol.
type Markers struct {
	Success string `koanf:"success"` // job finished successfully
	Status  string `koanf:"status"`  // job is executing; empty trusts the driver
	Error   string `koanf:"error"`   // job failed
}

type Config struct {
	// MaxSubmit is the default number of submissions per job; 0 is
	// unlimited and leaves retries to the retry callback alone.
	MaxSubmit int
	Markers   Markers
	// ConfirmWait is how long a submitted job may go without a status
	// marker before its node is presumed dead. Negative disables the check.
	ConfirmWait time.Duration
	// MaxRuntime kills running jobs older than this. Zero is unlimited.
	MaxRuntime time.Duration
	// CallTimeout bounds every driver call.
	CallTimeout time.Duration
	Logger      *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxSubmit:   DefaultMaxSubmit,
		Markers:     Markers{Success: "OK", Status: "STATUS", Error: "ERROR"},
		ConfirmWait: DefaultConfirmWait,
		CallTimeout: DefaultCallTimeout,
	}
}

// Observer is told about every state transition, after it happened.
// Implementations must be safe for concurrent use.
type Observer interface {
	JobChanged(ev job.Event)
}

type node struct {
	index     int
	runID     string
	spec      job.Spec
	maxSubmit int

	// guarded by Queue.mu
	state       job.State
	submitCount int
	reason      string
	submittedAt time.Time
	startedAt   time.Time
	claimed     bool

	// owned by the worker holding the claim
	handle driver.Handle

	confirmWait atomic.Int64
	killReq     atomic.Bool
}

type Queue struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	drv       driver.Driver
	nodes     []*node
	active    int
	inFlight  int
	idle      chan struct{} // closed while active == 0
	observers []Observer

	wake chan struct{}
}

// New returns an empty queue. Zero fields of cfg other than MaxSubmit and
// ConfirmWait take their defaults.
func New(cfg Config) *Queue {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	logger := log.With().Str("component", "queue").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "queue").Logger()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		cfg:    cfg,
		logger: logger,
		idle:   idle,
		wake:   make(chan struct{}, 1),
	}
}

func (q *Queue) Config() Config { return q.cfg }

// SetDriver binds d to the queue. A queue has exactly one driver.
func (q *Queue) SetDriver(d driver.Driver) error {
	if d == nil {
		return ErrNoDriver
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drv != nil {
		return ErrDriverBound
	}
	q.drv = d
	return nil
}

func (q *Queue) Driver() driver.Driver {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drv
}

func (q *Queue) AddObserver(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

// AddJob appends a job and returns its index. The run path is created if
// missing.
func (q *Queue) AddJob(spec job.Spec) (int, error) {
	if spec.Command == "" {
		return -1, fmt.Errorf("%w: empty command", ErrInvalidJob)
	}
	if spec.RunPath == "" {
		return -1, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if err := os.MkdirAll(spec.RunPath, 0o755); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if spec.NumCPU <= 0 {
		spec.NumCPU = 1
	}
	n := &node{
		runID:     uuid.New().String(),
		spec:      spec,
		maxSubmit: q.cfg.MaxSubmit,
		state:     job.StateWaiting,
	}
	switch {
	case spec.MaxSubmit > 0:
		n.maxSubmit = spec.MaxSubmit
	case spec.MaxSubmit < 0:
		n.maxSubmit = 0
	}
	if spec.Name == "" {
		n.spec.Name = "job-" + n.runID[:8]
	}
	n.confirmWait.Store(int64(q.cfg.ConfirmWait))

	q.mu.Lock()
	n.index = len(q.nodes)
	q.nodes = append(q.nodes, n)
	if q.active == 0 {
		q.idle = make(chan struct{})
	}
	q.active++
	info := q.infoLocked(n)
	q.mu.Unlock()

	q.notify(job.Event{Job: info, To: job.StateWaiting, At: time.Now()})
	q.signal()
	q.logger.Debug().Int("job_index", n.index).Str("run_id", n.runID).Str("job_name", n.spec.Name).Msg("job added")
	return n.index, nil
}

func (q *Queue) node(index int) (*node, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchJob, index)
	}
	return q.nodes[index], nil
}

// SetMaxConfirmWait changes how long job index may stay unconfirmed. A
// negative duration disables the deadline.
func (q *Queue) SetMaxConfirmWait(index int, d time.Duration) error {
	n, err := q.node(index)
	if err != nil {
		return err
	}
	n.confirmWait.Store(int64(d))
	return nil
}

// Kill asks the worker owning job index to stop it. The job then goes
// through the normal failure path, so a retry may still be granted. A job
// still waiting fails on its next dispatch without being submitted.
func (q *Queue) Kill(index int) error {
	n, err := q.node(index)
	if err != nil {
		return err
	}
	n.killReq.Store(true)
	return nil
}

// ActiveCount returns the number of jobs not yet in a terminal state.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// InFlight returns the number of jobs submitted or running.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nodes)
}

func (q *Queue) Job(index int) (job.Info, error) {
	n, err := q.node(index)
	if err != nil {
		return job.Info{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.infoLocked(n), nil
}

func (q *Queue) Snapshot() []job.Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.Info, len(q.nodes))
	for i, n := range q.nodes {
		out[i] = q.infoLocked(n)
	}
	return out
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts() map[job.State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[job.State]int, len(job.States))
	for _, s := range job.States {
		counts[s] = 0
	}
	for _, n := range q.nodes {
		counts[n.state]++
	}
	return counts
}

// Idle returns a channel closed once every job is terminal. A job added
// afterwards replaces the channel, so callers fetch it per wait.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Wake fires after a job becomes claimable.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) infoLocked(n *node) job.Info {
	return job.Info{
		Index:       n.index,
		RunID:       n.runID,
		Name:        n.spec.Name,
		RunPath:     n.spec.RunPath,
		State:       n.state,
		SubmitCount: n.submitCount,
		MaxSubmit:   n.maxSubmit,
		Reason:      n.reason,
		SubmittedAt: n.submittedAt,
	}
}

func (q *Queue) notify(ev job.Event) {
	q.mu.Lock()
	observers := q.observers
	q.mu.Unlock()
	for _, o := range observers {
		o.JobChanged(ev)
	}
}
