package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpc-queue/pkg/driver"
	"hpc-queue/pkg/job"
	"hpc-queue/pkg/queue"
)

const testPoll = 20 * time.Millisecond

func newLocalQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *driver.Local) {
	t.Helper()
	q := queue.New(cfg)
	d := driver.NewLocal()
	require.NoError(t, q.SetDriver(d))
	return q, d
}

func shJob(t *testing.T, script string) job.Spec {
	t.Helper()
	return job.Spec{Command: "/bin/sh", Args: []string{"-c", script}, RunPath: t.TempDir()}
}

// concurrency records the largest number of jobs seen in flight at once and
// the order in which jobs were submitted.
type concurrency struct {
	q   *queue.Queue
	max atomic.Int64

	mu        sync.Mutex
	submitted []int
}

func (c *concurrency) JobChanged(ev job.Event) {
	n := int64(c.q.InFlight())
	for {
		cur := c.max.Load()
		if n <= cur || c.max.CompareAndSwap(cur, n) {
			break
		}
	}
	if ev.To == job.StateSubmitted {
		c.mu.Lock()
		c.submitted = append(c.submitted, ev.Job.Index)
		c.mu.Unlock()
	}
}

func TestScheduler_RetryThenExitOnConfirmTimeout(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxSubmit = 0
	cfg.Markers = queue.Markers{Success: "OK", Status: "DOES_NOT_EXIST", Error: "ERROR"}
	q, d := newLocalQueue(t, cfg)

	var retries, exits atomic.Int32
	var final job.Info
	spec := shJob(t, "sleep 5")
	spec.Retry = func(info job.Info) bool {
		return retries.Add(1) == 1
	}
	spec.Exit = func(info job.Info) {
		exits.Add(1)
		final = info
	}
	idx, err := q.AddJob(spec)
	require.NoError(t, err)
	require.NoError(t, q.SetMaxConfirmWait(idx, 0))

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	require.True(t, s.TryWait(10*time.Second))
	assert.Equal(t, int32(2), retries.Load())
	assert.Equal(t, int32(1), exits.Load())
	assert.Equal(t, job.StateExit, final.State)
	assert.Equal(t, 2, final.SubmitCount)

	info, err := q.Job(idx)
	require.NoError(t, err)
	assert.Equal(t, job.StateExit, info.State)
	assert.Equal(t, 0, d.Running())
}

func TestScheduler_SerialWithLimitOne(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())
	obs := &concurrency{q: q}
	q.AddObserver(obs)

	for i := 0; i < 3; i++ {
		_, err := q.AddJob(shJob(t, "touch STATUS; sleep 0.1; touch OK"))
		require.NoError(t, err)
	}

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	require.True(t, s.TryWait(10*time.Second))
	assert.Equal(t, int64(1), obs.max.Load())
	assert.Equal(t, []int{0, 1, 2}, obs.submitted)
	assert.Equal(t, 3, q.Counts()[job.StateDone])
}

func TestScheduler_RespectsLimit(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())
	obs := &concurrency{q: q}
	q.AddObserver(obs)

	for i := 0; i < 6; i++ {
		_, err := q.AddJob(shJob(t, "touch STATUS; sleep 0.1; touch OK"))
		require.NoError(t, err)
	}

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(2))
	defer s.Stop()

	require.True(t, s.TryWait(10*time.Second))
	assert.LessOrEqual(t, obs.max.Load(), int64(2))
	assert.Equal(t, 6, q.Counts()[job.StateDone])
	assert.Equal(t, 2, s.Limit())
}

func TestScheduler_TryWaitTimesOutWithoutLeaking(t *testing.T) {
	q, d := newLocalQueue(t, queue.DefaultConfig())
	exits := 0
	spec := shJob(t, "sleep 30")
	spec.Exit = func(job.Info) { exits++ }
	idx, err := q.AddJob(spec)
	require.NoError(t, err)
	require.NoError(t, q.SetMaxConfirmWait(idx, time.Hour))

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))

	assert.False(t, s.TryWait(300*time.Millisecond))
	info, err := q.Job(idx)
	require.NoError(t, err)
	assert.True(t, info.State.InFlight(), "state %s", info.State)
	assert.Equal(t, 1, q.ActiveCount())

	s.Stop()
	assert.False(t, s.Running())
	info, _ = q.Job(idx)
	assert.Equal(t, job.StateWaiting, info.State)
	assert.Equal(t, 0, d.Running())
	assert.Equal(t, 0, exits)
}

func TestScheduler_PicksUpJobsAddedAfterStart(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())
	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(2))
	defer s.Stop()
	assert.True(t, s.TryWait(time.Second))

	var exits atomic.Int32
	spec := shJob(t, "touch STATUS OK")
	spec.Exit = func(job.Info) { exits.Add(1) }
	_, err := q.AddJob(spec)
	require.NoError(t, err)

	require.True(t, s.TryWait(10*time.Second))
	assert.Equal(t, int32(1), exits.Load())
}

func TestScheduler_SubmitLimitStopsRetries(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxSubmit = 3
	q, _ := newLocalQueue(t, cfg)

	var retries, exits atomic.Int32
	spec := shJob(t, "touch ERROR")
	spec.Retry = func(job.Info) bool {
		retries.Add(1)
		return true
	}
	spec.Exit = func(job.Info) { exits.Add(1) }
	idx, err := q.AddJob(spec)
	require.NoError(t, err)

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	require.True(t, s.TryWait(10*time.Second))
	info, _ := q.Job(idx)
	assert.Equal(t, job.StateExit, info.State)
	assert.Equal(t, 3, info.SubmitCount)
	assert.Equal(t, int32(3), retries.Load())
	assert.Equal(t, int32(1), exits.Load())
}

func TestScheduler_PanickingCallbackDoesNotStopOthers(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())

	bad := shJob(t, "touch ERROR")
	bad.Retry = func(job.Info) bool { panic("boom") }
	badIdx, err := q.AddJob(bad)
	require.NoError(t, err)
	goodIdx, err := q.AddJob(shJob(t, "touch STATUS OK"))
	require.NoError(t, err)

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	require.True(t, s.TryWait(10*time.Second))
	info, _ := q.Job(badIdx)
	assert.Equal(t, job.StateExit, info.State)
	info, _ = q.Job(goodIdx)
	assert.Equal(t, job.StateDone, info.State)
}

func TestScheduler_KillRunningJob(t *testing.T) {
	q, d := newLocalQueue(t, queue.DefaultConfig())
	spec := shJob(t, "touch STATUS; sleep 30")
	spec.Retry = func(job.Info) bool { return false }
	idx, err := q.AddJob(spec)
	require.NoError(t, err)

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	require.Eventually(t, func() bool {
		info, _ := q.Job(idx)
		return info.State == job.StateRunning
	}, 10*time.Second, testPoll)
	require.NoError(t, q.Kill(idx))

	require.True(t, s.TryWait(10*time.Second))
	info, _ := q.Job(idx)
	assert.Equal(t, job.StateExit, info.State)
	assert.Equal(t, 0, d.Running())
}

func TestScheduler_StartErrors(t *testing.T) {
	s := NewScheduler(queue.New(queue.DefaultConfig()))
	assert.ErrorIs(t, s.Start(1), queue.ErrNoDriver)

	q, _ := newLocalQueue(t, queue.DefaultConfig())
	s = NewScheduler(q)
	assert.ErrorIs(t, s.Start(0), ErrInvalidLimit)
	require.NoError(t, s.Start(1))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(1), ErrAlreadyStarted)

	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Start(1), ErrStopped)
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())
	s := NewScheduler(q)
	s.Stop()
	assert.False(t, s.Running())
}

func TestScheduler_Wait(t *testing.T) {
	q, _ := newLocalQueue(t, queue.DefaultConfig())
	spec := shJob(t, "sleep 30")
	spec.Retry = func(job.Info) bool { return false }
	idx, err := q.AddJob(spec)
	require.NoError(t, err)
	require.NoError(t, q.SetMaxConfirmWait(idx, -1))

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, q.Kill(idx))
	require.NoError(t, s.Wait(context.Background()))
}

// blockingManager is a ResourceManager whose calls hang until their context
// is cancelled. entered fires the first time a blocking call starts.
type blockingManager struct {
	blockSubmit bool
	once        sync.Once
	entered     chan struct{}
	next        atomic.Int32
	cancelled   atomic.Int32
}

func newBlockingManager(blockSubmit bool) *blockingManager {
	return &blockingManager{blockSubmit: blockSubmit, entered: make(chan struct{})}
}

func (m *blockingManager) block(ctx context.Context) {
	m.once.Do(func() { close(m.entered) })
	<-ctx.Done()
}

func (m *blockingManager) Submit(ctx context.Context, _ driver.Request) (string, error) {
	if m.blockSubmit {
		m.block(ctx)
		return "", ctx.Err()
	}
	return fmt.Sprintf("%d", m.next.Add(1)), nil
}

func (m *blockingManager) Query(ctx context.Context, _ string) (driver.Status, error) {
	m.block(ctx)
	return driver.StatusPending, ctx.Err()
}

func (m *blockingManager) Cancel(context.Context, string) error {
	m.cancelled.Add(1)
	return nil
}

func stopDuringBlockedCall(t *testing.T, rm *blockingManager) (job.Info, int32, int32) {
	t.Helper()
	q := queue.New(queue.DefaultConfig())
	require.NoError(t, q.SetDriver(driver.NewCluster("fake", rm)))

	var retries, exits atomic.Int32
	spec := shJob(t, "true")
	spec.Retry = func(job.Info) bool {
		retries.Add(1)
		return true
	}
	spec.Exit = func(job.Info) { exits.Add(1) }
	idx, err := q.AddJob(spec)
	require.NoError(t, err)

	s := NewScheduler(q, WithPollInterval(testPoll))
	require.NoError(t, s.Start(1))
	select {
	case <-rm.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("backend was never called")
	}
	s.Stop()

	info, err := q.Job(idx)
	require.NoError(t, err)
	return info, retries.Load(), exits.Load()
}

func TestScheduler_StopDuringPollRequeuesJob(t *testing.T) {
	rm := newBlockingManager(false)
	info, retries, exits := stopDuringBlockedCall(t, rm)

	assert.Equal(t, job.StateWaiting, info.State)
	assert.Equal(t, job.ReasonInterrupted, info.Reason)
	assert.Equal(t, int32(0), retries)
	assert.Equal(t, int32(0), exits)
	assert.Equal(t, int32(1), rm.cancelled.Load())
}

func TestScheduler_StopDuringSubmitRequeuesJob(t *testing.T) {
	rm := newBlockingManager(true)
	info, retries, exits := stopDuringBlockedCall(t, rm)

	assert.Equal(t, job.StateWaiting, info.State)
	assert.Equal(t, 0, info.SubmitCount)
	assert.Equal(t, int32(0), retries)
	assert.Equal(t, int32(0), exits)
}
