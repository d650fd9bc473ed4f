package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"hpc-queue/pkg/driver"
	"hpc-queue/pkg/job"
)

// The methods in this file are driven by the scheduler's workers. A worker
// claims one job, dispatches it and advances it until it leaves the
// submitted and running states. Only the claiming worker touches the job's
// handle or runs its callbacks.

// Claim reserves the lowest-index waiting job.
func (q *Queue) Claim() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.nodes {
		if n.state == job.StateWaiting && !n.claimed {
			n.claimed = true
			return n.index, true
		}
	}
	return -1, false
}

// Dispatch submits a claimed job and returns its new state.
func (q *Queue) Dispatch(ctx context.Context, index int) job.State {
	n, err := q.node(index)
	if err != nil {
		return job.StateExit
	}
	logger := q.jobLogger(n)
	if ctx.Err() != nil {
		q.unclaim(n)
		return job.StateWaiting
	}
	if n.killReq.Swap(false) {
		return q.fail(ctx, n, "killed on request")
	}

	q.mu.Lock()
	drv := q.drv
	exhausted := n.maxSubmit > 0 && n.submitCount >= n.maxSubmit
	if !exhausted {
		n.submitCount++
	}
	attempt := n.submitCount
	q.mu.Unlock()

	if exhausted {
		return q.fail(ctx, n, "submission limit reached")
	}
	if drv == nil {
		return q.fail(ctx, n, ErrNoDriver.Error())
	}

	q.clearMarkers(n)

	cctx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	h, err := drv.Submit(cctx, driver.Request{
		RunID:   n.runID,
		Name:    n.spec.Name,
		Command: n.spec.Command,
		Args:    n.spec.Args,
		RunPath: n.spec.RunPath,
		NumCPU:  n.spec.NumCPU,
	})
	cancel()
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not refused by the backend.
		q.mu.Lock()
		n.submitCount--
		q.mu.Unlock()
		q.unclaim(n)
		return job.StateWaiting
	}
	if err != nil {
		logger.Warn().Err(err).Int("attempt", attempt).Msg("submission failed")
		return q.fail(ctx, n, fmt.Sprintf("submission failed: %v", err))
	}

	n.handle = h
	q.mu.Lock()
	n.submittedAt = time.Now()
	q.mu.Unlock()
	q.setState(n, job.StateSubmitted)
	logger.Info().Int("attempt", attempt).Str("handle", h.String()).Msg("job submitted")
	return job.StateSubmitted
}

// Advance polls a dispatched job once and applies what it finds.
func (q *Queue) Advance(ctx context.Context, index int) job.State {
	n, err := q.node(index)
	if err != nil {
		return job.StateExit
	}
	state := q.stateOf(n)
	if !state.InFlight() {
		return state
	}

	if n.killReq.Swap(false) {
		return q.fail(ctx, n, "killed on request")
	}

	cctx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	st := q.Driver().Poll(cctx, n.handle)
	cancel()

	if q.hasMarker(n, q.cfg.Markers.Success) {
		return q.finish(ctx, n)
	}
	if q.hasMarker(n, q.cfg.Markers.Error) {
		return q.fail(ctx, n, "error marker found")
	}
	// A status read cut short by shutdown says nothing about the job. The
	// caller abandons it.
	if ctx.Err() != nil {
		return state
	}
	if st.Finished() {
		return q.fail(ctx, n, fmt.Sprintf("backend reports %s without success marker", st))
	}

	if state == job.StateSubmitted {
		confirmed := st == driver.StatusRunning
		if q.cfg.Markers.Status != "" {
			confirmed = q.hasMarker(n, q.cfg.Markers.Status)
		}
		if confirmed {
			q.mu.Lock()
			n.startedAt = time.Now()
			q.mu.Unlock()
			q.setState(n, job.StateRunning)
			q.jobLogger(n).Info().Msg("job confirmed running")
			return job.StateRunning
		}
		wait := time.Duration(n.confirmWait.Load())
		q.mu.Lock()
		elapsed := time.Since(n.submittedAt)
		q.mu.Unlock()
		if wait >= 0 && elapsed >= wait {
			return q.fail(ctx, n, fmt.Sprintf("no confirmation within %s", wait))
		}
		return state
	}

	if q.cfg.MaxRuntime > 0 {
		q.mu.Lock()
		elapsed := time.Since(n.startedAt)
		q.mu.Unlock()
		if elapsed > q.cfg.MaxRuntime {
			return q.fail(ctx, n, fmt.Sprintf("runtime exceeded %s", q.cfg.MaxRuntime))
		}
	}
	return state
}

// Abandon stops a claimed job without running its callbacks and puts it
// back in the waiting state. Used when the scheduler shuts down.
func (q *Queue) Abandon(index int) {
	n, err := q.node(index)
	if err != nil {
		return
	}
	if q.stateOf(n).Terminal() {
		return
	}
	q.releaseHandle(context.Background(), n, true)
	q.mu.Lock()
	n.reason = job.ReasonInterrupted
	q.mu.Unlock()
	q.setState(n, job.StateWaiting)
	q.unclaim(n)
}

func (q *Queue) unclaim(n *node) {
	q.mu.Lock()
	n.claimed = false
	q.mu.Unlock()
}

// fail runs the failure path: the attempt is torn down, the retry callback
// decides, and the job is either queued again or exits.
func (q *Queue) fail(ctx context.Context, n *node, reason string) job.State {
	logger := q.jobLogger(n)
	q.releaseHandle(ctx, n, true)

	q.mu.Lock()
	n.reason = reason
	info := q.infoLocked(n)
	budgetLeft := n.maxSubmit == 0 || n.submitCount < n.maxSubmit
	bounded := n.maxSubmit > 0
	q.mu.Unlock()

	retry, err := callRetry(n.spec.Retry, bounded, info)
	if err != nil {
		logger.Error().Err(err).Msg("retry callback failed, forcing exit")
		return q.exit(n, job.StateExit, info)
	}
	if retry && budgetLeft {
		q.setState(n, job.StateWaiting)
		q.unclaim(n)
		q.signal()
		logger.Warn().Str("reason", reason).Int("submit_count", info.SubmitCount).Msg("job failed, retrying")
		return job.StateWaiting
	}
	logger.Warn().Str("reason", reason).Int("submit_count", info.SubmitCount).Bool("retry", retry).Msg("job failed, giving up")
	return q.exit(n, job.StateExit, info)
}

func (q *Queue) finish(ctx context.Context, n *node) job.State {
	q.releaseHandle(ctx, n, false)
	q.mu.Lock()
	n.reason = ""
	info := q.infoLocked(n)
	q.mu.Unlock()
	q.jobLogger(n).Info().Int("submit_count", info.SubmitCount).Msg("job done")
	return q.exit(n, job.StateDone, info)
}

// exit fires the exit callback and then publishes the terminal state. A
// panicking exit callback turns DONE into EXIT.
func (q *Queue) exit(n *node, to job.State, info job.Info) job.State {
	info.State = to
	if err := callExit(n.spec.Exit, info); err != nil {
		q.jobLogger(n).Error().Err(err).Msg("exit callback failed, forcing exit")
		to = job.StateExit
		q.mu.Lock()
		n.reason = err.Error()
		q.mu.Unlock()
	}

	q.mu.Lock()
	from := n.state
	if from.InFlight() {
		q.inFlight--
	}
	n.state = to
	n.claimed = false
	q.active--
	if q.active == 0 {
		close(q.idle)
	}
	info = q.infoLocked(n)
	q.mu.Unlock()

	q.notify(job.Event{Job: info, From: from, To: to, At: time.Now()})
	return to
}

// releaseHandle tears down the current attempt, if any.
func (q *Queue) releaseHandle(ctx context.Context, n *node, kill bool) {
	h := n.handle
	if h == nil {
		return
	}
	n.handle = nil
	drv := q.Driver()
	if kill {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.CallTimeout)
		if err := drv.Kill(cctx, h); err != nil && !errors.Is(err, driver.ErrUnknownHandle) {
			q.jobLogger(n).Warn().Err(err).Str("handle", h.String()).Msg("kill failed")
		}
		cancel()
	}
	drv.Release(h)
}

func (q *Queue) stateOf(n *node) job.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return n.state
}

func (q *Queue) setState(n *node, to job.State) {
	q.mu.Lock()
	from := n.state
	switch {
	case from.InFlight() && !to.InFlight():
		q.inFlight--
	case !from.InFlight() && to.InFlight():
		q.inFlight++
	}
	n.state = to
	info := q.infoLocked(n)
	q.mu.Unlock()
	if from != to {
		q.notify(job.Event{Job: info, From: from, To: to, At: time.Now()})
	}
}

func (q *Queue) hasMarker(n *node, name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(n.spec.RunPath, name))
	return err == nil
}

// clearMarkers removes markers left by an earlier attempt.
func (q *Queue) clearMarkers(n *node) {
	m := q.cfg.Markers
	for _, name := range []string{m.Success, m.Status, m.Error} {
		if name == "" {
			continue
		}
		err := os.Remove(filepath.Join(n.spec.RunPath, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			q.jobLogger(n).Warn().Err(err).Str("marker", name).Msg("failed to remove stale marker")
		}
	}
}

func (q *Queue) jobLogger(n *node) *zerolog.Logger {
	l := q.logger.With().Int("job_index", n.index).Str("run_id", n.runID).Str("job_name", n.spec.Name).Logger()
	return &l
}

// callRetry and callExit turn a panicking callback into an error so one bad
// callback cannot take a worker down.
// Without a retry callback a job is retried while its submission budget
// lasts; an unbounded job without a callback is never retried.
func callRetry(fn job.RetryFunc, bounded bool, info job.Info) (retry bool, err error) {
	if fn == nil {
		return bounded, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry callback panic: %v", r)
		}
	}()
	return fn(info), nil
}

func callExit(fn job.ExitFunc, info job.Info) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exit callback panic: %v", r)
		}
	}()
	fn(info)
	return nil
}
