package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager is a ResourceManager whose query results are scripted.
type fakeManager struct {
	mu        sync.Mutex
	next      int
	status    Status
	failures  []error // returned, in order, before status
	block     bool
	queries   int
	cancelled []string
	forgotten []string
	submitErr error
}

func (m *fakeManager) Submit(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.next++
	return fmt.Sprintf("%d", m.next), nil
}

func (m *fakeManager) Query(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	m.queries++
	block := m.block
	var err error
	if len(m.failures) > 0 {
		err, m.failures = m.failures[0], m.failures[1:]
	}
	st := m.status
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return StatusPending, ctx.Err()
	}
	if err != nil {
		return StatusPending, err
	}
	return st, nil
}

func (m *fakeManager) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *fakeManager) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, id)
	return nil
}

func newTestCluster(t *testing.T, rm ResourceManager) *Cluster {
	t.Helper()
	d := NewCluster("", rm)
	require.NoError(t, d.SetOption("query_backoff", "1ms"))
	return d
}

func TestCluster_SubmitAndPoll(t *testing.T) {
	rm := &fakeManager{status: StatusRunning}
	d := newTestCluster(t, rm)
	assert.Equal(t, "cluster", d.Name())

	h, err := d.Submit(context.Background(), Request{RunID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "1", h.String())
	assert.Equal(t, StatusRunning, d.Poll(context.Background(), h))
}

func TestCluster_SubmitErrorPassesThrough(t *testing.T) {
	boom := errors.New("queue closed")
	d := newTestCluster(t, &fakeManager{submitErr: boom})
	_, err := d.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}

func TestCluster_RetriesTransientQueryErrors(t *testing.T) {
	rm := &fakeManager{
		status:   StatusDone,
		failures: []error{errors.New("timeout"), errors.New("connection reset")},
	}
	d := newTestCluster(t, rm)
	h, err := d.Submit(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, d.Poll(context.Background(), h))
	assert.Equal(t, 3, rm.queries)
}

func TestCluster_VanishesAfterAttemptsExhausted(t *testing.T) {
	rm := &fakeManager{failures: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}}
	d := newTestCluster(t, rm)
	require.NoError(t, d.SetOption("query_attempts", "2"))
	h, err := d.Submit(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusVanished, d.Poll(context.Background(), h))
	assert.Equal(t, 2, rm.queries)
}

func TestCluster_UnknownJobVanishesImmediately(t *testing.T) {
	rm := &fakeManager{failures: []error{fmt.Errorf("bjobs: %w", ErrUnknownJob)}}
	d := newTestCluster(t, rm)
	h, err := d.Submit(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusVanished, d.Poll(context.Background(), h))
	assert.Equal(t, 1, rm.queries)
}

func TestCluster_QueryTimeoutBoundsPoll(t *testing.T) {
	rm := &fakeManager{block: true}
	d := newTestCluster(t, rm)
	require.NoError(t, d.SetOption("query_timeout", 20*time.Millisecond))
	require.NoError(t, d.SetOption("query_attempts", 2))
	h, err := d.Submit(context.Background(), Request{})
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, StatusVanished, d.Poll(context.Background(), h))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, rm.queries)
}

func TestCluster_KillAndRelease(t *testing.T) {
	rm := &fakeManager{}
	d := newTestCluster(t, rm)
	h, err := d.Submit(context.Background(), Request{})
	require.NoError(t, err)

	require.NoError(t, d.Kill(context.Background(), h))
	d.Release(h)
	assert.Equal(t, []string{"1"}, rm.cancelled)
	assert.Equal(t, []string{"1"}, rm.forgotten)

	assert.ErrorIs(t, d.Kill(context.Background(), &process{}), ErrUnknownHandle)
	assert.Equal(t, StatusVanished, d.Poll(context.Background(), &process{}))
}

func TestCluster_SetOption(t *testing.T) {
	d := newTestCluster(t, &fakeManager{})
	require.NoError(t, d.SetOption("QUERY_ATTEMPTS", 0))
	assert.Equal(t, 1, d.attempts)
	assert.Error(t, d.SetOption("query_timeout", "soon"))
	assert.ErrorIs(t, d.SetOption("queue_name", "normal"), ErrUnknownOption)

	lsf := NewCluster("lsf", NewLSFManager())
	require.NoError(t, lsf.SetOption("cancel_cmd", "bkill -s KILL {id}"))
	assert.Equal(t, []string{"bkill", "-s", "KILL", "{id}"}, lsf.rm.(*CommandManager).CancelCmd)
}
