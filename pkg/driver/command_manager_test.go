package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandArgv(t *testing.T) {
	req := Request{RunID: "abc", Name: "sim", Command: "/opt/run.sh", Args: []string{"-x", "case.DATA"}, RunPath: "/scratch/sim", NumCPU: 4}

	argv := expandArgv(NewLSFManager().SubmitCmd, req, "")
	assert.Equal(t, []string{
		"bsub", "-J", "sim", "-n", "4", "-cwd", "/scratch/sim",
		"-o", "/scratch/sim/sim.LSF-stdout", "-e", "/scratch/sim/sim.LSF-stderr",
		"/opt/run.sh", "-x", "case.DATA",
	}, argv)

	argv = expandArgv(NewSlurmManager().SubmitCmd, req, "")
	assert.Equal(t, "/opt/run.sh -x case.DATA", argv[len(argv)-1])

	argv = expandArgv([]string{"bjobs", "{id}"}, Request{}, "77")
	assert.Equal(t, []string{"bjobs", "77"}, argv)
}

func TestExpandArgv_DefaultsCPUToOne(t *testing.T) {
	argv := expandArgv([]string{"-n", "{num_cpu}"}, Request{}, "")
	assert.Equal(t, []string{"-n", "1"}, argv)
}

func TestCommandManager_ParseID(t *testing.T) {
	m := NewLSFManager()
	tests := []struct {
		out  string
		want string
	}{
		{"Job <1234> is submitted to queue <normal>.\n", "1234"},
		{"Submitted batch job 5678\n", "5678"},
		{"4321\n", "4321"},
		{"some banner\nJob <9> is submitted to default queue <short>.\n", "9"},
	}
	for _, tt := range tests {
		id, ok := m.parseID(tt.out)
		require.True(t, ok, tt.out)
		assert.Equal(t, tt.want, id)
	}
	_, ok := m.parseID("Request rejected")
	assert.False(t, ok)
}

func TestParseBatchState(t *testing.T) {
	tests := map[string]Status{
		"PEND\n":      StatusPending,
		"RUN":         StatusRunning,
		"DONE\n":      StatusDone,
		"EXIT":        StatusFailed,
		"PENDING\n":   StatusPending,
		"RUNNING":     StatusRunning,
		"COMPLETED":   StatusDone,
		"NODE_FAIL":   StatusFailed,
		"run extra\n": StatusRunning,
	}
	for out, want := range tests {
		got, err := parseBatchState(out)
		require.NoError(t, err, out)
		assert.Equal(t, want, got, out)
	}

	_, err := parseBatchState("")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = parseBatchState("BOGUS")
	assert.Error(t, err)
}

func TestCommandManager_RunsCommands(t *testing.T) {
	m := &CommandManager{
		SubmitCmd: []string{"/bin/sh", "-c", "echo 'Job <42> is submitted to queue <normal>.'"},
		QueryCmd:  []string{"/bin/sh", "-c", "echo RUN"},
		CancelCmd: []string{"/bin/sh", "-c", "test \"$0\" = 42", "{id}"},
	}
	ctx := context.Background()

	id, err := m.Submit(ctx, Request{Name: "sim"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	st, err := m.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	require.NoError(t, m.Cancel(ctx, id))
	assert.Error(t, m.Cancel(ctx, "43"))
}

func TestCommandManager_QueryUnknownJob(t *testing.T) {
	m := &CommandManager{
		QueryCmd: []string{"/bin/sh", "-c", "echo 'Job <7> is not found' >&2; exit 255"},
	}
	_, err := m.Query(context.Background(), "7")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestCommandManager_QueryTransientFailure(t *testing.T) {
	m := &CommandManager{
		QueryCmd: []string{"/bin/sh", "-c", "echo 'cannot connect to master' >&2; exit 1"},
	}
	_, err := m.Query(context.Background(), "7")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownJob)
}

func TestCommandManager_SubmitWithoutID(t *testing.T) {
	m := &CommandManager{SubmitCmd: []string{"/bin/sh", "-c", "echo rejected"}}
	_, err := m.Submit(context.Background(), Request{})
	assert.ErrorContains(t, err, "no job id")
}

func TestCommandManager_SetOption(t *testing.T) {
	m := &CommandManager{}
	require.NoError(t, m.SetOption("submit_cmd", []string{"qsub", "{command}"}))
	require.NoError(t, m.SetOption("query_cmd", "qstat -f {id}"))
	require.NoError(t, m.SetOption("id_pattern", `^(\d+)\.`))
	assert.Equal(t, []string{"qsub", "{command}"}, m.SubmitCmd)
	assert.Equal(t, []string{"qstat", "-f", "{id}"}, m.QueryCmd)

	id, ok := m.parseID("123.pbs-server\n")
	require.True(t, ok)
	assert.Equal(t, "123", id)

	assert.Error(t, m.SetOption("id_pattern", "("))
	assert.ErrorIs(t, m.SetOption("nope", 1), ErrUnknownOption)
}
