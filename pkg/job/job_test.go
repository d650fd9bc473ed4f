package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateExit.Terminal())
	assert.False(t, StateWaiting.Terminal())
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestState_InFlight(t *testing.T) {
	for _, s := range States {
		want := s == StateSubmitted || s == StateRunning
		assert.Equal(t, want, s.InFlight(), "state %s", s)
	}
}

func TestStates_LifecycleOrder(t *testing.T) {
	assert.Equal(t, []State{StateWaiting, StateSubmitted, StateRunning, StateDone, StateExit}, States)
}
