package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusQueued.Terminal())
	assert.False(t, ExecutionStatusActive.Terminal())
	assert.False(t, ExecutionStatusPaused.Terminal())
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
}

func TestExecutionStatusCanTransition(t *testing.T) {
	valid := [][2]ExecutionStatus{
		{ExecutionStatusQueued, ExecutionStatusActive},
		{ExecutionStatusQueued, ExecutionStatusCancelled},
		{ExecutionStatusActive, ExecutionStatusPaused},
		{ExecutionStatusActive, ExecutionStatusCompleted},
		{ExecutionStatusActive, ExecutionStatusFailed},
		{ExecutionStatusActive, ExecutionStatusCancelled},
		{ExecutionStatusPaused, ExecutionStatusActive},
		{ExecutionStatusPaused, ExecutionStatusCompleted},
		{ExecutionStatusPaused, ExecutionStatusCancelled},
	}
	for _, edge := range valid {
		assert.True(t, edge[0].CanTransition(edge[1]), "%s -> %s", edge[0], edge[1])
	}

	invalid := [][2]ExecutionStatus{
		{ExecutionStatusQueued, ExecutionStatusPaused},
		{ExecutionStatusActive, ExecutionStatusQueued},
		{ExecutionStatusPaused, ExecutionStatusQueued},
		{ExecutionStatusCompleted, ExecutionStatusActive},
		{ExecutionStatusFailed, ExecutionStatusActive},
		{ExecutionStatusCancelled, ExecutionStatusQueued},
		{ExecutionStatusCompleted, ExecutionStatusFailed},
	}
	for _, edge := range invalid {
		assert.False(t, edge[0].CanTransition(edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestExecutionStatusMarshalRoundtrip(t *testing.T) {
	for s := range executionStatusNames {
		byt, err := s.MarshalText()
		require.NoError(t, err)

		var parsed ExecutionStatus
		require.NoError(t, parsed.UnmarshalText(byt))
		assert.Equal(t, s, parsed)
	}

	var s ExecutionStatus
	assert.Error(t, s.UnmarshalText([]byte("NOPE")))
}
