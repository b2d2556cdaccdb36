package sqlite_history

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/history"
)

func newDriver(t *testing.T) history.Driver {
	t.Helper()
	d, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newEntry(executionID ulid.ULID, typ enums.LogType) state.LogEntry {
	return state.LogEntry{
		ID:          ulid.MustNew(ulid.Now(), rand.Reader),
		ExecutionID: executionID,
		TenantID:    uuid.New(),
		Type:        typ,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	execID := ulid.MustNew(ulid.Now(), rand.Reader)
	types := []enums.LogType{
		enums.LogTypeAdmitted,
		enums.LogTypeStepStarted,
		enums.LogTypeStepCompleted,
	}
	for _, typ := range types {
		entry := newEntry(execID, typ)
		entry.Data = map[string]any{"step": "send_email"}
		require.NoError(t, d.Append(ctx, entry))
	}

	got, err := d.List(ctx, execID, 1, 50)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, typ := range types {
		assert.Equal(t, typ, got[i].Type)
		assert.Equal(t, "send_email", got[i].Data["step"])
	}

	// Other executions' entries are not returned.
	other, err := d.List(ctx, ulid.MustNew(ulid.Now(), rand.Reader), 1, 50)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	execID := ulid.MustNew(ulid.Now(), rand.Reader)
	for i := 0; i < 5; i++ {
		entry := newEntry(execID, enums.LogTypeStepCompleted)
		entry.StepIndex = i
		require.NoError(t, d.Append(ctx, entry))
	}

	page1, err := d.List(ctx, execID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, 0, page1[0].StepIndex)

	page3, err := d.List(ctx, execID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, 4, page3[0].StepIndex)
}

func TestAppendRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	execID := ulid.MustNew(ulid.Now(), rand.Reader)
	entry := newEntry(execID, enums.LogTypeStepCompleted)
	entry.Data = map[string]any{"api_key": "sk-live-abc123", "to": "user@example.com"}
	require.NoError(t, d.Append(ctx, entry))

	got, err := d.List(ctx, execID, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "[REDACTED]", got[0].Data["api_key"])
	assert.Equal(t, "user@example.com", got[0].Data["to"])
}
