package history

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/everflow-crm/everflow/pkg/execution/state"
)

func TestRedact(t *testing.T) {
	entry := state.LogEntry{
		Data: map[string]any{
			"to":      "user@example.com",
			"api_key": "sk-live-abc123",
			"smtp": map[string]any{
				"host":     "mail.example.com",
				"password": "hunter2",
			},
		},
	}

	got := Redact(entry)

	assert.Equal(t, "user@example.com", got.Data["to"])
	assert.Equal(t, "[REDACTED]", got.Data["api_key"])
	nested := got.Data["smtp"].(map[string]any)
	assert.Equal(t, "mail.example.com", nested["host"])
	assert.Equal(t, "[REDACTED]", nested["password"])

	// The original entry is untouched.
	assert.Equal(t, "sk-live-abc123", entry.Data["api_key"])
}

func TestRedactNilData(t *testing.T) {
	got := Redact(state.LogEntry{})
	assert.Nil(t, got.Data)
}
