// Package history persists the append-only execution log.  The log is the
// operator-facing audit trail; it is never read back to drive engine
// decisions.
package history

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/everflow-crm/everflow/pkg/execution/state"
)

// Driver writes and reads execution log entries.
type Driver interface {
	// Append records one entry.  Drivers must redact secret-bearing
	// fields before persisting; use Redact.
	Append(ctx context.Context, entry state.LogEntry) error
	// List returns entries for an execution in append order, paginated
	// with 1-based pages.
	List(ctx context.Context, executionID ulid.ULID, page, limit int) ([]state.LogEntry, error)
	Close() error
}

// secretFragments flags Data keys whose values must never be persisted.
var secretFragments = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
}

const redacted = "[REDACTED]"

// Redact replaces secret-bearing values in an entry's data, recursing into
// nested maps.  The input entry is not modified.
func Redact(entry state.LogEntry) state.LogEntry {
	if entry.Data == nil {
		return entry
	}
	entry.Data = redactMap(entry.Data)
	return entry
}

func redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSecretKey(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	lower := strings.ToLower(k)
	for _, frag := range secretFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
