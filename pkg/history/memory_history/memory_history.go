// Package memory_history is the in-process history driver used by the dev
// server and tests.
package memory_history

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/history"
)

func New() history.Driver {
	return &driver{
		entries: map[ulid.ULID][]state.LogEntry{},
	}
}

type driver struct {
	mu      sync.RWMutex
	entries map[ulid.ULID][]state.LogEntry
}

func (d *driver) Append(ctx context.Context, entry state.LogEntry) error {
	entry = history.Redact(entry)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[entry.ExecutionID] = append(d.entries[entry.ExecutionID], entry)
	return nil
}

func (d *driver) List(ctx context.Context, executionID ulid.ULID, page, limit int) ([]state.LogEntry, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = consts.DefaultLogPageSize
	}
	if limit > consts.MaxLogPageSize {
		limit = consts.MaxLogPageSize
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	all := d.entries[executionID]
	start := (page - 1) * limit
	if start >= len(all) {
		return []state.LogEntry{}, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	out := make([]state.LogEntry, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (d *driver) Close() error { return nil }
