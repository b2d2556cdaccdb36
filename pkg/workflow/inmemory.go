package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = fmt.Errorf("workflow not found")

// NewInMemoryLoader returns a Loader backed by process memory, used by the
// dev server and tests.  Upserting a definition with the same ID stores a
// new version; prior versions remain resolvable for in-flight executions.
func NewInMemoryLoader(defs ...*Definition) *InMemoryLoader {
	l := &InMemoryLoader{
		versions: map[uuid.UUID]map[int]*Definition{},
		latest:   map[uuid.UUID]int{},
	}
	for _, d := range defs {
		l.Upsert(d)
	}
	return l
}

type InMemoryLoader struct {
	mu       sync.RWMutex
	versions map[uuid.UUID]map[int]*Definition
	latest   map[uuid.UUID]int
}

func (l *InMemoryLoader) Upsert(d *Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.Version == 0 {
		d.Version = l.latest[d.ID] + 1
	}
	if l.versions[d.ID] == nil {
		l.versions[d.ID] = map[int]*Definition{}
	}
	l.versions[d.ID][d.Version] = d
	if d.Version > l.latest[d.ID] {
		l.latest[d.ID] = d.Version
	}
}

func (l *InMemoryLoader) Definition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, ok := l.latest[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.versions[id][v], nil
}

func (l *InMemoryLoader) DefinitionVersion(ctx context.Context, id uuid.UUID, version int) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.versions[id][version]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (l *InMemoryLoader) WithGoals(ctx context.Context, tenantID uuid.UUID) ([]*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []*Definition{}
	for id, v := range l.latest {
		d := l.versions[id][v]
		if d.TenantID == tenantID && d.Goal != nil && d.IsActive() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (l *InMemoryLoader) ByTriggerEvent(ctx context.Context, tenantID uuid.UUID, eventName string) ([]*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []*Definition{}
	for id, v := range l.latest {
		d := l.versions[id][v]
		if d.TenantID == tenantID && d.Trigger.EventName == eventName && d.IsActive() {
			out = append(out, d)
		}
	}
	return out, nil
}
