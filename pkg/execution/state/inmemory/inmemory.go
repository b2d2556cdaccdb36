package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/state"
)

// New returns an in-memory state store, used by the dev server and tests.
func New(clock clockwork.Clock) state.Store {
	return &store{
		clock:      clock,
		executions: map[ulid.ULID]*state.Execution{},
		dedupe:     map[string]time.Time{},
		waiting:    map[uuid.UUID][]ulid.ULID{},
	}
}

type store struct {
	mu         sync.RWMutex
	clock      clockwork.Clock
	executions map[ulid.ULID]*state.Execution
	// dedupe maps admission keys to their claim expiry.
	dedupe  map[string]time.Time
	waiting map[uuid.UUID][]ulid.ULID
}

func (s *store) New(ctx context.Context, e *state.Execution, dedupeTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	key := e.DedupeKey()
	if until, ok := s.dedupe[key]; ok && until.After(now) {
		return state.ErrExecutionExists
	}
	s.dedupe[key] = now.Add(dedupeTTL)

	cp := *e
	cp.Version = 1
	cp.StartedAt = now
	cp.UpdatedAt = now
	s.executions[cp.ID] = &cp
	*e = cp
	return nil
}

func (s *store) Load(ctx context.Context, id ulid.ULID) (*state.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *store) Update(ctx context.Context, e *state.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[e.ID]
	if !ok {
		return state.ErrNotFound
	}
	if cur.Version != e.Version {
		return state.ErrVersionConflict
	}

	cp := *e
	cp.Version++
	cp.UpdatedAt = s.clock.Now()
	s.executions[e.ID] = &cp
	*e = cp
	return nil
}

func (s *store) Heartbeat(ctx context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return state.ErrNotFound
	}
	e.UpdatedAt = s.clock.Now()
	return nil
}

func (s *store) List(ctx context.Context, workflowID uuid.UUID, f state.ListFilter) ([]*state.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*state.Execution{}
	for _, e := range s.executions {
		if e.WorkflowID != workflowID {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.From != nil && e.StartedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.StartedAt.After(*f.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}

	// ULIDs sort by creation time; newest first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Compare(out[j].ID) > 0
	})

	return page(out, f.Page, f.Limit), nil
}

func page(in []*state.Execution, pageNum, limit int) []*state.Execution {
	if limit <= 0 {
		return in
	}
	if pageNum < 1 {
		pageNum = 1
	}
	start := (pageNum - 1) * limit
	if start >= len(in) {
		return []*state.Execution{}
	}
	end := start + limit
	if end > len(in) {
		end = len(in)
	}
	return in[start:end]
}

func (s *store) NonTerminal(ctx context.Context, workflowID, subjectID uuid.UUID) ([]*state.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*state.Execution{}
	for _, e := range s.executions {
		if e.WorkflowID == workflowID && e.SubjectID == subjectID && !e.Status.Terminal() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *store) NonTerminalBySubject(ctx context.Context, tenantID, subjectID uuid.UUID) ([]*state.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*state.Execution{}
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.SubjectID == subjectID && !e.Status.Terminal() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *store) CountActive(ctx context.Context, tenantID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.executions {
		if e.TenantID != tenantID {
			continue
		}
		if e.Status == enums.ExecutionStatusActive || e.Status == enums.ExecutionStatusPaused {
			n++
		}
	}
	return n, nil
}

func (s *store) StaleActive(ctx context.Context, olderThan time.Time) ([]*state.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*state.Execution{}
	for _, e := range s.executions {
		if e.Status == enums.ExecutionStatusActive && e.UpdatedAt.Before(olderThan) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *store) PushWaiting(ctx context.Context, tenantID uuid.UUID, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waiting[tenantID] = append(s.waiting[tenantID], id)
	return nil
}

func (s *store) PopWaiting(ctx context.Context, tenantID uuid.UUID) (*ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiting[tenantID]
	if len(list) == 0 {
		return nil, nil
	}
	id := list[0]
	s.waiting[tenantID] = list[1:]
	return &id, nil
}
