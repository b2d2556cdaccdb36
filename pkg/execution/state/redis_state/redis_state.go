// Package redis_state implements the execution state store on redis.
// Optimistic concurrency is enforced inside Lua: every write decodes the
// stored record, compares the version the writer read, and either applies
// the full update (record, indexes, tenant counters) atomically or rejects
// it.
package redis_state

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/redis/rueidis"

	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/state"
)

const DefaultPrefix = "everflow:state"

const newLua = `
local ok = redis.call('SET', KEYS[1], '1', 'PX', ARGV[1], 'NX')
if not ok then return 0 end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
redis.call('SADD', KEYS[4], ARGV[4])
redis.call('SADD', KEYS[5], ARGV[4])
return 1
`

const updateLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local cur = cjson.decode(raw)
if cur['version'] ~= tonumber(ARGV[1]) then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
local new = cjson.decode(ARGV[2])
local function counts(s) return s == 'ACTIVE' or s == 'PAUSED' end
if new['status'] == 'ACTIVE' then
  redis.call('ZADD', KEYS[2], ARGV[3], new['id'])
else
  redis.call('ZREM', KEYS[2], new['id'])
end
if counts(cur['status']) and not counts(new['status']) then
  redis.call('DECR', KEYS[5])
elseif not counts(cur['status']) and counts(new['status']) then
  redis.call('INCR', KEYS[5])
end
if ARGV[4] == '1' then
  redis.call('SREM', KEYS[3], new['id'])
  redis.call('SREM', KEYS[4], new['id'])
end
return 1
`

const heartbeatLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local cur = cjson.decode(raw)
cur['updated_at'] = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(cur))
if cur['status'] == 'ACTIVE' then
  redis.call('ZADD', KEYS[2], ARGV[2], cur['id'])
end
return 1
`

type Opt func(*store)

func WithPrefix(prefix string) Opt {
	return func(s *store) {
		s.prefix = prefix
	}
}

// New returns a redis-backed execution state store.
func New(r rueidis.Client, clock clockwork.Clock, opts ...Opt) state.Store {
	s := &store{
		r:         r,
		clock:     clock,
		prefix:    DefaultPrefix,
		new:       rueidis.NewLuaScript(newLua),
		update:    rueidis.NewLuaScript(updateLua),
		heartbeat: rueidis.NewLuaScript(heartbeatLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type store struct {
	r      rueidis.Client
	clock  clockwork.Clock
	prefix string

	new       *rueidis.Lua
	update    *rueidis.Lua
	heartbeat *rueidis.Lua
}

func (s *store) execKey(id ulid.ULID) string { return s.prefix + ":exec:" + id.String() }
func (s *store) dedupeKey(key string) string { return s.prefix + ":dedupe:" + key }
func (s *store) workflowIdx(id uuid.UUID) string {
	return s.prefix + ":idx:workflow:" + id.String()
}
func (s *store) nontermWfIdx(workflowID, subjectID uuid.UUID) string {
	return s.prefix + ":idx:nonterm:wf:" + workflowID.String() + ":" + subjectID.String()
}
func (s *store) nontermSubjIdx(tenantID, subjectID uuid.UUID) string {
	return s.prefix + ":idx:nonterm:subj:" + tenantID.String() + ":" + subjectID.String()
}
func (s *store) activeIdx() string { return s.prefix + ":idx:active" }
func (s *store) activeCount(tenantID uuid.UUID) string {
	return s.prefix + ":count:active:" + tenantID.String()
}
func (s *store) waitlistKey(tenantID uuid.UUID) string {
	return s.prefix + ":waitlist:" + tenantID.String()
}

func (s *store) New(ctx context.Context, e *state.Execution, dedupeTTL time.Duration) error {
	now := s.clock.Now()
	e.Version = 1
	e.StartedAt = now
	e.UpdatedAt = now

	byt, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "error marshalling execution")
	}

	created, err := s.new.Exec(ctx, s.r,
		[]string{
			s.dedupeKey(e.DedupeKey()),
			s.execKey(e.ID),
			s.workflowIdx(e.WorkflowID),
			s.nontermWfIdx(e.WorkflowID, e.SubjectID),
			s.nontermSubjIdx(e.TenantID, e.SubjectID),
		},
		[]string{
			strconv.FormatInt(dedupeTTL.Milliseconds(), 10),
			string(byt),
			strconv.FormatInt(now.UnixMilli(), 10),
			e.ID.String(),
		},
	).AsInt64()
	if err != nil {
		return errors.Wrap(err, "error creating execution")
	}
	if created == 0 {
		return state.ErrExecutionExists
	}
	return nil
}

func (s *store) Load(ctx context.Context, id ulid.ULID) (*state.Execution, error) {
	raw, err := s.r.Do(ctx, s.r.B().Get().Key(s.execKey(id)).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, state.ErrNotFound
		}
		return nil, errors.Wrap(err, "error loading execution")
	}
	e := &state.Execution{}
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling execution")
	}
	return e, nil
}

func (s *store) Update(ctx context.Context, e *state.Execution) error {
	readVersion := e.Version
	next := *e
	next.Version = readVersion + 1
	next.UpdatedAt = s.clock.Now()

	byt, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "error marshalling execution")
	}

	terminal := "0"
	if next.Status.Terminal() {
		terminal = "1"
	}

	res, err := s.update.Exec(ctx, s.r,
		[]string{
			s.execKey(e.ID),
			s.activeIdx(),
			s.nontermWfIdx(e.WorkflowID, e.SubjectID),
			s.nontermSubjIdx(e.TenantID, e.SubjectID),
			s.activeCount(e.TenantID),
		},
		[]string{
			strconv.Itoa(readVersion),
			string(byt),
			strconv.FormatInt(next.UpdatedAt.UnixMilli(), 10),
			terminal,
		},
	).AsInt64()
	if err != nil {
		return errors.Wrap(err, "error updating execution")
	}
	switch res {
	case -1:
		return state.ErrNotFound
	case 0:
		return state.ErrVersionConflict
	}

	*e = next
	return nil
}

func (s *store) Heartbeat(ctx context.Context, id ulid.ULID) error {
	now := s.clock.Now()
	// Stored as the JSON value for updated_at, so it must be RFC3339.
	ts := now.Format(time.RFC3339Nano)

	res, err := s.heartbeat.Exec(ctx, s.r,
		[]string{s.execKey(id), s.activeIdx()},
		[]string{ts, strconv.FormatInt(now.UnixMilli(), 10)},
	).AsInt64()
	if err != nil {
		return errors.Wrap(err, "error heartbeating execution")
	}
	if res == -1 {
		return state.ErrNotFound
	}
	return nil
}

func (s *store) List(ctx context.Context, workflowID uuid.UUID, f state.ListFilter) ([]*state.Execution, error) {
	ids, err := s.r.Do(ctx,
		s.r.B().Zrevrange().Key(s.workflowIdx(workflowID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, errors.Wrap(err, "error listing workflow executions")
	}

	out := []*state.Execution{}
	for _, idStr := range ids {
		id, err := ulid.Parse(idStr)
		if err != nil {
			continue
		}
		e, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return nil, err
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
		out = append(out, e)
	}

	if f.Limit > 0 {
		pageNum := f.Page
		if pageNum < 1 {
			pageNum = 1
		}
		start := (pageNum - 1) * f.Limit
		if start >= len(out) {
			return []*state.Execution{}, nil
		}
		end := start + f.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

func (s *store) members(ctx context.Context, key string) ([]*state.Execution, error) {
	ids, err := s.r.Do(ctx, s.r.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, errors.Wrap(err, "error reading execution index")
	}

	out := []*state.Execution{}
	for _, idStr := range ids {
		id, err := ulid.Parse(idStr)
		if err != nil {
			continue
		}
		e, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if e.Status.Terminal() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *store) NonTerminal(ctx context.Context, workflowID, subjectID uuid.UUID) ([]*state.Execution, error) {
	return s.members(ctx, s.nontermWfIdx(workflowID, subjectID))
}

func (s *store) NonTerminalBySubject(ctx context.Context, tenantID, subjectID uuid.UUID) ([]*state.Execution, error) {
	return s.members(ctx, s.nontermSubjIdx(tenantID, subjectID))
}

func (s *store) CountActive(ctx context.Context, tenantID uuid.UUID) (int, error) {
	n, err := s.r.Do(ctx, s.r.B().Get().Key(s.activeCount(tenantID)).Build()).AsInt64()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "error counting active executions")
	}
	return int(n), nil
}

func (s *store) StaleActive(ctx context.Context, olderThan time.Time) ([]*state.Execution, error) {
	ids, err := s.r.Do(ctx,
		s.r.B().Zrangebyscore().Key(s.activeIdx()).
			Min("-inf").Max(strconv.FormatInt(olderThan.UnixMilli(), 10)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, errors.Wrap(err, "error finding stale executions")
	}

	out := []*state.Execution{}
	for _, idStr := range ids {
		id, err := ulid.Parse(idStr)
		if err != nil {
			continue
		}
		e, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if e.Status != enums.ExecutionStatusActive {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *store) PushWaiting(ctx context.Context, tenantID uuid.UUID, id ulid.ULID) error {
	err := s.r.Do(ctx,
		s.r.B().Rpush().Key(s.waitlistKey(tenantID)).Element(id.String()).Build(),
	).Error()
	return errors.Wrap(err, "error pushing waitlist")
}

func (s *store) PopWaiting(ctx context.Context, tenantID uuid.UUID) (*ulid.ULID, error) {
	raw, err := s.r.Do(ctx, s.r.B().Lpop().Key(s.waitlistKey(tenantID)).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "error popping waitlist")
	}
	id, err := ulid.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing waitlist id")
	}
	return &id, nil
}
