package redisqueue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/redis/rueidis"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
)

const DefaultPrefix = "everflow:queue"

// claimLua atomically leases the next ready, unleased job and returns its
// payload.  An expired lease counts as unleased, which is what makes
// crashed workers' jobs reclaimable.  The scan walks the ready range in
// batches so a run of leased jobs at the head cannot starve the ones
// behind it.
const claimLua = `
local offset = 0
while true do
  local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', offset, 50)
  if #ready == 0 then
    return false
  end
  for i = 1, #ready do
    local id = ready[i]
    local lease = redis.call('ZSCORE', KEYS[2], id)
    if not lease or tonumber(lease) < tonumber(ARGV[1]) then
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      return redis.call('GET', ARGV[3] .. id)
    end
  end
  offset = offset + 50
end
`

// enqueueLua replaces any existing job for the execution.
const enqueueLua = `
redis.call('SET', ARGV[4] .. ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// completeLua deletes the job only if it has not been superseded by a
// replacement enqueued mid-flight.
const completeLua = `
local key = ARGV[3] .. ARGV[1]
local raw = redis.call('GET', key)
if not raw then return 0 end
local item = cjson.decode(raw)
if item['job_id'] ~= ARGV[2] then return 0 end
redis.call('DEL', key)
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

const cancelLua = `
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

type Opt func(*Queue)

func WithPrefix(prefix string) Opt {
	return func(q *Queue) {
		q.prefix = prefix
	}
}

func WithPollInterval(d time.Duration) Opt {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

// New returns a redis-backed scheduled job queue.
func New(r rueidis.Client, clock clockwork.Clock, opts ...Opt) *Queue {
	q := &Queue{
		r:            r,
		clock:        clock,
		prefix:       DefaultPrefix,
		pollInterval: consts.DefaultQueuePollInterval,
		claim:        rueidis.NewLuaScript(claimLua),
		enqueue:      rueidis.NewLuaScript(enqueueLua),
		complete:     rueidis.NewLuaScript(completeLua),
		cancel:       rueidis.NewLuaScript(cancelLua),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type Queue struct {
	r            rueidis.Client
	clock        clockwork.Clock
	prefix       string
	pollInterval time.Duration

	claim    *rueidis.Lua
	enqueue  *rueidis.Lua
	complete *rueidis.Lua
	cancel   *rueidis.Lua
}

func (q *Queue) scheduleKey() string { return q.prefix + ":schedule" }
func (q *Queue) leaseKey() string    { return q.prefix + ":leases" }
func (q *Queue) itemPrefix() string  { return q.prefix + ":item:" }

func (q *Queue) Enqueue(ctx context.Context, item queue.Item, at time.Time) error {
	item.JobID = ulid.MustNew(ulid.Timestamp(q.clock.Now()), rand.Reader)

	byt, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "error marshalling queue item")
	}

	err = q.enqueue.Exec(ctx, q.r,
		[]string{q.scheduleKey(), q.leaseKey()},
		[]string{
			item.ExecutionID.String(),
			strconv.FormatInt(at.UnixMilli(), 10),
			string(byt),
			q.itemPrefix(),
		},
	).Error()
	return errors.Wrap(err, "error enqueueing job")
}

func (q *Queue) Cancel(ctx context.Context, executionID ulid.ULID) error {
	err := q.cancel.Exec(ctx, q.r,
		[]string{q.scheduleKey(), q.leaseKey()},
		[]string{executionID.String(), q.itemPrefix()},
	).Error()
	return errors.Wrap(err, "error cancelling job")
}

func (q *Queue) Outstanding(ctx context.Context, executionID ulid.ULID) (bool, error) {
	n, err := q.r.Do(ctx, q.r.B().Exists().Key(q.itemPrefix()+executionID.String()).Build()).AsInt64()
	if err != nil {
		return false, errors.Wrap(err, "error checking outstanding job")
	}
	return n == 1, nil
}

func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)
	n, err := q.r.Do(ctx,
		q.r.B().Zremrangebyscore().Key(q.leaseKey()).Min("-inf").Max(now).Build(),
	).AsInt64()
	if err != nil {
		return 0, errors.Wrap(err, "error reaping expired leases")
	}
	return int(n), nil
}

// ProcessOne claims a single ready job and runs f against it, returning
// whether a job was processed.
func (q *Queue) ProcessOne(ctx context.Context, f queue.RunFunc) (bool, error) {
	now := q.clock.Now()
	resp := q.claim.Exec(ctx, q.r,
		[]string{q.scheduleKey(), q.leaseKey()},
		[]string{
			strconv.FormatInt(now.UnixMilli(), 10),
			strconv.FormatInt(now.Add(consts.JobLeaseDuration).UnixMilli(), 10),
			q.itemPrefix(),
		},
	)

	raw, err := resp.ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "error claiming job")
	}

	item := queue.Item{}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return false, errors.Wrap(err, "error unmarshalling queue item")
	}

	if err := f(ctx, item); err != nil {
		// Release the lease for redelivery.
		relErr := q.r.Do(ctx,
			q.r.B().Zrem().Key(q.leaseKey()).Member(item.ExecutionID.String()).Build(),
		).Error()
		if relErr != nil {
			return true, errors.Wrap(relErr, "error releasing lease")
		}
		return true, err
	}

	err = q.complete.Exec(ctx, q.r,
		[]string{q.scheduleKey(), q.leaseKey()},
		[]string{item.ExecutionID.String(), item.JobID.String(), q.itemPrefix()},
	).Error()
	return true, errors.Wrap(err, "error completing job")
}

func (q *Queue) Run(ctx context.Context, f queue.RunFunc) error {
	ticker := q.clock.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		for {
			processed, err := q.ProcessOne(ctx, f)
			if err != nil || !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
