package consts

import "time"

const (
	// DefaultMaxRetryAttempts is used when a workflow does not specify its
	// own retry bound.  A step is attempted at most 1+DefaultMaxRetryAttempts
	// times.
	DefaultMaxRetryAttempts = 3

	// DefaultRetryBaseDelay is the base delay for exponential backoff.  The
	// delay before attempt N is DefaultRetryBaseDelay * 2^N.
	DefaultRetryBaseDelay = 60 * time.Second

	// MaxRetryDelay is the furthest a retry can be scheduled.  Computed
	// delays and retry-after hints beyond this are clamped.
	MaxRetryDelay = 24 * time.Hour

	// MinRetryDelay is the soonest a retry can be scheduled.
	MinRetryDelay = time.Second

	// AdmissionDedupeWindow is the period within which a second trigger for
	// the same (workflow, subject) is treated as a duplicate and rejected.
	AdmissionDedupeWindow = 5 * time.Second

	// JobLeaseDuration is the lifetime of a worker's claim on a scheduled
	// job.  A job whose lease expires without completion becomes
	// reclaimable.
	JobLeaseDuration = 30 * time.Second

	// HeartbeatThreshold is how stale an ACTIVE execution's updated_at may
	// be before the recovery sweeper considers its worker dead.
	HeartbeatThreshold = time.Minute

	// DefaultSweepInterval is how often the recovery sweeper runs.
	DefaultSweepInterval = 15 * time.Second

	// DefaultQueuePollInterval is how often idle workers poll the scheduled
	// job queue.
	DefaultQueuePollInterval = 250 * time.Millisecond

	// DefaultWorkerCount is the number of concurrent queue workers.
	DefaultWorkerCount = 10

	// DefaultTenantConcurrency caps simultaneously non-terminal executions
	// per tenant when a workflow does not configure its own cap.
	DefaultTenantConcurrency = 1_000

	// MaxStepCount is the maximum number of steps in a workflow definition.
	MaxStepCount = 1_000

	// MaxEventBodySize is the maximum size of an ingested event payload,
	// currently 512KB.
	MaxEventBodySize = 512 * 1024

	// DefaultLogPageSize is the page size for execution log listings when
	// none is requested.
	DefaultLogPageSize = 50

	// MaxLogPageSize bounds requested log page sizes.
	MaxLogPageSize = 1_000
)
