package harvest

import (
	"context"
	"time"
)

// Source fetches the raw representation of a record by id.
type Source interface {
	Fetch(ctx context.Context, id string) (Raw, error)
}

// Extractor turns a raw record into an Artifact.
type Extractor interface {
	Extract(ctx context.Context, item WorkItem, raw Raw) (Artifact, error)
}

// Sink persists a payload and returns its stored location.
type Sink interface {
	Store(ctx context.Context, id string, payload []byte, metadata map[string]string) (string, error)
}

// Fitter shrinks a payload until it fits ceiling bytes or returns ErrUnfittable.
type Fitter interface {
	Fit(payload []byte, ceiling int) ([]byte, FitResult, error)
}

// ProgressStore is the durable id to ProgressRecord map.
type ProgressStore interface {
	Load(ctx context.Context) (map[string]ProgressRecord, error)
	Upsert(id string, record ProgressRecord) bool
	Get(id string) (ProgressRecord, bool)
	Flush(ctx context.Context) error
}

// Permit is a granted concurrency slot.
type Permit struct {
	Seq uint64
}

// Governor bounds in-flight work and paces operations.
type Governor interface {
	Acquire(ctx context.Context) (Permit, error)
	Release(p Permit)
	Pause(ctx context.Context) error
	CurrentDelay() time.Duration
	Concurrency() int
	Record(success bool)
	Throttle()
	Restore()
	State() RateState
}

// RetryDecision tells the controller what to do after a failed attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed attempt is retried.
type RetryPolicy interface {
	Decide(item WorkItem, err error, attempt int) RetryDecision
}

// Evaluation is the monitor's verdict after a batch.
type Evaluation struct {
	ErrorRate   float64
	MemoryBytes uint64
	Throughput  float64
	Throttled   bool
	Restored    bool
	Alerts      []string
	Abort       bool
	AbortReason string
}

// Monitor observes the run and tunes the governor.
type Monitor interface {
	Evaluate(ctx context.Context, processed int) Evaluation
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for artifact metadata.
type Hasher interface {
	Hash(data []byte) (string, error)
}
