package harvest

import (
	"time"
)

// Phase is the lifecycle state of a Job.
type Phase string

// Job phases in the order the controller walks them.
const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseHarvesting Phase = "harvesting"
	PhaseStoring    Phase = "storing"
	PhaseOptimizing Phase = "optimizing"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// Status is the persisted processing state of one work item.
type Status string

// Progress record statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// WorkItem is one unit of work identified by an opaque source id.
type WorkItem struct {
	ID       string
	Priority int
	Attempts int
}

// ProgressRecord is the durable state of a single work item.
type ProgressRecord struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"timestamp"`
	Location  string    `json:"location,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// Artifact is the normalized output for one work item.
type Artifact struct {
	ID          string
	ContentType string
	Metadata    map[string]string
	Payload     []byte
}

// Size returns the payload length in bytes.
func (a Artifact) Size() int {
	return len(a.Payload)
}

// FitResult describes what the encoder did to a payload.
type FitResult struct {
	Changed bool
	Rounds  int
	Quality int
	Bytes   int
	Width   int
	Height  int
}

// Raw is what a Source returns for one id.
type Raw struct {
	Body        []byte
	ContentType string
}

// Job tracks one execution of the pipeline.
type Job struct {
	ID         string
	Phase      Phase
	StartedAt  time.Time
	FinishedAt time.Time
	Target     int
	Processed  int
	Succeeded  int
	Failed     int
	Skipped    int
}

// RateState is a point-in-time view of the governor.
type RateState struct {
	Concurrency    int           `json:"concurrency"`
	MaxConcurrency int           `json:"max_concurrency"`
	Delay          time.Duration `json:"delay"`
	InFlight       int           `json:"in_flight"`
	WindowOps      int           `json:"window_ops"`
	WindowErrors   int           `json:"window_errors"`
}

// ErrorRate returns the rolling error ratio, zero when the window is empty.
func (s RateState) ErrorRate() float64 {
	if s.WindowOps == 0 {
		return 0
	}
	return float64(s.WindowErrors) / float64(s.WindowOps)
}

// JobReport summarizes a finished (or aborted) job.
type JobReport struct {
	JobID          string    `json:"job_id"`
	Phase          Phase     `json:"phase"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	AbortReason    string    `json:"abort_reason,omitempty"`
	FinalRateState RateState `json:"final_rate_state"`
}

// Duration returns the wall time of the job.
func (r JobReport) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// OutcomeClass is the coarse result of processing an item.
type OutcomeClass string

// Outcome classes returned by ProcessItem.
const (
	OutcomeSuccess   OutcomeClass = "success"
	OutcomeRetryable OutcomeClass = "retryable-failure"
	OutcomePermanent OutcomeClass = "permanent-failure"
)

// Outcome is the classified result of ProcessItem.
type Outcome struct {
	Item      WorkItem
	Class     OutcomeClass
	Kind      Kind
	Location  string
	Attempts  int
	Bytes     int
	Encoded   bool
	Rounds    int
	Err       error
	Duration  time.Duration
	Duplicate bool
}

// Succeeded reports whether the item reached the sink.
func (o Outcome) Succeeded() bool {
	return o.Class == OutcomeSuccess
}

// Tuning carries the knobs consumed at job start.
type Tuning struct {
	Concurrency    int
	MaxConcurrency int
	Delay          time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	BatchSize      int
	ByteCeiling    int
	SweepFailed    bool
	ResumeFailed   bool
}

// Default tuning values.
const (
	DefaultConcurrency = 3
	DefaultDelay       = time.Second
	DefaultMaxRetries  = 3
	DefaultBatchSize   = 50
	DefaultByteCeiling = 10 << 20
)

// WithDefaults fills zero fields.
func (t Tuning) WithDefaults() Tuning {
	if t.Concurrency <= 0 {
		t.Concurrency = DefaultConcurrency
	}
	if t.MaxConcurrency < t.Concurrency {
		t.MaxConcurrency = t.Concurrency
	}
	if t.Delay < 0 {
		t.Delay = DefaultDelay
	}
	if t.MaxDelay <= 0 {
		t.MaxDelay = 30 * time.Second
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.BatchSize <= 0 {
		t.BatchSize = DefaultBatchSize
	}
	if t.ByteCeiling <= 0 {
		t.ByteCeiling = DefaultByteCeiling
	}
	return t
}
