// Package events carries job, item and monitor events from the controller to
// pluggable sinks. The Hub batches events on a background goroutine so that
// emitting never blocks the harvest loop.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Type names what happened.
type Type string

// Event types emitted by the controller and monitor.
const (
	TypeJobStarted  Type = "job.started"
	TypePhase       Type = "job.phase"
	TypeItemDone    Type = "item.done"
	TypeBatchDone   Type = "batch.done"
	TypeAlert       Type = "monitor.alert"
	TypeJobFinished Type = "job.finished"
)

// Event is one observation of a running job. Fields beyond JobID, TS and Type
// are set according to Type.
type Event struct {
	JobID string
	TS    time.Time
	Type  Type

	// Phase is set for phase and job events.
	Phase harvest.Phase

	// Item fields.
	ItemID   string
	Outcome  harvest.OutcomeClass
	Kind     harvest.Kind
	Location string
	Bytes    int64
	Attempts int
	Encoded  bool
	Rounds   int

	// Rate is the governor state after a batch.
	Rate harvest.RateState
	// Dur is the item, batch or job wall time.
	Dur time.Duration
	// Note carries alert text or an abort reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	switch e.Type {
	case TypeJobStarted, TypeJobFinished, TypeBatchDone:
	case TypePhase:
		if e.Phase == "" {
			return errors.New("phase event requires phase")
		}
	case TypeItemDone:
		if e.ItemID == "" || e.Outcome == "" {
			return errors.New("item event requires item id and outcome")
		}
	case TypeAlert:
		if e.Note == "" {
			return errors.New("alert requires note")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
