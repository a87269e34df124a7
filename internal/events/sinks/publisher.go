package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/publisher"
)

// StoredNotice is the JSON body announcing a stored artifact or a finished job.
type StoredNotice struct {
	JobID    string    `json:"job_id"`
	Type     string    `json:"type"`
	ItemID   string    `json:"item_id,omitempty"`
	Location string    `json:"location,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Encoded  bool      `json:"encoded,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Note     string    `json:"note,omitempty"`
	TS       time.Time `json:"ts"`
}

// PublisherSink publishes successful item events and job completion to a
// message bus. Other events are ignored.
type PublisherSink struct {
	pub   publisher.Publisher
	topic string
}

// NewPublisherSink wraps pub. An empty topic uses the publisher default.
func NewPublisherSink(pub publisher.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes the relevant events in batch, continuing past failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		notice, ok := noticeFor(evt)
		if !ok {
			continue
		}
		data, err := json.Marshal(notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal notice: %w", err))
			continue
		}
		if _, err := s.pub.Publish(ctx, publisher.Message{
			Topic: s.topic,
			Data:  data,
			Attributes: map[string]string{
				"event_type": string(evt.Type),
				"job_id":     evt.JobID,
			},
		}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

func noticeFor(evt events.Event) (StoredNotice, bool) {
	n := StoredNotice{JobID: evt.JobID, Type: string(evt.Type), TS: evt.TS}
	switch {
	case evt.Type == events.TypeItemDone && evt.Outcome == harvest.OutcomeSuccess:
		n.ItemID = evt.ItemID
		n.Location = evt.Location
		n.Bytes = evt.Bytes
		n.Encoded = evt.Encoded
		return n, true
	case evt.Type == events.TypeJobFinished:
		n.Phase = string(evt.Phase)
		n.Note = evt.Note
		return n, true
	default:
		return n, false
	}
}

// Close closes the underlying publisher.
func (s *PublisherSink) Close(context.Context) error {
	if err := s.pub.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
