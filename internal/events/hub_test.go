package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func sample(t Type) Event {
	return Event{JobID: "job-1", TS: time.Now(), Type: t}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, MaxWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sample(TypeJobStarted))
	hub.Emit(sample(TypeBatchDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 100, MaxWait: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sample(TypeJobStarted))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	hub.Emit(sample(TypeJobFinished))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatch: 100, MaxWait: time.Minute}, sink)
	hub.Emit(sample(TypeJobStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.closed)

	hub.Emit(sample(TypeJobStarted))
	require.Len(t, sink.Batches(), 1, "emit after close is ignored")
}

func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{in: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	for i := 0; i < 100; i++ {
		hub.Emit(sample(TypeJobStarted))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 99, hub.Dropped(), "first drop is logged and reset")
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Event{}.Validate())
	require.Error(t, Event{JobID: "j", TS: time.Now(), Type: "nope"}.Validate())
	require.Error(t, Event{JobID: "j", TS: time.Now(), Type: TypeItemDone}.Validate())
	require.Error(t, Event{JobID: "j", TS: time.Now(), Type: TypeAlert}.Validate())
	require.NoError(t, Event{
		JobID: "j", TS: time.Now(), Type: TypeItemDone, ItemID: "a", Outcome: harvest.OutcomeSuccess,
	}.Validate())
	require.NoError(t, Event{JobID: "j", TS: time.Now(), Type: TypePhase, Phase: harvest.PhaseHarvesting}.Validate())
}
