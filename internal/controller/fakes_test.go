package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/extract"
	"github.com/JakeFAU/artifact-harvester/internal/governor"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/retry"
	"github.com/JakeFAU/artifact-harvester/internal/store"
)

// fakeSource returns "body-<id>" unless fail says otherwise for that call.
type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	fail  func(id string, call int) error
	body  func(id string) []byte
	delay time.Duration

	inFlight int
	peak     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: map[string]int{}}
}

func (s *fakeSource) Fetch(_ context.Context, id string) (harvest.Raw, error) {
	s.mu.Lock()
	s.calls[id]++
	call := s.calls[id]
	s.order = append(s.order, id)
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	fail, body, delay := s.fail, s.body, s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		if err := fail(id, call); err != nil {
			return harvest.Raw{}, err
		}
	}
	b := []byte("body-" + id)
	if body != nil {
		b = body(id)
	}
	return harvest.Raw{Body: b, ContentType: "text/plain"}, nil
}

func (s *fakeSource) Calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *fakeSource) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *fakeSource) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

type fakeSink struct {
	mu     sync.Mutex
	stored map[string][]byte
	fail   func(id string, payload []byte) error
}

func newFakeSink() *fakeSink {
	return &fakeSink{stored: map[string][]byte{}}
}

func (s *fakeSink) Store(_ context.Context, id string, payload []byte, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(id, payload); err != nil {
			return "", err
		}
	}
	s.stored[id] = append([]byte(nil), payload...)
	return "mem://" + id, nil
}

func (s *fakeSink) Stored() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.stored))
	for k, v := range s.stored {
		out[k] = v
	}
	return out
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Store(ctx context.Context, id string, payload []byte, metadata map[string]string) (string, error) {
	args := m.Called(ctx, id, payload, metadata)
	return args.String(0), args.Error(1)
}

// truncFitter cuts payloads down to the ceiling.
type truncFitter struct {
	mu       sync.Mutex
	ceilings []int
}

func (f *truncFitter) Fit(payload []byte, ceiling int) ([]byte, harvest.FitResult, error) {
	f.mu.Lock()
	f.ceilings = append(f.ceilings, ceiling)
	f.mu.Unlock()
	if len(payload) <= ceiling {
		return payload, harvest.FitResult{Bytes: len(payload)}, nil
	}
	return payload[:ceiling], harvest.FitResult{Changed: true, Rounds: 1, Bytes: ceiling}, nil
}

func (f *truncFitter) Ceilings() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ceilings...)
}

type memBackend struct {
	mu       sync.Mutex
	data     map[string]harvest.ProgressRecord
	persists int
	failFrom int
}

func (b *memBackend) ReadAll(context.Context) (map[string]harvest.ProgressRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]harvest.ProgressRecord{}
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) Persist(_ context.Context, snap store.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persists++
	if b.failFrom > 0 && b.persists >= b.failFrom {
		return fmt.Errorf("disk full")
	}
	b.data = snap.All
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fakeMonitor struct {
	mu     sync.Mutex
	calls  int
	resets int
	eval   func(call int) harvest.Evaluation
}

func (m *fakeMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *fakeMonitor) Resets() (resets, evals int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets, m.calls
}

func (m *fakeMonitor) Evaluate(context.Context, int) harvest.Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.eval == nil {
		return harvest.Evaluation{}
	}
	return m.eval(m.calls)
}

type harness struct {
	source  *fakeSource
	sink    *fakeSink
	backend *memBackend
	store   *store.Store
	gov     *governor.Governor
	emitter *recordingEmitter
	fitter  *truncFitter
	tuning  harvest.Tuning
	monitor harvest.Monitor
	tracer  trace.Tracer
}

func newHarness() *harness {
	backend := &memBackend{}
	return &harness{
		source:  newFakeSource(),
		sink:    newFakeSink(),
		backend: backend,
		store:   store.New(backend, nil),
		emitter: &recordingEmitter{},
		fitter:  &truncFitter{},
		tuning: harvest.Tuning{
			Concurrency: 3,
			MaxRetries:  3,
			BatchSize:   5,
			ByteCeiling: 1 << 20,
		},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func (h *harness) controller(t *testing.T, ids ...string) *Controller {
	t.Helper()
	items := make([]harvest.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = harvest.WorkItem{ID: id}
	}
	return h.controllerItems(t, items)
}

func (h *harness) controllerItems(t *testing.T, items []harvest.WorkItem) *Controller {
	t.Helper()
	tuning := h.tuning.WithDefaults()
	if h.gov == nil {
		h.gov = governor.New(governor.Config{
			Concurrency:    tuning.Concurrency,
			MaxConcurrency: tuning.MaxConcurrency,
		}, governor.WithSleep(noSleep))
	}
	c, err := New(Config{Items: items, Tuning: h.tuning}, Deps{
		Source:    h.source,
		Extractor: extract.NewPassthrough(nil),
		Sink:      h.sink,
		Fitter:    h.fitter,
		Store:     h.store,
		Governor:  h.gov,
		Retry:     retry.New(retry.Config{MaxRetries: tuning.MaxRetries}, h.gov),
		Monitor:   h.monitor,
		Events:    h.emitter,
		Tracer:    h.tracer,
	})
	require.NoError(t, err)
	c.sleep = noSleep
	return c
}

func seq(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("item-%02d", i+1)
	}
	return out
}
