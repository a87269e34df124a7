package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/clock/system"
	"github.com/JakeFAU/artifact-harvester/internal/governor"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

type fakeMemory struct {
	mu    sync.Mutex
	rss   uint64
	avail uint64
	total uint64
	err   error
}

func (f *fakeMemory) ProcessRSS(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rss, f.err
}

func (f *fakeMemory) SystemAvailable(context.Context) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail, f.total, f.err
}

func newGov() *governor.Governor {
	return governor.New(governor.Config{Concurrency: 4, MaxConcurrency: 4, BaseDelay: time.Second, Window: 10})
}

func record(g *governor.Governor, ok, failed int) {
	for i := 0; i < ok; i++ {
		g.Record(true)
	}
	for i := 0; i < failed; i++ {
		g.Record(false)
	}
}

func TestEvaluateThrottlesAboveThreshold(t *testing.T) {
	t.Parallel()

	g := newGov()
	record(g, 8, 2)
	m := New(Config{}, g, nil, nil, nil)
	ev := m.Evaluate(context.Background(), 10)
	assert.True(t, ev.Throttled)
	assert.InDelta(t, 0.2, ev.ErrorRate, 1e-9)
	assert.Equal(t, 2, g.Concurrency())
	assert.NotEmpty(t, ev.Alerts)
}

func TestEvaluateRestoresWhenHealthy(t *testing.T) {
	t.Parallel()

	g := newGov()
	g.Throttle()
	record(g, 10, 0)
	m := New(Config{}, g, &fakeMemory{rss: 10, avail: 50, total: 100}, nil, nil)
	ev := m.Evaluate(context.Background(), 10)
	assert.True(t, ev.Restored)
	assert.False(t, ev.Throttled)
	assert.Equal(t, 3, g.Concurrency())
}

func TestEvaluateHoldsInDeadBand(t *testing.T) {
	t.Parallel()

	g := newGov()
	g.Throttle()
	// 1 in 10 is above threshold/2 and not above threshold.
	record(g, 9, 1)
	ev := New(Config{}, g, nil, nil, nil).Evaluate(context.Background(), 10)
	assert.False(t, ev.Throttled)
	assert.False(t, ev.Restored)
	assert.Equal(t, 2, g.Concurrency())
}

func TestEvaluateAtMaxReportsNoRestore(t *testing.T) {
	t.Parallel()

	g := newGov()
	record(g, 5, 0)
	ev := New(Config{}, g, nil, nil, nil).Evaluate(context.Background(), 5)
	assert.False(t, ev.Restored)
}

func TestEvaluateMemoryCeilings(t *testing.T) {
	t.Parallel()

	g := newGov()
	g.Throttle()
	mem := &fakeMemory{rss: 600, avail: 1, total: 100}
	m := New(Config{SoftMemory: 500, HardMemory: 1000}, g, mem, nil, nil)

	ev := m.Evaluate(context.Background(), 0)
	assert.False(t, ev.Abort)
	assert.False(t, ev.Restored, "soft ceiling blocks restore")
	assert.Len(t, ev.Alerts, 2)
	assert.Equal(t, uint64(600), ev.MemoryBytes)

	mem.mu.Lock()
	mem.rss = 1000
	mem.mu.Unlock()
	ev = m.Evaluate(context.Background(), 0)
	assert.True(t, ev.Abort)
	assert.Contains(t, ev.AbortReason, "hard ceiling")
}

func TestEvaluateMemoryReadErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	g := newGov()
	ev := New(Config{HardMemory: 1}, g, &fakeMemory{err: errors.New("procfs gone")}, nil, nil).
		Evaluate(context.Background(), 0)
	assert.False(t, ev.Abort)
}

func TestEvaluateThroughput(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Unix(0, 0))
	m := New(Config{}, newGov(), nil, clk, nil)
	clk.Advance(10 * time.Second)
	ev := m.Evaluate(context.Background(), 50)
	assert.InDelta(t, 5.0, ev.Throughput, 1e-9)

	m.Reset()
	ev = m.Evaluate(context.Background(), 50)
	assert.Zero(t, ev.Throughput)
}

func TestProcessMemoryReadsCurrentProcess(t *testing.T) {
	t.Parallel()

	pm, err := NewProcessMemory()
	require.NoError(t, err)
	rss, err := pm.ProcessRSS(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rss)
}

var _ harvest.Monitor = (*Monitor)(nil)
