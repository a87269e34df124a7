package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

func TestAcquireNeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	g := New(Config{Concurrency: 3, MaxConcurrency: 3})
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inFlight.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			g.Release(p)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Zero(t, g.State().InFlight)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	g := New(Config{Concurrency: 1})
	p, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release(p)
	g.Release(p)
	assert.Zero(t, g.State().InFlight, "double release must not go negative")
}

func TestSetConcurrencyKeepsHeldPermits(t *testing.T) {
	t.Parallel()

	g := New(Config{Concurrency: 3, MaxConcurrency: 3})
	var held []uint64
	for i := 0; i < 3; i++ {
		p, err := g.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, p.Seq)
	}
	g.SetConcurrency(1)
	require.Equal(t, 3, g.State().InFlight)

	acquired := make(chan struct{})
	go func() {
		p, err := g.Acquire(context.Background())
		if err == nil {
			close(acquired)
			g.Release(p)
		}
	}()

	g.Release(harvest.Permit{Seq: held[0]})
	g.Release(harvest.Permit{Seq: held[1]})
	select {
	case <-acquired:
		t.Fatal("permit granted while in-flight >= new limit")
	case <-time.After(20 * time.Millisecond):
	}
	g.Release(harvest.Permit{Seq: held[2]})
	require.Eventually(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleAndRestore(t *testing.T) {
	t.Parallel()

	g := New(Config{Concurrency: 4, MaxConcurrency: 4, BaseDelay: time.Second, MaxDelay: 2 * time.Second})
	g.Throttle()
	st := g.State()
	assert.Equal(t, 2, st.Concurrency)
	assert.Equal(t, 1500*time.Millisecond, st.Delay)

	g.Throttle()
	g.Throttle()
	st = g.State()
	assert.Equal(t, 1, st.Concurrency, "floor is one")
	assert.Equal(t, 2*time.Second, st.Delay, "capped by max delay")

	for i := 0; i < 10; i++ {
		g.Restore()
	}
	st = g.State()
	assert.Equal(t, 4, st.Concurrency)
	assert.Equal(t, time.Second, st.Delay)
}

func TestThrottleGrowsZeroDelay(t *testing.T) {
	t.Parallel()

	g := New(Config{Concurrency: 2})
	g.Throttle()
	assert.Positive(t, g.CurrentDelay())
	for i := 0; i < 20; i++ {
		g.Restore()
	}
	assert.Less(t, g.CurrentDelay(), time.Millisecond)
}

func TestRecordRollingWindow(t *testing.T) {
	t.Parallel()

	g := New(Config{Window: 4})
	g.Record(false)
	g.Record(true)
	st := g.State()
	assert.Equal(t, 2, st.WindowOps)
	assert.Equal(t, 1, st.WindowErrors)
	assert.InDelta(t, 0.5, st.ErrorRate(), 1e-9)

	for i := 0; i < 4; i++ {
		g.Record(true)
	}
	st = g.State()
	assert.Equal(t, 4, st.WindowOps)
	assert.Zero(t, st.WindowErrors, "old failures roll out of the window")
}

func TestPauseUsesCurrentDelay(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	g := New(Config{BaseDelay: 250 * time.Millisecond}, WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	require.NoError(t, g.Pause(context.Background()))
	g.Throttle()
	require.NoError(t, g.Pause(context.Background()))
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 375 * time.Millisecond}, slept)
}

func TestPauseCanceled(t *testing.T) {
	t.Parallel()

	g := New(Config{BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.Pause(ctx), context.Canceled)
}
