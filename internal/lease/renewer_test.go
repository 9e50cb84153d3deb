package lease

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Interval(10*time.Minute, time.Minute))
	assert.Equal(t, time.Minute, Interval(90*time.Second, time.Minute))
}

func TestNextDelaySpeedsUpLinearly(t *testing.T) {
	normal := 5 * time.Minute
	assert.Equal(t, normal, nextDelay(normal, time.Minute, 0))
	assert.Equal(t, 150*time.Second, nextDelay(normal, time.Minute, 1))
	assert.Equal(t, 100*time.Second, nextDelay(normal, time.Minute, 2))
	assert.Equal(t, 75*time.Second, nextDelay(normal, time.Minute, 3))
	assert.Equal(t, time.Minute, nextDelay(normal, time.Minute, 4))
	assert.Equal(t, time.Minute, nextDelay(normal, time.Minute, 50))
}

func TestRenewerExtendsPeriodically(t *testing.T) {
	var calls atomic.Int32
	var renewed atomic.Int32
	r := NewRenewer(20*time.Millisecond, time.Millisecond, func(context.Context) (time.Time, error) {
		calls.Add(1)
		return time.Now(), nil
	}, Hooks{Renewed: func(time.Time) { renewed.Add(1) }}, testLogger())

	r.Start()
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 2*time.Millisecond)
	r.Stop()

	assert.False(t, r.Running())
	assert.GreaterOrEqual(t, r.Renewals(), int64(3))
	assert.Equal(t, calls.Load(), renewed.Load())

	after := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "extend called after Stop returned")
}

func TestRenewerFailuresAreNotFatal(t *testing.T) {
	var calls atomic.Int32
	var failed atomic.Int32
	r := NewRenewer(20*time.Millisecond, time.Millisecond, func(context.Context) (time.Time, error) {
		if calls.Add(1) <= 2 {
			return time.Time{}, errors.New("storage unavailable")
		}
		return time.Now(), nil
	}, Hooks{Failed: func(error) { failed.Add(1) }}, testLogger())

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return r.Renewals() >= 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(2), failed.Load())
	assert.True(t, r.Running())
}

func TestRenewerStopBeforeFirstTick(t *testing.T) {
	var calls atomic.Int32
	r := NewRenewer(time.Hour, time.Minute, func(context.Context) (time.Time, error) {
		calls.Add(1)
		return time.Now(), nil
	}, Hooks{}, testLogger())

	r.Stop()
	r.Start()
	require.True(t, r.Running())
	r.Stop()
	r.Stop()

	assert.False(t, r.Running())
	assert.Zero(t, calls.Load())
}

func TestRenewerStartStopNeverLeavesTwoLoops(t *testing.T) {
	r := NewRenewer(10*time.Millisecond, time.Millisecond, func(context.Context) (time.Time, error) {
		return time.Now(), nil
	}, Hooks{}, testLogger())

	var wg sync.WaitGroup
	var peak atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.Start()
			} else {
				r.Stop()
			}
			if n := r.loops.Load(); n > peak.Load() {
				peak.Store(n)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(1))
	r.Stop()
	assert.Equal(t, int32(0), r.loops.Load())
}

func TestRenewerIgnoresCallerCancellation(t *testing.T) {
	var calls atomic.Int32
	r := NewRenewer(10*time.Millisecond, time.Millisecond, func(context.Context) (time.Time, error) {
		calls.Add(1)
		return time.Now(), nil
	}, Hooks{}, testLogger())

	pollCtx, cancel := context.WithCancel(context.Background())
	r.Start()
	cancel()
	<-pollCtx.Done()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	r.Stop()
}

func TestTrackerSingleRenewerPerKey(t *testing.T) {
	tr := NewTracker()
	mk := func() *Renewer {
		return NewRenewer(time.Hour, time.Minute, func(context.Context) (time.Time, error) {
			return time.Now(), nil
		}, Hooks{}, testLogger())
	}

	first := mk()
	got, started := tr.Start("msg-1", first)
	require.True(t, started)
	assert.Same(t, first, got)

	second := mk()
	got, started = tr.Start("msg-1", second)
	assert.False(t, started)
	assert.Same(t, first, got)
	assert.False(t, second.Running())
	assert.Equal(t, 1, tr.Len())

	_, _ = tr.Start("msg-2", mk())
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, tr.Keys())

	tr.Stop("msg-1")
	assert.False(t, first.Running())
	assert.Equal(t, 1, tr.Len())

	tr.StopAll()
	assert.Equal(t, 0, tr.Len())
}
