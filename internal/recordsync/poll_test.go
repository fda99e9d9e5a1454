package recordsync

import (
	"testing"
	"time"
)

func TestPollSchedulerTicksImmediatelyThenOnInterval(t *testing.T) {
	clock := newFakeClock()
	poller := NewPollScheduler(clock, 0)
	var ticks []uint64
	poller.Start(time.Second, func(gen uint64) { ticks = append(ticks, gen) })

	if len(ticks) != 1 {
		t.Fatalf("expected immediate tick, got %d", len(ticks))
	}
	clock.Advance(999 * time.Millisecond)
	if len(ticks) != 1 {
		t.Fatalf("expected no tick before interval, got %d", len(ticks))
	}
	clock.Advance(time.Millisecond)
	clock.Advance(2 * time.Second)
	if len(ticks) != 4 {
		t.Fatalf("expected 4 ticks after 3s, got %d", len(ticks))
	}
	for _, gen := range ticks {
		if !poller.Current(gen) {
			t.Fatalf("expected tick generation %d to be current", gen)
		}
	}
}

func TestPollSchedulerStartWhileActiveIsNoop(t *testing.T) {
	clock := newFakeClock()
	poller := NewPollScheduler(clock, 0)
	count := 0
	poller.Start(time.Second, func(uint64) { count++ })
	poller.Start(time.Second, func(uint64) { count += 100 })

	if clock.pending() != 1 {
		t.Fatalf("expected a single armed timer, got %d", clock.pending())
	}
	clock.Advance(time.Second)
	if count != 2 {
		t.Fatalf("expected only the first onTick to run, got %d", count)
	}
}

func TestPollSchedulerStopPreventsFurtherTicks(t *testing.T) {
	clock := newFakeClock()
	poller := NewPollScheduler(clock, 0)
	var ticks []uint64
	poller.Start(time.Second, func(gen uint64) { ticks = append(ticks, gen) })
	inflight := ticks[0]

	poller.Stop()
	poller.Stop()
	clock.Advance(5 * time.Second)

	if len(ticks) != 1 {
		t.Fatalf("expected no ticks after stop, got %d", len(ticks))
	}
	if poller.Current(inflight) {
		t.Fatalf("expected in-flight generation to be stale after stop")
	}
	if poller.Active() {
		t.Fatalf("expected scheduler to be idle")
	}
}

func TestPollSchedulerRestartBumpsGeneration(t *testing.T) {
	clock := newFakeClock()
	poller := NewPollScheduler(clock, 0)
	var ticks []uint64
	onTick := func(gen uint64) { ticks = append(ticks, gen) }
	poller.Start(time.Second, onTick)
	poller.Stop()
	poller.Start(time.Second, onTick)

	if len(ticks) != 2 || ticks[0] == ticks[1] {
		t.Fatalf("expected distinct generations per session, got %v", ticks)
	}
	if poller.Current(ticks[0]) || !poller.Current(ticks[1]) {
		t.Fatalf("expected only the new session to be current")
	}
	clock.Advance(time.Second)
	if len(ticks) != 3 {
		t.Fatalf("expected old timer to stay cancelled, got %d ticks", len(ticks))
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected lower bound 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected upper bound 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 5, 0.5); got != base {
		t.Fatalf("expected clamped ratio to keep midpoint, got %s", got)
	}
}
