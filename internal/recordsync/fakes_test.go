package recordsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, when: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order. Callbacks
// run without the clock lock so they can re-arm.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, timer := range c.timers {
			if timer.stopped || timer.fired || timer.when.After(target) {
				continue
			}
			if next == nil || timer.when.Before(next.when) {
				next = timer
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

type sentCommand struct {
	Kind    Kind
	ID      string
	Command CommandKind
	Payload map[string]any
}

type fakeRemote struct {
	mu       sync.Mutex
	lists    map[Kind][]WireRecord
	fetchErr error
	fetches  int
	fetchFn  func(ctx context.Context, kind Kind) ([]WireRecord, error)
	sendFn   func(ctx context.Context, kind Kind, id string, command CommandKind) error
	sent     []sentCommand
	created  []map[string]any
}

func (r *fakeRemote) FetchList(ctx context.Context, kind Kind, ownerID string) ([]WireRecord, error) {
	r.mu.Lock()
	r.fetches++
	fn := r.fetchFn
	list := append([]WireRecord(nil), r.lists[kind]...)
	err := r.fetchErr
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, kind)
	}
	return list, err
}

func (r *fakeRemote) SendCommand(ctx context.Context, kind Kind, id string, command CommandKind, payload map[string]any) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentCommand{Kind: kind, ID: id, Command: command, Payload: payload})
	fn := r.sendFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, kind, id, command)
	}
	return nil
}

func (r *fakeRemote) CreateRecord(ctx context.Context, kind Kind, payload map[string]any) (WireRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, payload)
	out := WireRecord{"id": float64(len(r.created))}
	for key, value := range payload {
		out[key] = value
	}
	return out, nil
}

func (r *fakeRemote) setList(kind Kind, list []WireRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lists == nil {
		r.lists = map[Kind][]WireRecord{}
	}
	r.lists[kind] = list
}

func (r *fakeRemote) setFetchErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchErr = err
}

func (r *fakeRemote) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

func (r *fakeRemote) sentCommands() []sentCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentCommand(nil), r.sent...)
}

type fakeOutbox struct {
	mu       sync.Mutex
	failures []Failure
}

func (o *fakeOutbox) RecordFailure(ctx context.Context, failure Failure, payload map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, failure)
	return nil
}

func (o *fakeOutbox) recorded() []Failure {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Failure(nil), o.failures...)
}

type failureLog struct {
	mu       sync.Mutex
	failures []Failure
}

func (l *failureLog) report(failure Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure)
}

func (l *failureLog) all() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Failure(nil), l.failures...)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
