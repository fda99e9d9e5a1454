package recordsync

import (
	"math/rand"
	"sync"
	"time"
)

// PollScheduler owns the interval timer for one "view is active" lifetime.
// Every Start and Stop advances the generation, so a fetch tagged with an old
// generation can be recognized as stale when it completes.
type PollScheduler struct {
	clock  Clock
	jitter float64

	mu       sync.Mutex
	active   bool
	gen      uint64
	interval time.Duration
	onTick   func(gen uint64)
	timer    Timer
	rng      *rand.Rand
}

func NewPollScheduler(clock Clock, jitterRatio float64) *PollScheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &PollScheduler{
		clock:  clock,
		jitter: clampJitterRatio(jitterRatio),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start fires onTick immediately and then every interval until Stop. It is a
// no-op while already active. onTick runs under the scheduler lock and must
// hand work off rather than block.
func (p *PollScheduler) Start(interval time.Duration, onTick func(gen uint64)) {
	if interval <= 0 || onTick == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.gen++
	p.interval = interval
	p.onTick = onTick
	gen := p.gen
	onTick(gen)
	p.armLocked(gen)
}

// Stop cancels the timer. Once it returns no further onTick runs.
func (p *PollScheduler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.active = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.onTick = nil
}

func (p *PollScheduler) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *PollScheduler) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Current reports whether gen belongs to the live session.
func (p *PollScheduler) Current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.gen == gen
}

func (p *PollScheduler) armLocked(gen uint64) {
	delay := jitteredIntervalWithSample(p.interval, p.jitter, p.rng.Float64())
	p.timer = p.clock.AfterFunc(delay, func() { p.fire(gen) })
}

func (p *PollScheduler) fire(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.gen != gen {
		return
	}
	p.onTick(gen)
	p.armLocked(gen)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
