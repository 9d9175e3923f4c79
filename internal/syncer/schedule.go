package syncer

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one call of fn, made once
// delay has passed without a new trigger. Only one timer is ever
// pending; a trigger stops it before arming a new one.
type debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   Timer
	pending bool
	gen     uint64
	stopped bool
}

func newDebouncer(clock Clock, delay time.Duration, fn func()) *debouncer {
	return &debouncer{clock: clock, delay: delay, fn: fn}
}

// Trigger marks work pending and restarts the quiet period.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = true

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Pending reports whether a call is scheduled.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pending
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}

	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// poller calls fn every interval. The next tick is armed only after fn
// returns, so a slow fn never overlaps itself.
type poller struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   Timer
	running bool
	gen     uint64
}

func newPoller(clock Clock, interval time.Duration, fn func()) *poller {
	return &poller{clock: clock, interval: interval, fn: fn}
}

// Start begins polling. Starting a running poller restarts its period.
func (p *poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}

	p.running = true
	p.gen++
	p.scheduleLocked()
}

func (p *poller) scheduleLocked() {
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *poller) tick(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running && gen == p.gen {
		p.scheduleLocked()
	}
}

// Stop cancels the pending tick.
func (p *poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
	p.gen++

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
