package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	d := newDebouncer(clock, 180*time.Millisecond, func() { calls++ })

	for range 5 {
		d.Trigger()
		clock.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, 0, calls)
	assert.True(t, d.Pending())
	assert.Equal(t, 1, clock.Active(), "only one timer may be pending")

	clock.Advance(80 * time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, d.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, 1, calls)
}

func TestDebouncer_StopCancelsAndIgnoresLaterTriggers(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	d := newDebouncer(clock, 180*time.Millisecond, func() { calls++ })

	d.Trigger()
	d.Stop()
	d.Trigger()
	clock.Advance(time.Second)

	assert.Equal(t, 0, calls)
	assert.False(t, d.Pending())
	assert.Equal(t, 0, clock.Active())
}

func TestPoller_FiresEveryInterval(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	p := newPoller(clock, time.Minute, func() { calls++ })

	p.Start()
	clock.Advance(59 * time.Second)
	assert.Equal(t, 0, calls)

	clock.Advance(time.Second)
	assert.Equal(t, 1, calls)

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, clock.Active())
}

func TestPoller_StopFromCallbackPreventsReschedule(t *testing.T) {
	clock := newFakeClock()
	calls := 0

	var p *poller
	p = newPoller(clock, time.Minute, func() {
		calls++
		p.Stop()
	})

	p.Start()
	clock.Advance(5 * time.Minute)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, clock.Active())
}

func TestPoller_RestartResetsPeriod(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	p := newPoller(clock, time.Minute, func() { calls++ })

	p.Start()
	clock.Advance(50 * time.Second)
	p.Start()
	clock.Advance(50 * time.Second)
	assert.Equal(t, 0, calls)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, calls)
	p.Stop()
}
