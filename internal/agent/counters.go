package agent

import (
	"sync"
	"time"
)

// DailyCounters tracks the agent's publish outcomes for the current
// local day and resets at midnight. It is safe for concurrent use; the
// metrics endpoint and CLI may read it while the loop writes.
type DailyCounters struct {
	mu        sync.Mutex
	published int64
	dropped   int64
	invalid   int64
	tags      int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
}

// CounterSnapshot is a point-in-time copy of [DailyCounters].
type CounterSnapshot struct {
	Published int64
	Dropped   int64
	Invalid   int64
	Tags      int64
}

// NewDailyCounters creates counters using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounters{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnPublished records a reading accepted by the broker session.
func (d *DailyCounters) OnPublished() { d.add(&d.published) }

// OnDropped records a reading lost because the session was down or the
// transport failed.
func (d *DailyCounters) OnDropped() { d.add(&d.dropped) }

// OnInvalid records a sensor failure or non-finite reading.
func (d *DailyCounters) OnInvalid() { d.add(&d.invalid) }

// OnTag records an RFID detection.
func (d *DailyCounters) OnTag() { d.add(&d.tags) }

func (d *DailyCounters) add(field *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	*field++
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounters) Snapshot() CounterSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return CounterSnapshot{
		Published: d.published,
		Dropped:   d.dropped,
		Invalid:   d.invalid,
		Tags:      d.tags,
	}
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.published = 0
		d.dropped = 0
		d.invalid = 0
		d.tags = 0
		d.resetDay = today
	}
}
