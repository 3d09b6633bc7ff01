package agent

import (
	"sync"
	"testing"
	"time"
)

func TestDailyCounters_Record(t *testing.T) {
	dc := NewDailyCounters(time.UTC)
	dc.OnPublished()
	dc.OnPublished()
	dc.OnDropped()
	dc.OnInvalid()
	dc.OnTag()

	want := CounterSnapshot{Published: 2, Dropped: 1, Invalid: 1, Tags: 1}
	if got := dc.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestDailyCounters_ZeroInitially(t *testing.T) {
	dc := NewDailyCounters(nil)
	if got := dc.Snapshot(); got != (CounterSnapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero", got)
	}
}

func TestDailyCounters_Concurrent(t *testing.T) {
	dc := NewDailyCounters(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc.OnPublished()
			dc.OnDropped()
		}()
	}
	wg.Wait()

	got := dc.Snapshot()
	if got.Published != 100 || got.Dropped != 100 {
		t.Errorf("Snapshot() = %+v, want 100 published and dropped", got)
	}
}

func TestDailyCounters_MidnightReset(t *testing.T) {
	dc := NewDailyCounters(time.UTC)
	dc.OnPublished()
	dc.OnInvalid()

	// Simulate date change by manipulating the resetDay field directly.
	dc.mu.Lock()
	dc.resetDay = time.Now().In(dc.loc).YearDay() - 1
	dc.mu.Unlock()

	if got := dc.Snapshot(); got != (CounterSnapshot{}) {
		t.Errorf("Snapshot() after reset = %+v, want zero", got)
	}

	dc.OnTag()
	if got := dc.Snapshot(); got.Tags != 1 {
		t.Errorf("Tags after reset = %d, want 1", got.Tags)
	}
}
