package supervise

import (
	"time"
)

// tracker derives per-case timing and an estimated time remaining from the
// log marker stream. A case timer opens on [CASE]; it is closed either by a
// workload-emitted [CASETIME] or synthetically when the next case opens (or
// the stream ends), so no case is ever left without a duration.
type tracker struct {
	now func() time.Time

	caseOpen  bool
	caseName  string
	caseStart time.Time

	avg    time.Duration
	count  int
	seeded bool

	done  int
	total int
}

func newTracker(now func() time.Time) *tracker {
	if now == nil {
		now = time.Now
	}
	return &tracker{now: now}
}

// seed primes the running average from historical durations so the first
// ETA of a run is not zero.
func (t *tracker) seed(avg time.Duration) {
	if avg > 0 && t.count == 0 {
		t.avg = avg
		t.count = 1
		t.seeded = true
	}
}

// seedable reports whether the average still carries no measurement from the
// current run, so a more specific historical seed may replace it.
func (t *tracker) seedable() bool {
	return t.count == 0 || (t.seeded && t.count == 1)
}

// refineSeed swaps a generic seed for a per-case historical average. Once a
// real duration from this run is recorded it does nothing.
func (t *tracker) refineSeed(avg time.Duration) {
	if avg > 0 && t.seedable() {
		t.avg = avg
		t.count = 1
		t.seeded = true
	}
}

// openCase starts a new case timer. When a previous timer is still running
// its name and duration are returned so the caller can emit a synthetic
// [CASETIME]; ok is false when there was nothing to close.
func (t *tracker) openCase(name string) (prevName string, prev time.Duration, ok bool) {
	if t.caseOpen {
		prevName, prev, ok = t.caseName, t.now().Sub(t.caseStart), true
		t.record(prev)
	}
	t.caseOpen = true
	t.caseName = name
	t.caseStart = t.now()
	return prevName, prev, ok
}

// closeCase records a workload-reported case duration and clears the timer.
func (t *tracker) closeCase(d time.Duration) (string, time.Duration) {
	name := t.caseName
	t.caseOpen = false
	t.record(d)
	return name, d
}

// finish closes a still-open case at end of stream.
func (t *tracker) finish() (name string, d time.Duration, ok bool) {
	if !t.caseOpen {
		return "", 0, false
	}
	name = t.caseName
	d = t.now().Sub(t.caseStart)
	t.caseOpen = false
	t.record(d)
	return name, d, true
}

func (t *tracker) record(d time.Duration) {
	t.count++
	t.avg += (d - t.avg) / time.Duration(t.count)
}

func (t *tracker) progress(done, total int) {
	t.done = done
	t.total = total
}

// eta returns avg case duration times remaining cases. ok is false until
// both a progress total and at least one duration are known.
func (t *tracker) eta() (time.Duration, bool) {
	if t.count == 0 || t.total == 0 {
		return 0, false
	}
	remaining := t.total - t.done
	if remaining < 0 {
		remaining = 0
	}
	return t.avg * time.Duration(remaining), true
}
