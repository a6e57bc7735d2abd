package engine

import (
	"fmt"
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
)

// DefaultViolationTimeout is how long a person may stay without a helmet
// before a critical alert fires.
const DefaultViolationTimeout = 10 * time.Second

// ViolationRecord is the state kept for a person during an unbroken violating streak.
type ViolationRecord struct {
	StartTime time.Time
	Warned    bool
}

// ViolationTracker debounces per-frame "no helmet" verdicts into edge-triggered
// alerts. A record exists only while its person was non-compliant on the
// previous tick; any absence deletes it and restarts the timer.
//
// It is not safe for concurrent use. Each video source owns its own tracker.
type ViolationTracker struct {
	records  map[types.PersonID]*ViolationRecord
	lastTick time.Time
}

// NewViolationTracker returns an empty tracker.
func NewViolationTracker() *ViolationTracker {
	return &ViolationTracker{records: make(map[types.PersonID]*ViolationRecord)}
}

// Tick advances the tracker by one processed frame. It must be called exactly
// once per frame with monotonically non-decreasing timestamps.
//
// Returned alerts are ordered: critical alerts by ascending person id, then
// resolved notices by ascending person id.
func (t *ViolationTracker) Tick(now time.Time, nonCompliant PersonSet, timeout time.Duration) []types.AlertEvent {
	if !t.lastTick.IsZero() && now.Before(t.lastTick) {
		panic(fmt.Sprintf("engine: tick at %v precedes previous tick at %v", now, t.lastTick))
	}
	t.lastTick = now

	var alerts []types.AlertEvent

	for _, id := range nonCompliant.Sorted() {
		rec, ok := t.records[id]
		if !ok {
			t.records[id] = &ViolationRecord{StartTime: now}
			continue
		}
		if rec.Warned {
			continue
		}
		if elapsed := now.Sub(rec.StartTime); elapsed > timeout {
			rec.Warned = true
			alerts = append(alerts, types.AlertEvent{
				Kind:     types.AlertViolation,
				Severity: types.SeverityCritical,
				PersonID: id,
				Message:  fmt.Sprintf("PERSON ID %d - no helmet for %s", id, timeout),
				Time:     now,
				Elapsed:  elapsed,
			})
		}
	}

	gone := make(PersonSet)
	for id := range t.records {
		if !nonCompliant.Has(id) {
			gone[id] = struct{}{}
		}
	}
	for _, id := range gone.Sorted() {
		rec := t.records[id]
		if rec.Warned {
			alerts = append(alerts, types.AlertEvent{
				Kind:     types.AlertResolved,
				Severity: types.SeverityInfo,
				PersonID: id,
				Message:  fmt.Sprintf("PERSON ID %d - violation resolved", id),
				Time:     now,
				Elapsed:  now.Sub(rec.StartTime),
			})
		}
		delete(t.records, id)
	}

	return alerts
}

// Len returns the number of persons currently in a violating streak.
func (t *ViolationTracker) Len() int { return len(t.records) }

// Record returns a copy of the state held for id.
func (t *ViolationTracker) Record(id types.PersonID) (ViolationRecord, bool) {
	rec, ok := t.records[id]
	if !ok {
		return ViolationRecord{}, false
	}
	return *rec, true
}

// Reset drops every record without emitting alerts.
func (t *ViolationTracker) Reset() {
	t.records = make(map[types.PersonID]*ViolationRecord)
	t.lastTick = time.Time{}
}
