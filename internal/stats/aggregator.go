// Package stats rolls terminal job events into cumulative counters and
// time-bucketed aggregates for reporting.
package stats

import (
	"fmt"
	"sync"
	"time"

	"media-pipeline/internal/domain"
)

// Outcome is the terminal result of one (job, stage) pair.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// maxDailyBuckets bounds the daily history kept in the record.
const maxDailyBuckets = 30

// Counts is a success/failure pair.
type Counts struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Record is the aggregate statistics state. Buckets are keyed by the event's
// wall-clock timestamp at fixed UTC day / ISO-week / month boundaries.
type Record struct {
	TotalSuccess int `json:"totalSuccess"`
	TotalFailure int `json:"totalFailure"`

	Stages map[domain.Stage]*Counts `json:"stages"`

	Daily   map[string]*Counts `json:"daily"`
	Weekly  map[string]*Counts `json:"weekly"`
	Monthly map[string]*Counts `json:"monthly"`

	LastUpdated time.Time `json:"lastUpdated"`
}

func newRecord() Record {
	return Record{
		Stages:  make(map[domain.Stage]*Counts),
		Daily:   make(map[string]*Counts),
		Weekly:  make(map[string]*Counts),
		Monthly: make(map[string]*Counts),
	}
}

// Aggregator is the sole writer of the statistics record. Snapshot returns
// deep copies, so an in-progress Record call is never observable.
type Aggregator struct {
	mu     sync.Mutex
	record Record
	store  Store
	now    func() time.Time
}

// Store persists the statistics record between runs.
type Store interface {
	Load() (Record, bool, error)
	Save(Record) error
}

// NewAggregator creates an aggregator, restoring persisted state when the
// store has any. A nil store keeps statistics in memory only.
func NewAggregator(store Store) (*Aggregator, error) {
	a := &Aggregator{
		record: newRecord(),
		store:  store,
		now:    time.Now,
	}
	if store != nil {
		rec, ok, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load stats: %w", err)
		}
		if ok {
			a.record = normalize(rec)
		}
	}
	return a, nil
}

// Record rolls one terminal (job, stage) event into the counters and the
// current day/week/month buckets.
func (a *Aggregator) Record(jobID string, stage domain.Stage, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()

	if outcome == OutcomeSuccess {
		a.record.TotalSuccess++
	} else {
		a.record.TotalFailure++
	}

	bump(a.record.Stages, stage, outcome)
	bumpKey(a.record.Daily, dayKey(now), outcome)
	bumpKey(a.record.Weekly, weekKey(now), outcome)
	bumpKey(a.record.Monthly, monthKey(now), outcome)
	pruneDaily(a.record.Daily)
	a.record.LastUpdated = now

	if a.store != nil {
		// Persistence is best-effort; a failed write must not fail the job.
		_ = a.store.Save(a.record)
	}
}

// Snapshot returns a deep copy of the statistics record.
func (a *Aggregator) Snapshot() Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := newRecord()
	out.TotalSuccess = a.record.TotalSuccess
	out.TotalFailure = a.record.TotalFailure
	out.LastUpdated = a.record.LastUpdated
	for stage, c := range a.record.Stages {
		copied := *c
		out.Stages[stage] = &copied
	}
	copyBuckets(out.Daily, a.record.Daily)
	copyBuckets(out.Weekly, a.record.Weekly)
	copyBuckets(out.Monthly, a.record.Monthly)
	return out
}

func bump(m map[domain.Stage]*Counts, stage domain.Stage, outcome Outcome) {
	c, ok := m[stage]
	if !ok {
		c = &Counts{}
		m[stage] = c
	}
	if outcome == OutcomeSuccess {
		c.Success++
	} else {
		c.Failure++
	}
}

func bumpKey(m map[string]*Counts, key string, outcome Outcome) {
	c, ok := m[key]
	if !ok {
		c = &Counts{}
		m[key] = c
	}
	if outcome == OutcomeSuccess {
		c.Success++
	} else {
		c.Failure++
	}
}

// pruneDaily drops the oldest day buckets beyond the retention window.
// Lexicographic order matches chronological order for the key format.
func pruneDaily(daily map[string]*Counts) {
	for len(daily) > maxDailyBuckets {
		oldest := ""
		for key := range daily {
			if oldest == "" || key < oldest {
				oldest = key
			}
		}
		delete(daily, oldest)
	}
}

func copyBuckets(dst, src map[string]*Counts) {
	for key, c := range src {
		copied := *c
		dst[key] = &copied
	}
}

// normalize re-creates any nil maps from a partially populated stored record.
func normalize(rec Record) Record {
	if rec.Stages == nil {
		rec.Stages = make(map[domain.Stage]*Counts)
	}
	if rec.Daily == nil {
		rec.Daily = make(map[string]*Counts)
	}
	if rec.Weekly == nil {
		rec.Weekly = make(map[string]*Counts)
	}
	if rec.Monthly == nil {
		rec.Monthly = make(map[string]*Counts)
	}
	return rec
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
