package scrub

import (
	"sort"
	"sync"
	"time"

	"deepscrub/internal/cluster"
)

// ReconcileKind says how a tracked deep scrub left the tracker.
type ReconcileKind string

const (
	// Completed: no longer deep scrubbing and the stamp is fresh.
	Completed ReconcileKind = "completed"
	// Anomaly: no longer deep scrubbing but the stamp is still stale.
	Anomaly ReconcileKind = "anomaly"
	// Vanished: the placement group is gone from the snapshot (merge/delete).
	Vanished ReconcileKind = "vanished"
)

// Reconciliation describes one cleared tracker entry.
type Reconciliation struct {
	PGID          string
	Kind          ReconcileKind
	StartedAt     time.Time
	Duration      time.Duration
	LastDeepScrub time.Time
}

// InFlight is a tracker entry as exposed to status readers.
type InFlight struct {
	PGID      string    `json:"pgid"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker holds the controller's belief about which deep scrubs it started and
// has not yet seen finish. It lives for the lifetime of one process.
//
// The controller is the only writer; the mutex exists for concurrent status readers.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{entries: map[string]time.Time{}}
}

func (t *Tracker) Add(pgid string, at time.Time) {
	t.mu.Lock()
	t.entries[pgid] = at
	t.mu.Unlock()
}

func (t *Tracker) Has(pgid string) bool {
	t.mu.RLock()
	_, ok := t.entries[pgid]
	t.mu.RUnlock()
	return ok
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns the tracked scrubs ordered by start time, then pgid.
func (t *Tracker) Entries() []InFlight {
	t.mu.RLock()
	out := make([]InFlight, 0, len(t.entries))
	for id, at := range t.entries {
		out = append(out, InFlight{PGID: id, StartedAt: at})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].PGID < out[j].PGID
	})
	return out
}

// Reconcile compares every tracked entry with a fresh snapshot and clears the
// ones that are no longer deep scrubbing. Entries still deep scrubbing are kept.
//
// It never fails: an entry whose completion cannot be confirmed is still cleared
// and reported as Anomaly (or Vanished), so stale beliefs cannot accumulate.
func (t *Tracker) Reconcile(units []cluster.Unit, now time.Time, age time.Duration) []Reconciliation {
	byID := make(map[string]cluster.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	freshAfter := now.Add(-age)

	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Reconciliation
	for _, id := range ids {
		started := t.entries[id]
		u, ok := byID[id]
		if ok && u.DeepScrubbing() {
			continue
		}
		r := Reconciliation{PGID: id, StartedAt: started, Duration: now.Sub(started)}
		switch {
		case !ok:
			r.Kind = Vanished
		case u.LastDeepScrub.After(freshAfter):
			r.Kind = Completed
			r.LastDeepScrub = u.LastDeepScrub
		default:
			r.Kind = Anomaly
			r.LastDeepScrub = u.LastDeepScrub
		}
		delete(t.entries, id)
		out = append(out, r)
	}
	return out
}
