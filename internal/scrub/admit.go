package scrub

import (
	"sort"
	"time"

	"deepscrub/internal/cluster"
)

// SaturationReason explains a cycle that admitted nothing by policy.
type SaturationReason string

const (
	NotSaturated     SaturationReason = ""
	CapSaturated     SaturationReason = "cap_saturated"
	TrackerSaturated SaturationReason = "tracker_saturated"
)

// SkipReason explains why a stale candidate was passed over.
type SkipReason string

const (
	SkipExcluded   SkipReason = "excluded"
	SkipTracked    SkipReason = "already_tracked"
	SkipContention SkipReason = "osd_busy"
)

// Decision is one deep scrub to start this cycle.
type Decision struct {
	PGID          string
	Acting        []cluster.OSD
	LastDeepScrub time.Time
}

// Skip records a candidate that was walked over without spending budget.
type Skip struct {
	PGID    string
	Reason  SkipReason
	Blocked []cluster.OSD // busy OSDs for SkipContention

	LastDeepScrub time.Time // zero when never deep scrubbed
}

// Plan is the outcome of one admission pass.
type Plan struct {
	Decisions  []Decision
	Skips      []Skip
	Saturation SaturationReason

	Cap        int
	ActiveDeep int
	Budget     int
	BusyOSDs   int
	Stale      int
	Total      int
}

// AdmitInput is everything one admission pass looks at.
type AdmitInput struct {
	Units   []cluster.Unit
	Tracker *Tracker
	Cap     int
	Now     time.Time
	Age     time.Duration
	Exclude map[string]struct{}
}

// Admit selects the deep scrubs to start this cycle and records them in the tracker.
//
// Invariants: len(Decisions) <= max(0, Cap-ActiveDeep), and no two decisions (nor a
// decision and a scrubbing placement group) share an OSD.
func Admit(in AdmitInput) Plan {
	plan := Plan{Cap: in.Cap, Total: len(in.Units)}

	busy := make(map[cluster.OSD]int)
	for _, u := range in.Units {
		if u.Scrubbing() {
			for _, o := range u.Acting {
				busy[o]++
			}
		}
		if u.DeepScrubbing() {
			plan.ActiveDeep++
		}
	}
	plan.BusyOSDs = len(busy)

	stale := staleCandidates(in.Units, in.Now.Add(-in.Age))
	plan.Stale = len(stale)

	if plan.ActiveDeep >= in.Cap {
		plan.Saturation = CapSaturated
		return plan
	}
	if in.Tracker.Len() >= in.Cap {
		plan.Saturation = TrackerSaturated
		return plan
	}
	plan.Budget = in.Cap - plan.ActiveDeep

	for _, u := range stale {
		if len(plan.Decisions) >= plan.Budget {
			break
		}
		if _, ok := in.Exclude[u.ID]; ok {
			plan.Skips = append(plan.Skips, Skip{PGID: u.ID, Reason: SkipExcluded, LastDeepScrub: u.LastDeepScrub})
			continue
		}
		if in.Tracker.Has(u.ID) {
			plan.Skips = append(plan.Skips, Skip{PGID: u.ID, Reason: SkipTracked, LastDeepScrub: u.LastDeepScrub})
			continue
		}
		var blocked []cluster.OSD
		for _, o := range u.Acting {
			if busy[o] > 0 {
				blocked = append(blocked, o)
			}
		}
		if len(blocked) > 0 {
			plan.Skips = append(plan.Skips, Skip{PGID: u.ID, Reason: SkipContention, Blocked: blocked, LastDeepScrub: u.LastDeepScrub})
			continue
		}

		for _, o := range u.Acting {
			busy[o]++
		}
		plan.Decisions = append(plan.Decisions, Decision{
			PGID:          u.ID,
			Acting:        append([]cluster.OSD(nil), u.Acting...),
			LastDeepScrub: u.LastDeepScrub,
		})
	}

	for _, d := range plan.Decisions {
		in.Tracker.Add(d.PGID, in.Now)
	}
	return plan
}

// staleCandidates returns units not deep scrubbing whose last deep scrub is at or
// before cutoff, never-scrubbed first, then oldest stamp, then pgid.
func staleCandidates(units []cluster.Unit, cutoff time.Time) []cluster.Unit {
	out := make([]cluster.Unit, 0, len(units))
	for _, u := range units {
		if u.DeepScrubbing() {
			continue
		}
		if u.NeverDeepScrubbed() || !u.LastDeepScrub.After(cutoff) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.NeverDeepScrubbed() != b.NeverDeepScrubbed() {
			return a.NeverDeepScrubbed()
		}
		if !a.LastDeepScrub.Equal(b.LastDeepScrub) {
			return a.LastDeepScrub.Before(b.LastDeepScrub)
		}
		return a.ID < b.ID
	})
	return out
}
