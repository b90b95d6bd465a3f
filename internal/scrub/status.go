package scrub

import "time"

// CycleSummary is the last finished cycle as shown on the status page.
type CycleSummary struct {
	Cycle      string    `json:"cycle"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Saturation string    `json:"saturation,omitempty"`
	Cap        int       `json:"cap"`
	ActiveDeep int       `json:"active_deep"`
	Stale      int       `json:"stale"`
	Total      int       `json:"total"`
	Launched   int       `json:"launched"`
	Failed     int       `json:"failed"`
	Reconciled int       `json:"reconciled"`
}

// Status is a point-in-time view of the controller for operators.
type Status struct {
	Now           time.Time     `json:"now"`
	WindowOpen    bool          `json:"window_open"`
	Cap           int           `json:"cap"`
	MaxConcurrent int           `json:"max_concurrent"`
	StalenessAge  string        `json:"staleness_age"`
	Excluded      int           `json:"excluded"`
	InFlight      []InFlight    `json:"in_flight"`
	Last          *CycleSummary `json:"last_cycle,omitempty"`
}

func summarize(r Result, at time.Time) *CycleSummary {
	return &CycleSummary{
		Cycle:      r.Cycle,
		FinishedAt: at,
		Outcome:    r.Outcome,
		Saturation: string(r.Plan.Saturation),
		Cap:        r.Plan.Cap,
		ActiveDeep: r.Plan.ActiveDeep,
		Stale:      r.Plan.Stale,
		Total:      r.Plan.Total,
		Launched:   r.Launched,
		Failed:     r.Failed,
		Reconciled: len(r.Reconciled),
	}
}

// Status reports the policy in effect, the tracked deep scrubs and the last cycle.
func (c *Controller) Status() Status {
	now := c.clock.Now()
	c.mu.Lock()
	pol := c.policy
	last := c.last
	c.mu.Unlock()

	return Status{
		Now:           now,
		WindowOpen:    pol.Window.Permitted(now),
		Cap:           pol.CapAt(now),
		MaxConcurrent: pol.MaxConcurrent,
		StalenessAge:  pol.StalenessAge.String(),
		Excluded:      len(pol.Exclude),
		InFlight:      c.tracker.Entries(),
		Last:          last,
	}
}
