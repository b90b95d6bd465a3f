package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventKind is what happened to a placement group.
type EventKind string

const (
	EventLaunched     EventKind = "launched"
	EventLaunchFailed EventKind = "launch_failed"
	EventCompleted    EventKind = "completed"
	EventAnomaly      EventKind = "anomaly"
	EventVanished     EventKind = "vanished"
)

// Event is one history record. Keep it compact and schema-stable.
type Event struct {
	At       time.Time     `json:"at"`
	Cycle    string        `json:"cycle,omitempty"`
	Kind     EventKind     `json:"kind"`
	PGID     string        `json:"pgid"`
	Duration time.Duration `json:"duration,omitempty"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}
