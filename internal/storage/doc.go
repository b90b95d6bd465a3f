// Package storage keeps an operator-facing history of deep scrub activity.
//
// It records launches, completions and anomalies so they can be inspected after
// the fact. It is NOT used to restore in-flight state: every controller run
// starts with an empty tracker.
package storage
