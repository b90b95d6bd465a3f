package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the control plane could not be reached at all.
	ErrConnection = errors.New("cluster unreachable")
	// ErrSnapshotUnavailable means the listing call failed or timed out.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	// ErrMalformedSnapshot means the listing came back but could not be decoded.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// LaunchError is a failed start request for one placement group.
type LaunchError struct {
	PGID   string
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("deep-scrub %s: %v", e.PGID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
