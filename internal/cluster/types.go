package cluster

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client is the cluster command/status surface used by the controller.
type Client interface {
	// Snapshot returns a point-in-time listing of all placement groups.
	// A snapshot either fully succeeds or fails; partial listings are never returned.
	Snapshot(ctx context.Context) ([]Unit, error)

	// StartDeepScrub asks the cluster to deep scrub one placement group.
	// The request is one-shot and carries no acknowledgment guarantee.
	StartDeepScrub(ctx context.Context, pgid string) (string, error)
}

// OSD identifies a storage device. Concurrent scrubs sharing one are avoided.
type OSD int

// CRUSH_ITEM_NONE; shows up in erasure-coded acting sets with missing shards.
const osdNone OSD = 2147483647

func (o OSD) String() string { return "osd." + strconv.Itoa(int(o)) }

// Unit is one placement group as observed in a snapshot.
type Unit struct {
	ID            string
	State         StateSet
	LastDeepScrub time.Time // zero: never deep scrubbed
	Acting        []OSD
}

// NeverDeepScrubbed reports whether the cluster has no deep scrub stamp for the unit.
func (u Unit) NeverDeepScrubbed() bool { return u.LastDeepScrub.IsZero() }

// DeepScrubbing reports whether the unit is tagged "scrubbing+deep".
func (u Unit) DeepScrubbing() bool { return u.State.Has(TagScrubbing, TagDeep) }

// Scrubbing reports whether the unit is running any scrub (shallow or deep).
func (u Unit) Scrubbing() bool { return u.State.Has(TagScrubbing) }

// Tag is a single placement group state flag.
type Tag string

const (
	TagActive    Tag = "active"
	TagClean     Tag = "clean"
	TagScrubbing Tag = "scrubbing"
	TagDeep      Tag = "deep"
)

// StateSet is the set of tags that make up a placement group state such as
// "active+clean+scrubbing+deep".
type StateSet map[Tag]struct{}

// ParseState splits a "+"-joined state string into a set.
func ParseState(raw string) StateSet {
	s := StateSet{}
	for _, part := range strings.Split(raw, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s[Tag(part)] = struct{}{}
	}
	return s
}

// NewState builds a set from tags.
func NewState(tags ...Tag) StateSet {
	s := make(StateSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether every given tag is in the set.
func (s StateSet) Has(tags ...Tag) bool {
	for _, t := range tags {
		if _, ok := s[t]; !ok {
			return false
		}
	}
	return true
}

// String renders the set in a stable order.
func (s StateSet) String() string {
	parts := make([]string, 0, len(s))
	for t := range s {
		parts = append(parts, string(t))
	}
	sort.Strings(parts)
	return strings.Join(parts, "+")
}
