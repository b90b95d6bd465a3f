package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type pgStat struct {
	PGID               string `json:"pgid"`
	State              string `json:"state"`
	LastDeepScrubStamp string `json:"last_deep_scrub_stamp"`
	Acting             []int  `json:"acting"`
}

// pgDump covers both layouts of `ceph pg dump --format json`: older releases put
// pg_stats at the top level, newer ones nest it under pg_map.
type pgDump struct {
	PGStats *[]pgStat `json:"pg_stats"`
	PGMap   *struct {
		PGStats *[]pgStat `json:"pg_stats"`
	} `json:"pg_map"`
}

var stampLayouts = []string{
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02 15:04:05.999999",
	time.RFC3339Nano,
}

// ParsePGDump decodes a pg dump into units. Any decoding problem yields ErrMalformedSnapshot.
func ParsePGDump(b []byte) ([]Unit, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedSnapshot)
	}
	var d pgDump
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	var stats *[]pgStat
	switch {
	case d.PGStats != nil:
		stats = d.PGStats
	case d.PGMap != nil && d.PGMap.PGStats != nil:
		stats = d.PGMap.PGStats
	default:
		return nil, fmt.Errorf("%w: pg_stats missing", ErrMalformedSnapshot)
	}

	units := make([]Unit, 0, len(*stats))
	seen := make(map[string]struct{}, len(*stats))
	for _, st := range *stats {
		id := strings.TrimSpace(st.PGID)
		if id == "" {
			return nil, fmt.Errorf("%w: pg without pgid", ErrMalformedSnapshot)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate pgid %s", ErrMalformedSnapshot, id)
		}
		seen[id] = struct{}{}

		stamp, err := ParseStamp(st.LastDeepScrubStamp)
		if err != nil {
			return nil, fmt.Errorf("%w: pg %s: %v", ErrMalformedSnapshot, id, err)
		}
		acting := make([]OSD, 0, len(st.Acting))
		for _, o := range st.Acting {
			if OSD(o) == osdNone || o < 0 {
				continue
			}
			acting = append(acting, OSD(o))
		}
		units = append(units, Unit{
			ID:            id,
			State:         ParseState(st.State),
			LastDeepScrub: stamp,
			Acting:        acting,
		})
	}
	return units, nil
}

// ParseStamp parses a ceph scrub stamp. Empty, "0.000000" and epoch stamps mean never.
func ParseStamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.Trim(s, "0.") == "" {
		return time.Time{}, nil
	}
	for _, layout := range stampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Unix() <= 0 {
			return time.Time{}, nil
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid stamp %q", raw)
}
