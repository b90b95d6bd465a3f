package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "deepscrub/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "history.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()
			exerciseStore(t, st)
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	events := []Event{
		{At: base, Cycle: "c1", Kind: EventLaunched, PGID: "1.0", Output: "instructing pg 1.0"},
		{At: base.Add(time.Hour), Cycle: "c2", Kind: EventCompleted, PGID: "1.0", Duration: 55 * time.Minute},
		{At: base.Add(2 * time.Hour), Cycle: "c3", Kind: EventLaunchFailed, PGID: "2.0", Error: "timed out"},
	}
	for _, e := range events {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent len = %d, want 2", len(got))
	}
	if got[0].Kind != EventLaunchFailed || got[0].Error != "timed out" {
		t.Fatalf("newest = %+v", got[0])
	}
	if got[1].Kind != EventCompleted || got[1].Duration != 55*time.Minute {
		t.Fatalf("second = %+v", got[1])
	}

	n, err := st.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	got, err = st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent after prune: %v", err)
	}
	if len(got) != 1 || got[0].PGID != "2.0" {
		t.Fatalf("after prune = %+v", got)
	}

	// Appends keep working after a prune rewrote the journal.
	if err := st.Append(ctx, Event{At: base.Add(3 * time.Hour), Kind: EventAnomaly, PGID: "3.0"}); err != nil {
		t.Fatalf("Append after prune: %v", err)
	}
	got, _ = st.Recent(ctx, 10)
	if len(got) != 2 || got[0].Kind != EventAnomaly {
		t.Fatalf("after append = %+v", got)
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "h.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	journal := filepath.Join(dir, "h.history.jsonl")
	if err := os.WriteFile(journal, []byte("{not json\n"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Append(context.Background(), Event{Kind: EventVanished, PGID: "4.0"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := st.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].PGID != "4.0" {
		t.Fatalf("Recent = %+v", got)
	}
}
