package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fisaks/devsim/internal/devsim"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestCommands(t *testing.T) {
	j := openTestJournal(t)

	j.ObserveCommand(devsim.CommandRequest{Name: "stop", RequestID: "r1"}, devsim.Succeeded("Stop Succeeded"), 2*time.Millisecond)
	j.ObserveCommand(devsim.CommandRequest{Name: "set-reading", RequestID: "r2"}, devsim.Failed(400, "bad"), time.Millisecond)

	entries, err := j.RecentCommands(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentCommands() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	newest := entries[0]
	if newest.Name != "set-reading" || newest.RequestID != "r2" || newest.Status != 400 || newest.Message != "bad" {
		t.Errorf("newest entry = %+v", newest)
	}
	if entries[1].Duration != 2*time.Millisecond {
		t.Errorf("duration = %v, want 2ms", entries[1].Duration)
	}
	if newest.At.IsZero() {
		t.Error("timestamp not parsed")
	}

	limited, err := j.RecentCommands(context.Background(), 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("RecentCommands(1) = %d entries, err %v", len(limited), err)
	}
}

func TestConfigChanges(t *testing.T) {
	j := openTestJournal(t)

	j.ObserveConfig(map[string]any{"freq": int64(1000)})
	j.ObserveConfig(map[string]any{"cadenceMillis": int64(250)})

	entries, err := j.RecentConfigChanges(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentConfigChanges() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Applied["cadenceMillis"] != float64(250) {
		t.Errorf("newest applied = %v", entries[0].Applied)
	}
	if entries[1].Applied["freq"] != float64(1000) {
		t.Errorf("oldest applied = %v", entries[1].Applied)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	j.ObserveCommand(devsim.CommandRequest{Name: "start"}, devsim.Succeeded("Start Succeeded"), 0)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	entries, err := j.RecentCommands(context.Background(), 10)
	if err != nil || len(entries) != 1 {
		t.Errorf("after reopen: %d entries, err %v", len(entries), err)
	}
}
