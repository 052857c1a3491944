package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ggmlforge/internal/logging"
)

func TestPruneLogsRemovesOnlyStaleMatches(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().AddDate(0, 0, -30)

	write := func(name string, mtime time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write(logging.RunLogFile("20260101T000000Z"), old)
	current := write(logging.RunLogFile("20260102T000000Z"), old)
	fresh := write(logging.RunLogFile("20261015T000000Z"), time.Now())
	other := write(logging.DefaultLogFile, old)

	removed := logging.PruneLogs(logging.NewNop(), dir, logging.RunLogPattern, 14, current)
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale run log removed, stat err=%v", err)
	}
	for _, path := range []string{current, fresh, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to survive: %v", filepath.Base(path), err)
		}
	}
}

func TestPruneLogsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, logging.RunLogFile("x"))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().AddDate(-1, 0, 0)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if removed := logging.PruneLogs(nil, dir, logging.RunLogPattern, 0); removed != 0 {
		t.Fatalf("expected pruning disabled, removed %d", removed)
	}
}
