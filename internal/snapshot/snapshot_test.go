package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRecordAndRestore(t *testing.T) {
	workspace := t.TempDir()
	rec := Recorder{Root: filepath.Join(workspace, "rollbacks"), Now: fixedNow}

	modified := filepath.Join(workspace, "src", "main.txt")
	deleted := filepath.Join(workspace, "src", "old.txt")
	created := filepath.Join(workspace, "src", "new.txt")
	writeFile(t, modified, "original")
	writeFile(t, deleted, "kept")

	dir, err := rec.Record("sess-1", "task-0-0", []Change{
		{Path: modified, Action: "modified"},
		{Path: deleted, Action: "deleted"},
		{Path: created, Action: "created"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}

	// Simulate the task running.
	writeFile(t, modified, "broken")
	if err := os.Remove(deleted); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeFile(t, created, "brand new")

	res, err := Restore(dir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, err := os.ReadFile(modified)
	if err != nil || string(data) != "original" {
		t.Fatalf("modified file not restored: %q (%v)", data, err)
	}
	data, err = os.ReadFile(deleted)
	if err != nil || string(data) != "kept" {
		t.Fatalf("deleted file not restored: %q (%v)", data, err)
	}
	if len(res.Restored) != 2 {
		t.Fatalf("expected 2 restored paths, got %v", res.Restored)
	}
	// Created files are reported, never removed.
	if len(res.PendingRemoval) != 1 || res.PendingRemoval[0] != created {
		t.Fatalf("expected created file listed for removal, got %v", res.PendingRemoval)
	}
	if _, err := os.Stat(created); err != nil {
		t.Fatalf("created file must survive restore: %v", err)
	}
}

func TestRecordMissingFileAborts(t *testing.T) {
	workspace := t.TempDir()
	rec := Recorder{Root: filepath.Join(workspace, "rollbacks"), Now: fixedNow}

	_, err := rec.Record("sess-1", "task-0-0", []Change{
		{Path: filepath.Join(workspace, "nope.txt"), Action: "modified"},
	})
	if err == nil {
		t.Fatalf("expected error for missing source file")
	}
	entries, err := os.ReadDir(filepath.Join(rec.Root, "sess-1"))
	if err == nil && len(entries) != 0 {
		t.Fatalf("aborted recording must not leave a directory, got %v", entries)
	}
}

func TestRecordRejectsEmptyChangeSet(t *testing.T) {
	rec := Recorder{Root: t.TempDir(), Now: fixedNow}
	if _, err := rec.Record("sess-1", "task-0-0", nil); err == nil {
		t.Fatalf("expected error for empty change set")
	}
}

func TestLatestSkipsUnfinishedRecordings(t *testing.T) {
	workspace := t.TempDir()
	rec := Recorder{Root: filepath.Join(workspace, "rollbacks"), Now: fixedNow}

	target := filepath.Join(workspace, "a.txt")
	writeFile(t, target, "content")
	dir, err := rec.Record("sess-1", "task-0-0", []Change{{Path: target, Action: "modified"}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// A later directory without a manifest is an aborted recording.
	orphan := filepath.Join(rec.Root, "sess-1", "99999999T000000.000000000-task-0-1")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}

	latest, manifest, err := rec.Latest("sess-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != dir || manifest.TaskID != "task-0-0" {
		t.Fatalf("expected valid snapshot %s, got %s (%+v)", dir, latest, manifest)
	}
}

func TestLatestNoSnapshot(t *testing.T) {
	rec := Recorder{Root: t.TempDir(), Now: fixedNow}
	if _, _, err := rec.Latest("sess-unknown"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestLatestOrdersByTimestamp(t *testing.T) {
	workspace := t.TempDir()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Recorder{Root: filepath.Join(workspace, "rollbacks"), Now: func() time.Time { return clock }}

	target := filepath.Join(workspace, "a.txt")
	writeFile(t, target, "one")
	if _, err := rec.Record("sess-1", "task-0-0", []Change{{Path: target, Action: "modified"}}); err != nil {
		t.Fatalf("first record: %v", err)
	}

	clock = clock.Add(time.Second)
	writeFile(t, target, "two")
	second, err := rec.Record("sess-1", "task-0-1", []Change{{Path: target, Action: "modified"}})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}

	latest, manifest, err := rec.Latest("sess-1")
	if err != nil || latest != second || manifest.TaskID != "task-0-1" {
		t.Fatalf("expected newest snapshot, got %s (%+v, %v)", latest, manifest, err)
	}
}
