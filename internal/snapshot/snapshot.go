// Package snapshot records pre-change copies of workspace files so a build
// step can be undone. Each recorded operation gets its own timestamped
// directory containing the saved file contents plus a manifest; the manifest
// is written last, so a directory without one is an aborted recording and is
// ignored.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var ErrNoSnapshot = errors.New("no snapshot recorded")

const manifestName = "manifest.json"

// Change describes one file a task is about to touch.
type Change struct {
	Path   string `json:"path"`
	Action string `json:"action" enum:"created,modified,deleted"`
}

type Entry struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Saved  string `json:"saved,omitempty"`
}

type Manifest struct {
	SessionID string  `json:"session_id"`
	TaskID    string  `json:"task_id"`
	CreatedAt string  `json:"created_at"`
	Entries   []Entry `json:"entries"`
}

// Recorder writes snapshots under Root/<session-id>/<timestamp>-<task-id>/.
type Recorder struct {
	Root string
	Now  func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Record saves the current contents of every file the changes will modify or
// delete. Files marked created do not exist yet; only their paths are noted.
// Returns the snapshot directory.
func (r Recorder) Record(sessionID, taskID string, changes []Change) (string, error) {
	if len(changes) == 0 {
		return "", errors.New("no changes to record")
	}
	ts := r.now().UTC().Format("20060102T150405.000000000")
	dir := filepath.Join(r.Root, sessionID, ts+"-"+taskID)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return "", err
	}
	m := Manifest{
		SessionID: sessionID,
		TaskID:    taskID,
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}
	for i, c := range changes {
		entry := Entry{Path: c.Path, Action: c.Action}
		if c.Action != "created" {
			saved := filepath.Join("files", fmt.Sprintf("%d", i))
			if err := copyFile(c.Path, filepath.Join(dir, saved)); err != nil {
				os.RemoveAll(dir)
				return "", fmt.Errorf("snapshot %s: %w", c.Path, err)
			}
			entry.Saved = saved
		}
		m.Entries = append(m.Entries, entry)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Latest returns the most recent valid snapshot directory for a session.
func (r Recorder) Latest(sessionID string) (string, Manifest, error) {
	root := filepath.Join(r.Root, sessionID)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", Manifest{}, ErrNoSnapshot
		}
		return "", Manifest{}, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		dir := filepath.Join(root, name)
		m, err := readManifest(dir)
		if err != nil {
			continue // no manifest, recording never finished
		}
		return dir, m, nil
	}
	return "", Manifest{}, ErrNoSnapshot
}

// RestoreResult reports what a restore did. Created files are not removed
// automatically; they are listed for the caller to delete.
type RestoreResult struct {
	Restored       []string `json:"restored"`
	PendingRemoval []string `json:"pending_removal,omitempty"`
}

// Restore puts back the saved contents of every modified or deleted file in
// the snapshot. The snapshot directory is left in place.
func Restore(dir string) (RestoreResult, error) {
	m, err := readManifest(dir)
	if err != nil {
		return RestoreResult{}, err
	}
	var res RestoreResult
	for _, entry := range m.Entries {
		if entry.Action == "created" {
			res.PendingRemoval = append(res.PendingRemoval, entry.Path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err != nil {
			return res, err
		}
		if err := copyFile(filepath.Join(dir, entry.Saved), entry.Path); err != nil {
			return res, fmt.Errorf("restore %s: %w", entry.Path, err)
		}
		res.Restored = append(res.Restored, entry.Path)
	}
	return res, nil
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", dir, err)
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
