// Package ide tracks integrated-editor state (open files, active file,
// cursor, selection) and renders it as context messages for the model: a full
// snapshot when a session starts or history is rebuilt, a delta otherwise.
package ide

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gondel-ai/gondel/internal/logger"
)

// Cursor is a 1-based position in the active file.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Snapshot is the editor state at one instant.
type Snapshot struct {
	OpenFiles  []string `json:"openFiles"`
	ActiveFile string   `json:"activeFile,omitempty"`
	Cursor     *Cursor  `json:"cursor,omitempty"`
	Selection  string   `json:"selection,omitempty"`
	// ModifiedFiles lists files changed on disk since the previous snapshot
	// was taken, fed by the watcher.
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.OpenFiles = append([]string(nil), s.OpenFiles...)
	clone.ModifiedFiles = append([]string(nil), s.ModifiedFiles...)
	if s.Cursor != nil {
		c := *s.Cursor
		clone.Cursor = &c
	}
	return &clone
}

// Render describes the full snapshot for injection as a context message.
func (s *Snapshot) Render() string {
	var sb strings.Builder
	sb.WriteString("Editor state:\n")
	if len(s.OpenFiles) > 0 {
		sb.WriteString("Open files:\n")
		for _, f := range s.OpenFiles {
			sb.WriteString("  - " + f + "\n")
		}
	} else {
		sb.WriteString("No files open.\n")
	}
	if s.ActiveFile != "" {
		sb.WriteString("Active file: " + s.ActiveFile + "\n")
		if s.Cursor != nil {
			fmt.Fprintf(&sb, "Cursor: line %d, column %d\n", s.Cursor.Line, s.Cursor.Column)
		}
		if s.Selection != "" {
			sb.WriteString("Selected text:\n" + s.Selection + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// DiffFrom describes what changed relative to prev. An empty string means
// nothing worth telling the model about.
func (s *Snapshot) DiffFrom(prev *Snapshot) string {
	if prev == nil {
		return s.Render()
	}

	var lines []string

	opened, closed := diffFiles(prev.OpenFiles, s.OpenFiles)
	for _, f := range opened {
		lines = append(lines, "Opened: "+f)
	}
	for _, f := range closed {
		lines = append(lines, "Closed: "+f)
	}

	if s.ActiveFile != prev.ActiveFile {
		if s.ActiveFile != "" {
			lines = append(lines, "Active file is now: "+s.ActiveFile)
		} else {
			lines = append(lines, "No file is active anymore.")
		}
	}
	if cursorChanged(prev.Cursor, s.Cursor) && s.Cursor != nil {
		lines = append(lines, fmt.Sprintf("Cursor moved to line %d, column %d", s.Cursor.Line, s.Cursor.Column))
	}
	if s.Selection != prev.Selection {
		if s.Selection != "" {
			lines = append(lines, "Selected text:\n"+s.Selection)
		} else if prev.Selection != "" {
			lines = append(lines, "Selection cleared.")
		}
	}
	for _, f := range s.ModifiedFiles {
		lines = append(lines, "Changed on disk: "+f)
	}

	if len(lines) == 0 {
		return ""
	}
	return "Editor state changed:\n" + strings.Join(lines, "\n")
}

func diffFiles(prev, curr []string) (opened, closed []string) {
	prevSet := make(map[string]bool, len(prev))
	for _, f := range prev {
		prevSet[f] = true
	}
	currSet := make(map[string]bool, len(curr))
	for _, f := range curr {
		currSet[f] = true
		if !prevSet[f] {
			opened = append(opened, f)
		}
	}
	for _, f := range prev {
		if !currSet[f] {
			closed = append(closed, f)
		}
	}
	sort.Strings(opened)
	sort.Strings(closed)
	return opened, closed
}

func cursorChanged(prev, curr *Cursor) bool {
	if prev == nil || curr == nil {
		return prev != curr
	}
	return *prev != *curr
}

// Provider is the editor-context collaborator contract. The second return is
// false when no editor is attached.
type Provider interface {
	CurrentSnapshot() (*Snapshot, bool)
}

// Tracker is the default Provider: editor integrations push state in via
// Update, and an optional fsnotify watcher folds on-disk modifications into
// the next snapshot.
type Tracker struct {
	mu       sync.Mutex
	snap     *Snapshot
	modified map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTracker creates a tracker with no editor attached yet.
func NewTracker() *Tracker {
	return &Tracker{modified: make(map[string]bool)}
}

// Update replaces the tracked editor state.
func (t *Tracker) Update(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = snap.Clone()
}

// CurrentSnapshot returns the latest state, draining accumulated on-disk
// modifications into it. Returns false while no editor has reported state.
func (t *Tracker) CurrentSnapshot() (*Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snap == nil {
		return nil, false
	}
	snap := t.snap.Clone()
	if len(t.modified) > 0 {
		files := make([]string, 0, len(t.modified))
		for f := range t.modified {
			files = append(files, f)
		}
		sort.Strings(files)
		snap.ModifiedFiles = files
		t.modified = make(map[string]bool)
	}
	return snap, true
}

// Watch starts watching the given paths for writes. Safe to call once.
func (t *Tracker) Watch(paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create file watcher: %w", err)
	}
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return fmt.Errorf("cannot watch %s: %w", path, err)
		}
	}

	t.mu.Lock()
	t.watcher = watcher
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(watcher)
	return nil
}

func (t *Tracker) run(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			t.mu.Lock()
			t.modified[event.Name] = true
			t.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("ide: watcher error: %v", err)
		case <-t.done:
			return
		}
	}
}

// Close stops the watcher.
func (t *Tracker) Close() error {
	t.mu.Lock()
	watcher := t.watcher
	done := t.done
	t.watcher = nil
	t.done = nil
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
