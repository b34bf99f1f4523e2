package ide

import (
	"strings"
	"testing"
)

func TestRenderFullSnapshot(t *testing.T) {
	snap := &Snapshot{
		OpenFiles:  []string{"main.go", "util.go"},
		ActiveFile: "main.go",
		Cursor:     &Cursor{Line: 10, Column: 4},
		Selection:  "func main() {",
	}

	out := snap.Render()
	for _, want := range []string{"main.go", "util.go", "line 10, column 4", "func main() {"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEmptySnapshot(t *testing.T) {
	out := (&Snapshot{}).Render()
	if !strings.Contains(out, "No files open") {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestDiffFromNilIsFullSnapshot(t *testing.T) {
	snap := &Snapshot{OpenFiles: []string{"a.go"}}
	if got := snap.DiffFrom(nil); got != snap.Render() {
		t.Error("diff against nil should render the full snapshot")
	}
}

func TestDiffReportsOpenedAndClosed(t *testing.T) {
	prev := &Snapshot{OpenFiles: []string{"a.go", "b.go"}}
	curr := &Snapshot{OpenFiles: []string{"b.go", "c.go"}}

	out := curr.DiffFrom(prev)
	if !strings.Contains(out, "Opened: c.go") {
		t.Errorf("missing opened file: %q", out)
	}
	if !strings.Contains(out, "Closed: a.go") {
		t.Errorf("missing closed file: %q", out)
	}
}

func TestDiffReportsCursorAndSelection(t *testing.T) {
	prev := &Snapshot{ActiveFile: "a.go", Cursor: &Cursor{Line: 1, Column: 1}}
	curr := &Snapshot{ActiveFile: "a.go", Cursor: &Cursor{Line: 5, Column: 2}, Selection: "x := 1"}

	out := curr.DiffFrom(prev)
	if !strings.Contains(out, "line 5, column 2") {
		t.Errorf("missing cursor move: %q", out)
	}
	if !strings.Contains(out, "x := 1") {
		t.Errorf("missing selection: %q", out)
	}
}

func TestDiffUnchangedIsEmpty(t *testing.T) {
	snap := &Snapshot{
		OpenFiles:  []string{"a.go"},
		ActiveFile: "a.go",
		Cursor:     &Cursor{Line: 3, Column: 1},
	}
	if out := snap.Clone().DiffFrom(snap); out != "" {
		t.Errorf("unchanged state should produce no delta, got %q", out)
	}
}

func TestTrackerNoEditorAttached(t *testing.T) {
	tracker := NewTracker()
	if _, ok := tracker.CurrentSnapshot(); ok {
		t.Error("tracker without updates should report no snapshot")
	}
}

func TestTrackerUpdateAndSnapshotIsolation(t *testing.T) {
	tracker := NewTracker()
	tracker.Update(Snapshot{OpenFiles: []string{"a.go"}, ActiveFile: "a.go"})

	snap, ok := tracker.CurrentSnapshot()
	if !ok {
		t.Fatal("expected a snapshot after update")
	}
	snap.OpenFiles[0] = "mutated"

	again, _ := tracker.CurrentSnapshot()
	if again.OpenFiles[0] != "a.go" {
		t.Error("snapshot aliases tracker state")
	}
}

func TestTrackerDrainsModifiedFiles(t *testing.T) {
	tracker := NewTracker()
	tracker.Update(Snapshot{OpenFiles: []string{"a.go"}})

	tracker.mu.Lock()
	tracker.modified["a.go"] = true
	tracker.mu.Unlock()

	snap, _ := tracker.CurrentSnapshot()
	if len(snap.ModifiedFiles) != 1 || snap.ModifiedFiles[0] != "a.go" {
		t.Errorf("modified files not drained: %v", snap.ModifiedFiles)
	}

	// Drained once; the next snapshot starts clean.
	snap, _ = tracker.CurrentSnapshot()
	if len(snap.ModifiedFiles) != 0 {
		t.Error("modified files should be cleared after draining")
	}
}
