package memory

import (
	"path/filepath"
	"testing"

	"gofer/internal/dispatch"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "memory.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.Path() != path {
		t.Fatalf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openStore(t)

	id, err := s.BeginRun("write a haiku to out.txt")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if id == 0 {
		t.Fatal("BeginRun returned id 0")
	}
	if err := s.FinishRun(id, 4, "completed"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := s.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.ID != id {
		t.Errorf("ID = %d, want %d", run.ID, id)
	}
	if run.Instruction != "write a haiku to out.txt" {
		t.Errorf("Instruction = %q", run.Instruction)
	}
	if run.Steps != 4 {
		t.Errorf("Steps = %d, want 4", run.Steps)
	}
	if run.Outcome != "completed" {
		t.Errorf("Outcome = %q, want %q", run.Outcome, "completed")
	}
	if run.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
	if run.EndedAt.IsZero() {
		t.Error("EndedAt is zero after FinishRun")
	}
}

func TestOpenRunHasZeroEndedAt(t *testing.T) {
	s := openStore(t)
	if _, err := s.BeginRun("still going"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	runs, err := s.RecentRuns(1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if !runs[0].EndedAt.IsZero() {
		t.Errorf("EndedAt = %v, want zero for an open run", runs[0].EndedAt)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	var ids []int64
	for _, instruction := range []string{"first", "second", "third"} {
		id, err := s.BeginRun(instruction)
		if err != nil {
			t.Fatalf("BeginRun(%q): %v", instruction, err)
		}
		ids = append(ids, id)
	}

	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("order = [%d, %d], want [%d, %d]", runs[0].ID, runs[1].ID, ids[2], ids[1])
	}

	all, err := s.RecentRuns(0)
	if err != nil {
		t.Fatalf("RecentRuns(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("default limit returned %d runs, want 3", len(all))
	}
}

func TestAppendChangesKeepsSequence(t *testing.T) {
	s := openStore(t)
	id, err := s.BeginRun("edit some files")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	first := []dispatch.Change{
		{Operation: "write_file", File: "a.txt", Content: "alpha", Result: "ok"},
		{Operation: "edit_file", File: "a.txt", Result: "ok"},
	}
	if err := s.AppendChanges(id, first); err != nil {
		t.Fatalf("AppendChanges: %v", err)
	}
	second := []dispatch.Change{
		{Operation: "delete_file", File: "b.txt", Result: "gone"},
	}
	if err := s.AppendChanges(id, second); err != nil {
		t.Fatalf("AppendChanges: %v", err)
	}

	changes, err := s.Changes(id)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	wantOps := []string{"write_file", "edit_file", "delete_file"}
	for i, op := range wantOps {
		if changes[i].Operation != op {
			t.Errorf("changes[%d].Operation = %q, want %q", i, changes[i].Operation, op)
		}
	}
	if changes[0].Content != "alpha" {
		t.Errorf("changes[0].Content = %q, want %q", changes[0].Content, "alpha")
	}
	if changes[2].File != "b.txt" {
		t.Errorf("changes[2].File = %q, want %q", changes[2].File, "b.txt")
	}

	var maxSeq int
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM changes WHERE run_id=?`, id).Scan(&maxSeq); err != nil {
		t.Fatalf("query max seq: %v", err)
	}
	if maxSeq != 3 {
		t.Errorf("max seq = %d, want 3", maxSeq)
	}
}

func TestAppendChangesSkipsEmptyBatch(t *testing.T) {
	s := openStore(t)
	id, err := s.BeginRun("nothing to record")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.AppendChanges(id, nil); err != nil {
		t.Fatalf("AppendChanges(nil): %v", err)
	}
	changes, err := s.Changes(id)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("got %d changes, want 0", len(changes))
	}
}

func TestChangesScopedToRun(t *testing.T) {
	s := openStore(t)
	one, err := s.BeginRun("run one")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	two, err := s.BeginRun("run two")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.AppendChanges(one, []dispatch.Change{{Operation: "write_file", File: "one.txt"}}); err != nil {
		t.Fatalf("AppendChanges: %v", err)
	}
	if err := s.AppendChanges(two, []dispatch.Change{{Operation: "write_file", File: "two.txt"}}); err != nil {
		t.Fatalf("AppendChanges: %v", err)
	}

	changes, err := s.Changes(two)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 1 || changes[0].File != "two.txt" {
		t.Fatalf("changes for run two = %+v, want just two.txt", changes)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.BeginRun("persist me")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.FinishRun(id, 2, "stopped"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	runs, err := reopened.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Instruction != "persist me" {
		t.Fatalf("runs after reopen = %+v", runs)
	}
}

func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store
	id, err := s.BeginRun("ignored")
	if err != nil || id != 0 {
		t.Fatalf("BeginRun on nil store = (%d, %v), want (0, nil)", id, err)
	}
	if err := s.FinishRun(1, 3, "done"); err != nil {
		t.Fatalf("FinishRun on nil store: %v", err)
	}
	if err := s.AppendChanges(1, []dispatch.Change{{Operation: "write_file"}}); err != nil {
		t.Fatalf("AppendChanges on nil store: %v", err)
	}
	runs, err := s.RecentRuns(5)
	if err != nil || runs != nil {
		t.Fatalf("RecentRuns on nil store = (%v, %v), want (nil, nil)", runs, err)
	}
	if got := s.Path(); got != "" {
		t.Fatalf("Path on nil store = %q, want empty", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close on nil store: %v", err)
	}
}
