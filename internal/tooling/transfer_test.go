package tooling

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCopyFilePreservesSource(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "orig.txt", "payload")

	tool := NewCopyFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"source_file": "orig.txt",
		"destination": "backup/copy.txt",
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	for _, name := range []string{"orig.txt", filepath.Join("backup", "copy.txt")} {
		got, err := os.ReadFile(filepath.Join(guard.Root(), name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != "payload" {
			t.Fatalf("%s content = %q", name, got)
		}
	}
}

func TestMoveFileRemovesSource(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "orig.txt", "payload")

	tool := NewMoveFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"source_file": "orig.txt",
		"destination": "moved.txt",
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	if _, err := os.Stat(filepath.Join(guard.Root(), "orig.txt")); !os.IsNotExist(err) {
		t.Fatalf("source still present, err=%v", err)
	}
	got, err := os.ReadFile(filepath.Join(guard.Root(), "moved.txt"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("destination: %q err=%v", got, err)
	}
}

func TestRenameFile(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "old-name.txt", "x")

	tool := NewRenameFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"source_file": "old-name.txt",
		"destination": "new-name.txt",
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := os.Stat(filepath.Join(guard.Root(), "new-name.txt")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
}

func TestCopyFileRefusesDirectory(t *testing.T) {
	guard := testGuard(t)
	if err := os.MkdirAll(filepath.Join(guard.Root(), "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tool := NewCopyFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"source_file": "subdir",
		"destination": "other",
	}); err == nil {
		t.Fatal("copying a directory should fail")
	}
}

func TestMoveFileMissingSourceFails(t *testing.T) {
	guard := testGuard(t)
	tool := NewMoveFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"source_file": "ghost.txt",
		"destination": "anywhere.txt",
	}); err == nil {
		t.Fatal("moving a missing file should fail")
	}
}
