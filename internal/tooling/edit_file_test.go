package tooling

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestEditFileReplacesOccurrence(t *testing.T) {
	guard := testGuard(t)
	path := writeTestFile(t, guard.Root(), "code.py", "def main():\n    print('old')\n")

	tool := NewEditFileTool(guard)
	out, err := tool.Call(context.Background(), map[string]any{
		"file_path": "code.py",
		"old_text":  "print('old')",
		"new_text":  "print('new')",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, "Successfully replaced 1 occurrence") {
		t.Fatalf("unexpected result: %s", out)
	}

	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), "print('new')") {
		t.Fatalf("content = %q", got)
	}
}

func TestEditFileMissingTextShowsPreview(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "code.py", "actual content here\n")

	tool := NewEditFileTool(guard)
	_, err := tool.Call(context.Background(), map[string]any{
		"file_path": "code.py",
		"old_text":  "text that is not there",
		"new_text":  "x",
	})
	if err == nil {
		t.Fatal("expected error for missing old_text")
	}
	if !strings.Contains(err.Error(), "old_text not found") {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "actual content") {
		t.Fatalf("error should preview file content: %v", err)
	}
}

func TestEditFileAmbiguousWithoutReplaceAll(t *testing.T) {
	guard := testGuard(t)
	path := writeTestFile(t, guard.Root(), "dup.txt", "same\nsame\n")

	tool := NewEditFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"file_path": "dup.txt",
		"old_text":  "same",
		"new_text":  "other",
	}); err == nil {
		t.Fatal("ambiguous edit should fail without replace_all")
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"file_path":   "dup.txt",
		"old_text":    "same",
		"new_text":    "other",
		"replace_all": true,
	})
	if err != nil {
		t.Fatalf("replace_all: %v", err)
	}
	if !strings.Contains(out, "replaced 2 occurrence") {
		t.Fatalf("unexpected result: %s", out)
	}
	got, _ := os.ReadFile(path)
	if strings.Contains(string(got), "same") {
		t.Fatalf("content = %q", got)
	}
}

func TestAdvancedEditReplaceLine(t *testing.T) {
	guard := testGuard(t)
	path := writeTestFile(t, guard.Root(), "list.txt", "one\ntwo\nthree\n")

	tool := NewAdvancedEditFileTool(guard)
	out, err := tool.Call(context.Background(), map[string]any{
		"file_path": "list.txt",
		"edits": []any{
			map[string]any{"operation": "replace", "line_number": float64(2), "content": "TWO"},
		},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, `"edits_applied":1`) {
		t.Fatalf("unexpected result: %s", out)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "one\nTWO\nthree\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestAdvancedEditInsertAndDelete(t *testing.T) {
	guard := testGuard(t)
	path := writeTestFile(t, guard.Root(), "list.txt", "one\ntwo\nthree\n")

	tool := NewAdvancedEditFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"file_path": "list.txt",
		"edits": []any{
			map[string]any{"operation": "insert", "line_number": float64(1), "content": "zero"},
			map[string]any{"operation": "delete", "line_number": float64(4)},
		},
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "zero\none\ntwo\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestAdvancedEditRejectsLineBeyondEOF(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "short.txt", "only\n")

	tool := NewAdvancedEditFileTool(guard)
	_, err := tool.Call(context.Background(), map[string]any{
		"file_path": "short.txt",
		"edits": []any{
			map[string]any{"operation": "replace", "line_number": float64(9), "content": "nope"},
		},
	})
	if err == nil {
		t.Fatal("expected beyond-EOF error")
	}
	if !strings.Contains(err.Error(), "beyond end of file") {
		t.Fatalf("error = %v", err)
	}
}

func TestAdvancedEditRejectsUnknownOperation(t *testing.T) {
	guard := testGuard(t)
	writeTestFile(t, guard.Root(), "short.txt", "only\n")

	tool := NewAdvancedEditFileTool(guard)
	if _, err := tool.Call(context.Background(), map[string]any{
		"file_path": "short.txt",
		"edits": []any{
			map[string]any{"operation": "truncate", "line_number": float64(1)},
		},
	}); err == nil {
		t.Fatal("expected unknown-operation error")
	}
}
