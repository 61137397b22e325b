package tooling

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gofer/internal/sandbox"
)

func testInputTool(t *testing.T, maxSize int64) (*AccessInputFileTool, string) {
	t.Helper()
	dir := t.TempDir()
	guard, err := sandbox.NewInputGuard(dir, nil, maxSize)
	if err != nil {
		t.Fatalf("input guard: %v", err)
	}
	return NewAccessInputFileTool(guard), dir
}

func TestAccessInputFileRead(t *testing.T) {
	tool, dir := testInputTool(t, 1024)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello input"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "read",
		"file_name": "notes.txt",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, "hello input") {
		t.Fatalf("payload missing content: %s", out)
	}
}

func TestAccessInputFileMissingReturnsErrorString(t *testing.T) {
	tool, _ := testInputTool(t, 1024)

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "read",
		"file_name": "ghost.txt",
	})
	if err != nil {
		t.Fatalf("typed failures should come back in-band: %v", err)
	}
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "input file not found") {
		t.Fatalf("result = %q", out)
	}
}

func TestAccessInputFileRejectsDisallowedExtension(t *testing.T) {
	dir := t.TempDir()
	guard, err := sandbox.NewInputGuard(dir, []string{".txt"}, 1024)
	if err != nil {
		t.Fatalf("input guard: %v", err)
	}
	tool := NewAccessInputFileTool(guard)
	if err := os.WriteFile(filepath.Join(dir, "binary.exe"), []byte("MZ"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "read",
		"file_name": "binary.exe",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "extension not allowed") {
		t.Fatalf("result = %q", out)
	}
}

func TestAccessInputFileTooLarge(t *testing.T) {
	tool, dir := testInputTool(t, 4)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte("more than four bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "read",
		"file_name": "big.txt",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "too large") {
		t.Fatalf("result = %q", out)
	}
}

func TestAccessInputFileSearch(t *testing.T) {
	tool, dir := testInputTool(t, 1024)
	content := "alpha\nBeta match\nbeta match again\n"
	if err := os.WriteFile(filepath.Join(dir, "log.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation":   "search",
		"file_name":   "log.txt",
		"search_term": "beta",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var payload struct {
		Matches []struct {
			Line int    `json:"line"`
			Text string `json:"text"`
		} `json:"matches"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Count != 2 || payload.Matches[0].Line != 2 {
		t.Fatalf("case-insensitive search payload: %+v", payload)
	}

	out, err = tool.Call(context.Background(), map[string]any{
		"operation":      "search",
		"file_name":      "log.txt",
		"search_term":    "beta",
		"case_sensitive": true,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, `"count":1`) {
		t.Fatalf("case-sensitive search payload: %s", out)
	}
}

func TestAccessInputFileJSONAndCSV(t *testing.T) {
	tool, dir := testInputTool(t, 1024)
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"a": 1}`), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rows.csv"), []byte("h1,h2\n\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "json",
		"file_name": "data.json",
	})
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(out, `"a":1`) {
		t.Fatalf("json payload: %s", out)
	}

	out, err = tool.Call(context.Background(), map[string]any{
		"operation": "csv",
		"file_name": "rows.csv",
	})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !strings.Contains(out, `"count":2`) {
		t.Fatalf("csv should skip blank lines: %s", out)
	}
}

func TestAccessInputFileInvalidJSONSurfacesInBand(t *testing.T) {
	tool, dir := testInputTool(t, 1024)
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{
		"operation": "json",
		"file_name": "bad.json",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(out, "Error: invalid JSON") {
		t.Fatalf("result = %q", out)
	}
}

func TestAccessInputFileSummary(t *testing.T) {
	tool, dir := testInputTool(t, 1024)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("123"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c.md"), []byte("#"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := tool.Call(context.Background(), map[string]any{"operation": "summary"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var payload struct {
		TotalFiles int            `json:"total_files"`
		TotalSize  int64          `json:"total_size"`
		FileTypes  map[string]int `json:"file_types"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.TotalFiles != 3 || payload.TotalSize != 9 {
		t.Fatalf("summary totals: %+v", payload)
	}
	if payload.FileTypes[".txt"] != 2 || payload.FileTypes[".md"] != 1 {
		t.Fatalf("file types: %+v", payload.FileTypes)
	}
}

func TestAccessInputFileUnknownOperation(t *testing.T) {
	tool, _ := testInputTool(t, 1024)
	if _, err := tool.Call(context.Background(), map[string]any{"operation": "delete"}); err == nil {
		t.Fatal("unknown operation should fail")
	}
}
