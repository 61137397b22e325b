package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gofer/internal/sandbox"
)

// AccessInputFileTool gives read-only access to user-supplied files in the
// input directory. Unlike workspace tools it never substitutes paths: a bad
// request fails with an explicit error string the model can act on.
type AccessInputFileTool struct {
	guard sandbox.InputGuard
}

func NewAccessInputFileTool(guard sandbox.InputGuard) *AccessInputFileTool {
	return &AccessInputFileTool{guard: guard}
}

func (*AccessInputFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "access_input_file",
			Description: "Read-only access to files the user placed in the input directory. Operations: read (full text), info (metadata), list (all files), search (find a term, line numbers), json (parse a JSON file), csv (lines of a CSV file), summary (overview of all input files).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation": map[string]any{
						"type":        "string",
						"description": "read | info | list | search | json | csv | summary",
					},
					"file_name": map[string]any{
						"type":        "string",
						"description": "Name of the input file (required for read/info/search/json/csv).",
					},
					"search_term": map[string]any{
						"type":        "string",
						"description": "Term to look for (search operation).",
					},
					"case_sensitive": map[string]any{
						"type":        "boolean",
						"description": "Whether search matches case (default false).",
					},
				},
				"required": []string{"operation"},
			},
		},
	}
}

func (t *AccessInputFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	operation, ok := stringArg(args, "operation")
	if !ok || operation == "" {
		return "", errors.New("operation is required")
	}
	operation = strings.ToLower(strings.TrimSpace(operation))

	switch operation {
	case "list":
		return t.list()
	case "summary":
		return t.summary()
	case "read", "info", "search", "json", "csv":
		name, ok := stringArg(args, "file_name")
		if !ok || name == "" {
			return "", errors.New("file_name is required for this operation")
		}
		path, err := t.guard.Resolve(name)
		if err != nil {
			return inputErrorString(err), nil
		}
		switch operation {
		case "read":
			return t.read(path)
		case "info":
			return t.info(name, path)
		case "search":
			term, ok := stringArg(args, "search_term")
			if !ok || term == "" {
				return "", errors.New("search_term is required for search")
			}
			return t.search(path, term, boolArg(args, "case_sensitive", false))
		case "json":
			return t.readJSON(path)
		case "csv":
			return t.readCSV(path)
		}
	}
	return "", fmt.Errorf("unknown operation %s", operation)
}

// inputErrorString turns a typed input failure into the message returned to
// the model. The sentinel text already names the failure kind.
func inputErrorString(err error) string {
	return fmt.Sprintf("Error: %v", err)
}

func (t *AccessInputFileTool) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"name":    baseName(path),
		"bytes":   len(data),
		"content": string(data),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *AccessInputFileTool) info(name, path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(extOf(name))
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	payload := map[string]any{
		"name":      baseName(path),
		"size":      stat.Size(),
		"extension": ext,
		"mime_type": mimeType,
		"modified":  stat.ModTime().Format(time.RFC3339),
		"is_text":   strings.HasPrefix(mimeType, "text/") || isTextExtension(ext),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *AccessInputFileTool) search(path, term string, caseSensitive bool) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	needle := term
	if !caseSensitive {
		needle = strings.ToLower(term)
	}
	type match struct {
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	matches := []match{}
	for i, line := range strings.Split(string(data), "\n") {
		haystack := line
		if !caseSensitive {
			haystack = strings.ToLower(line)
		}
		if strings.Contains(haystack, needle) {
			matches = append(matches, match{Line: i + 1, Text: line})
		}
	}
	payload := map[string]any{
		"name":    baseName(path),
		"term":    term,
		"matches": matches,
		"count":   len(matches),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *AccessInputFileTool) readJSON(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Sprintf("Error: invalid JSON in %s: %v", baseName(path), err), nil
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *AccessInputFileTool) readCSV(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	payload := map[string]any{
		"name":  baseName(path),
		"lines": lines,
		"count": len(lines),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *AccessInputFileTool) list() (string, error) {
	files, err := t.guard.List()
	if err != nil {
		return "", err
	}
	type view struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		Ext      string `json:"extension"`
		Modified string `json:"modified"`
		Allowed  bool   `json:"allowed"`
	}
	out := make([]view, 0, len(files))
	for _, f := range files {
		out = append(out, view{
			Name:     f.Name,
			Size:     f.Size,
			Ext:      f.Ext,
			Modified: f.ModTime.Format(time.RFC3339),
			Allowed:  f.Allowed,
		})
	}
	payload := map[string]any{"directory": t.guard.Dir(), "files": out, "count": len(out)}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *AccessInputFileTool) summary() (string, error) {
	files, err := t.guard.List()
	if err != nil {
		return "", err
	}
	var totalSize int64
	fileTypes := map[string]int{}
	type view struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		Type     string `json:"type"`
		Modified string `json:"modified"`
	}
	listed := []view{}
	for _, f := range files {
		if !f.Allowed {
			continue
		}
		totalSize += f.Size
		ext := f.Ext
		if ext == "" {
			ext = "no extension"
		}
		fileTypes[ext]++
		listed = append(listed, view{
			Name:     f.Name,
			Size:     f.Size,
			Type:     f.Ext,
			Modified: f.ModTime.Format(time.RFC3339),
		})
	}
	payload := map[string]any{
		"total_files": len(listed),
		"total_size":  totalSize,
		"file_types":  fileTypes,
		"files":       listed,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func baseName(path string) string {
	return filepath.Base(path)
}

func extOf(name string) string {
	return filepath.Ext(name)
}

func isTextExtension(ext string) bool {
	switch ext {
	case ".txt", ".md", ".json", ".csv", ".py", ".js", ".html", ".css", ".xml", ".yaml", ".yml":
		return true
	}
	return false
}
