package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gofer/internal/sandbox"
)

// AdvancedEditFileTool applies ordered line-based edits (replace, insert,
// delete) to a file. Line numbers are 1-based and refer to the file state
// after the preceding edits in the same call.
type AdvancedEditFileTool struct {
	guard sandbox.Guard
}

func NewAdvancedEditFileTool(guard sandbox.Guard) *AdvancedEditFileTool {
	return &AdvancedEditFileTool{guard: guard}
}

func (*AdvancedEditFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "advanced_edit_file",
			Description: "Apply a list of line-based edits to a file in order. Each edit is an object with operation ('replace', 'insert' or 'delete'), line_number (1-based) and content (for replace/insert). Insert places content before the given line; replace substitutes the line; delete removes it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file to edit, relative to workspace root.",
					},
					"edits": map[string]any{
						"type":        "array",
						"description": "Ordered list of edits to apply.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"operation": map[string]any{
									"type":        "string",
									"description": "replace | insert | delete",
								},
								"line_number": map[string]any{
									"type":        "integer",
									"description": "1-based line the edit targets.",
								},
								"content": map[string]any{
									"type":        "string",
									"description": "Text for replace/insert operations. May contain \\n for multiple lines.",
								},
							},
							"required": []string{"operation", "line_number"},
						},
					},
				},
				"required": []string{"file_path", "edits"},
			},
		},
	}
}

func (t *AdvancedEditFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	rawEdits, ok := args["edits"]
	if !ok {
		return "", errors.New("edits are required")
	}
	edits, err := parseLineEdits(rawEdits)
	if err != nil {
		return "", err
	}
	if len(edits) == 0 {
		return "", errors.New("edits list is empty")
	}

	abs := t.guard.Resolve(path)
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	lines, trailing, err := readLines(abs)
	if err != nil {
		return "", err
	}

	for idx, edit := range edits {
		lines, err = applyLineEdit(lines, edit)
		if err != nil {
			return "", fmt.Errorf("edit %d: %w", idx+1, err)
		}
	}

	if err := writeLines(abs, lines, trailing); err != nil {
		return "", err
	}

	payload := map[string]any{
		"path":          t.guard.Rel(abs),
		"edits_applied": len(edits),
		"line_count":    len(lines),
	}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

type lineEdit struct {
	operation  string
	lineNumber int
	content    string
}

func parseLineEdits(raw any) ([]lineEdit, error) {
	list, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]map[string]any); ok {
			list = make([]any, len(typed))
			for i := range typed {
				list[i] = typed[i]
			}
		} else {
			return nil, errors.New("edits must be an array")
		}
	}
	edits := make([]lineEdit, 0, len(list))
	for idx, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("edit %d is not an object", idx+1)
		}
		op, ok := stringArg(obj, "operation")
		if !ok {
			return nil, fmt.Errorf("edit %d missing operation", idx+1)
		}
		op = strings.ToLower(strings.TrimSpace(op))
		if op != "replace" && op != "insert" && op != "delete" {
			return nil, fmt.Errorf("edit %d has invalid operation %s", idx+1, op)
		}
		line := intArg(obj, "line_number", 0)
		if line <= 0 {
			return nil, fmt.Errorf("edit %d: line_number must be a positive integer", idx+1)
		}
		content, _ := stringArg(obj, "content")
		if (op == "replace" || op == "insert") && content == "" {
			if _, present := obj["content"]; !present {
				return nil, fmt.Errorf("edit %d: %s requires content", idx+1, op)
			}
		}
		edits = append(edits, lineEdit{operation: op, lineNumber: line, content: content})
	}
	return edits, nil
}

func applyLineEdit(lines []string, edit lineEdit) ([]string, error) {
	idx := edit.lineNumber - 1
	switch edit.operation {
	case "replace":
		if idx >= len(lines) {
			return nil, fmt.Errorf("line %d is beyond end of file (%d lines)", edit.lineNumber, len(lines))
		}
		replacement := splitContent(edit.content)
		out := append([]string{}, lines[:idx]...)
		out = append(out, replacement...)
		out = append(out, lines[idx+1:]...)
		return out, nil
	case "insert":
		if idx > len(lines) {
			idx = len(lines)
		}
		inserted := splitContent(edit.content)
		out := append([]string{}, lines[:idx]...)
		out = append(out, inserted...)
		out = append(out, lines[idx:]...)
		return out, nil
	case "delete":
		if idx >= len(lines) {
			return nil, fmt.Errorf("line %d is beyond end of file (%d lines)", edit.lineNumber, len(lines))
		}
		out := append([]string{}, lines[:idx]...)
		out = append(out, lines[idx+1:]...)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown operation %s", edit.operation)
	}
}

func readLines(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	trailing := len(data) > 0 && data[len(data)-1] == '\n'
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		if len(data) == 0 {
			return []string{}, false, nil
		}
		return []string{}, true, nil
	}
	return strings.Split(text, "\n"), trailing, nil
}

func writeLines(path string, lines []string, trailing bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if trailing {
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func splitContent(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.Split(normalized, "\n")
}
