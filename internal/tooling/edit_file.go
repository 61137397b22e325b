package tooling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gofer/internal/sandbox"
)

// EditFileTool performs exact string replacements in files.
type EditFileTool struct {
	guard sandbox.Guard
}

func NewEditFileTool(guard sandbox.Guard) *EditFileTool {
	return &EditFileTool{guard: guard}
}

func (*EditFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "edit_file",
			Description: "Perform exact string replacement in a file. The old_text must match exactly (including whitespace and indentation). Use read_file first to see the current content. If this fails with 'old_text not found', re-read the file before retrying - the content may have changed. This is safer than write_file for making targeted changes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file to edit, relative to workspace root.",
					},
					"old_text": map[string]any{
						"type":        "string",
						"description": "The exact string to replace (must match exactly including whitespace).",
					},
					"new_text": map[string]any{
						"type":        "string",
						"description": "The replacement string.",
					},
					"replace_all": map[string]any{
						"type":        "boolean",
						"description": "If true, replace all occurrences. If false (default), old_text must be unique in the file.",
					},
				},
				"required": []string{"file_path", "old_text", "new_text"},
			},
		},
	}
}

func (e *EditFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}

	oldText, ok := stringArg(args, "old_text")
	if !ok {
		return "", errors.New("old_text is required")
	}

	newText, ok := stringArg(args, "new_text")
	if !ok {
		return "", errors.New("new_text is required")
	}

	if oldText == newText {
		return "", errors.New("old_text and new_text must be different")
	}

	replaceAll := boolArg(args, "replace_all", false)

	abs := e.guard.Resolve(path)
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	contentStr := string(content)
	count := strings.Count(contentStr, oldText)
	if count == 0 {
		snippet := oldText
		const maxPreview = 80
		if len(snippet) > maxPreview {
			snippet = snippet[:maxPreview] + "..."
		}
		return "", fmt.Errorf("old_text not found. Double-check whitespace/indentation. Preview: %q", snippet)
	}

	if !replaceAll && count > 1 {
		return "", fmt.Errorf("old_text appears %d times in the file. Use replace_all=true to replace all occurrences, or provide a larger unique string", count)
	}

	var newContent string
	if replaceAll {
		newContent = strings.ReplaceAll(contentStr, oldText, newText)
	} else {
		newContent = strings.Replace(contentStr, oldText, newText, 1)
	}

	if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	replacedCount := count
	if !replaceAll {
		replacedCount = 1
	}

	return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacedCount, e.guard.Rel(abs)), nil
}
