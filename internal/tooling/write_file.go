package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"gofer/internal/sandbox"
)

// WriteFileTool creates or overwrites a file within the workspace.
type WriteFileTool struct {
	guard sandbox.Guard
}

func NewWriteFileTool(guard sandbox.Guard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (*WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "write_file",
			Description: "Write text to a file, creating it or replacing its previous contents. Use append_file to add to an existing file and edit_file for targeted changes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file relative to the workspace root.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Text to write. Use \\n for new lines.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
	}
}

func (t *WriteFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", errors.New("content is required")
	}

	abs := t.guard.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}

	payload := map[string]any{"path": t.guard.Rel(abs), "bytes": len(content)}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

// AppendFileTool appends text to a file, creating it when absent.
type AppendFileTool struct {
	guard sandbox.Guard
}

func NewAppendFileTool(guard sandbox.Guard) *AppendFileTool {
	return &AppendFileTool{guard: guard}
}

func (*AppendFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "append_file",
			Description: "Append text to the end of a file inside the workspace root, creating the file when it does not exist.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file relative to the workspace root.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Text to append. Use \\n for new lines.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
	}
}

func (t *AppendFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", errors.New("content is required")
	}

	abs := t.guard.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}

	payload := map[string]any{"path": t.guard.Rel(abs), "appended": len(content)}
	data, _ := json.Marshal(payload)
	return string(data), nil
}
