package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gofer/internal/sandbox"
)

// LoadJSONTool reads and validates a JSON file from the workspace.
type LoadJSONTool struct {
	guard sandbox.Guard
}

func NewLoadJSONTool(guard sandbox.Guard) *LoadJSONTool {
	return &LoadJSONTool{guard: guard}
}

func (*LoadJSONTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "load_json",
			Description: "Read a JSON file from the workspace root, validate it and return the parsed content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the JSON file, relative to the workspace root.",
					},
				},
				"required": []string{"file_path"},
			},
		},
	}
}

func (t *LoadJSONTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	abs := t.guard.Resolve(path)
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("invalid JSON in %s: %w", t.guard.Rel(abs), err)
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SaveJSONTool writes a JSON value to a workspace file with indentation.
type SaveJSONTool struct {
	guard sandbox.Guard
}

func NewSaveJSONTool(guard sandbox.Guard) *SaveJSONTool {
	return &SaveJSONTool{guard: guard}
}

func (*SaveJSONTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "save_json",
			Description: "Write a JSON value to a file inside the workspace root, pretty-printed. Accepts any JSON value under 'data', or a JSON-encoded string that will be validated first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to write, relative to the workspace root.",
					},
					"data": map[string]any{
						"description": "The JSON value to store (object, array, string, number, boolean or null).",
					},
				},
				"required": []string{"file_path", "data"},
			},
		},
	}
}

func (t *SaveJSONTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	raw, ok := args["data"]
	if !ok {
		return "", errors.New("data is required")
	}

	// A string payload may itself be JSON text; keep it as a plain string
	// unless it parses.
	if s, isString := raw.(string); isString {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			raw = parsed
		}
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode JSON: %w", err)
	}

	abs := t.guard.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", err
	}

	payload := map[string]any{"path": t.guard.Rel(abs), "bytes": len(data)}
	out, _ := json.Marshal(payload)
	return string(out), nil
}
