package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gofer/internal/sandbox"
)

// CopyFileTool duplicates a file inside the workspace.
type CopyFileTool struct {
	guard sandbox.Guard
}

func NewCopyFileTool(guard sandbox.Guard) *CopyFileTool {
	return &CopyFileTool{guard: guard}
}

func (*CopyFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "copy_file",
			Description: "Copy a file to a new location inside the workspace root. Parent directories of the destination are created as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_file": map[string]any{
						"type":        "string",
						"description": "Path of the file to copy, relative to the workspace root.",
					},
					"destination": map[string]any{
						"type":        "string",
						"description": "Target path, relative to the workspace root.",
					},
				},
				"required": []string{"source_file", "destination"},
			},
		},
	}
}

func (t *CopyFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	src, dst, err := resolveTransferArgs(t.guard, args)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	payload := map[string]any{
		"source":      t.guard.Rel(src),
		"destination": t.guard.Rel(dst),
		"copied":      true,
	}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

// MoveFileTool relocates a file inside the workspace.
type MoveFileTool struct {
	guard sandbox.Guard
}

func NewMoveFileTool(guard sandbox.Guard) *MoveFileTool {
	return &MoveFileTool{guard: guard}
}

func (*MoveFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "move_file",
			Description: "Move a file to a new location inside the workspace root. Parent directories of the destination are created as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_file": map[string]any{
						"type":        "string",
						"description": "Path of the file to move, relative to the workspace root.",
					},
					"destination": map[string]any{
						"type":        "string",
						"description": "Target path, relative to the workspace root.",
					},
				},
				"required": []string{"source_file", "destination"},
			},
		},
	}
}

func (t *MoveFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	src, dst, err := resolveTransferArgs(t.guard, args)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := relocate(src, dst); err != nil {
		return "", err
	}
	payload := map[string]any{
		"source":      t.guard.Rel(src),
		"destination": t.guard.Rel(dst),
		"moved":       true,
	}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

// RenameFileTool renames a file inside the workspace. It shares move
// semantics but exists as its own operation so change records name the
// intent.
type RenameFileTool struct {
	guard sandbox.Guard
}

func NewRenameFileTool(guard sandbox.Guard) *RenameFileTool {
	return &RenameFileTool{guard: guard}
}

func (*RenameFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "rename_file",
			Description: "Rename a file inside the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_file": map[string]any{
						"type":        "string",
						"description": "Current path of the file, relative to the workspace root.",
					},
					"destination": map[string]any{
						"type":        "string",
						"description": "New path, relative to the workspace root.",
					},
				},
				"required": []string{"source_file", "destination"},
			},
		},
	}
}

func (t *RenameFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	src, dst, err := resolveTransferArgs(t.guard, args)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := relocate(src, dst); err != nil {
		return "", err
	}
	payload := map[string]any{
		"source":      t.guard.Rel(src),
		"destination": t.guard.Rel(dst),
		"renamed":     true,
	}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

func resolveTransferArgs(guard sandbox.Guard, args map[string]any) (string, string, error) {
	src, ok := stringArg(args, "source_file")
	if !ok || src == "" {
		return "", "", errors.New("source_file is required")
	}
	dst, ok := stringArg(args, "destination")
	if !ok || dst == "" {
		return "", "", errors.New("destination is required")
	}
	return guard.Resolve(src), guard.Resolve(dst), nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// relocate renames, falling back to copy+delete across devices.
func relocate(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
