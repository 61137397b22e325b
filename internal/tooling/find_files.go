package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gofer/internal/sandbox"
)

// FindFilesTool finds workspace files matching glob patterns.
type FindFilesTool struct {
	guard sandbox.Guard
}

func NewFindFilesTool(guard sandbox.Guard) *FindFilesTool {
	return &FindFilesTool{guard: guard}
}

func (*FindFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "find_files",
			Description: "Find files matching a glob pattern like '*.go' or 'src/*.ts'. Returns matching file paths sorted by modification time (most recent first).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{
						"type":        "string",
						"description": "Glob pattern to match files. Examples: '*.js', 'docs/*.md'",
					},
					"path": map[string]any{
						"type":        "string",
						"description": "Directory to search in (default: workspace root).",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results to return (default: 100).",
					},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

func (t *FindFilesTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}

	searchPath, _ := stringArg(args, "path")
	root := t.guard.Resolve(searchPath)

	maxResults := intArg(args, "max_results", 100)
	if maxResults <= 0 {
		maxResults = 100
	}

	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return "", fmt.Errorf("glob pattern error: %w", err)
	}

	type fileInfo struct {
		Path    string
		ModTime time.Time
	}

	var files []fileInfo
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, fileInfo{
			Path:    t.guard.Rel(match),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	if len(files) > maxResults {
		files = files[:maxResults]
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	result := map[string]any{
		"pattern": pattern,
		"count":   len(paths),
		"files":   paths,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
