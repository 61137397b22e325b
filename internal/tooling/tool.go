package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gofer/internal/sandbox"
	"gofer/internal/terminal"
)

var errEntryLimit = errors.New("entry limit reached")

type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the callable tools. Names are write-once: registering a
// duplicate fails, which is how local tools keep precedence over remote ones.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		name := tool.Definition().Function.Name
		if _, exists := r.tools[name]; exists {
			continue
		}
		r.tools[name] = tool
		r.order = append(r.order, name)
	}
	return r
}

// Register adds a tool, failing if the name is already taken.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Function.Name
	if name == "" {
		return errors.New("tool has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s is already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) MustGet(name string) Tool {
	tool, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("tool %s is not registered", name))
	}
	return tool
}

// Names returns registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Options configures the builtin tool set.
type Options struct {
	WorkspaceRoot   string
	InputDir        string
	InputExtensions []string
	MaxInputSize    int64
	ShellTimeout    time.Duration
	Terminal        *terminal.Manager
}

// DefaultTools builds the local tool suite: file operations inside the
// workspace sandbox, read-only input access, web search and terminal control.
func DefaultTools(opts Options) []Tool {
	guard, err := sandbox.NewGuard(opts.WorkspaceRoot)
	if err != nil {
		panic(err)
	}
	inputDir := opts.InputDir
	if inputDir == "" {
		inputDir = "input"
	}
	inputGuard, err := sandbox.NewInputGuard(inputDir, opts.InputExtensions, opts.MaxInputSize)
	if err != nil {
		panic(err)
	}

	tools := []Tool{
		DateTimeTool{},
		WorkingDirectoryTool{root: guard.Root()},
		NewReadFileTool(guard),
		NewWriteFileTool(guard),
		NewAppendFileTool(guard),
		NewEditFileTool(guard),
		NewAdvancedEditFileTool(guard),
		NewDeleteFileTool(guard),
		NewCreateDirectoryTool(guard),
		NewListDirectoryTool(guard),
		NewFileExistsTool(guard),
		NewLoadJSONTool(guard),
		NewSaveJSONTool(guard),
		NewCopyFileTool(guard),
		NewMoveFileTool(guard),
		NewRenameFileTool(guard),
		NewFindFilesTool(guard),
		NewSearchFileContentTool(guard),
		NewAccessInputFileTool(inputGuard),
		NewWebSearchTool(opts.ShellTimeout),
		NewBrowseWebTool(opts.ShellTimeout),
	}
	if opts.Terminal != nil {
		tools = append(tools, TerminalTools(opts.Terminal)...)
	}
	return tools
}

type DateTimeTool struct{}

func (DateTimeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "current_datetime",
			Description: "Return the current local date and time. Optional format override via Go time layout tokens.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{
						"type":        "string",
						"description": "Optional Go time layout (default RFC3339).",
					},
				},
			},
		},
	}
}

func (DateTimeTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	layout := time.RFC3339
	if custom, ok := stringArg(args, "format"); ok && custom != "" {
		layout = custom
	}
	return time.Now().Format(layout), nil
}

type WorkingDirectoryTool struct {
	root string
}

func (w WorkingDirectoryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "current_working_directory",
			Description: "Return the absolute workspace root every file operation is constrained to.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

func (w WorkingDirectoryTool) Call(ctx context.Context, _ map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return w.root, nil
}

// ListDirectoryTool lists workspace entries, optionally recursively.
type ListDirectoryTool struct {
	guard sandbox.Guard
}

func NewListDirectoryTool(guard sandbox.Guard) *ListDirectoryTool {
	return &ListDirectoryTool{guard: guard}
}

func (*ListDirectoryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "list_directory",
			Description: "List files within a directory, optionally recursively. All paths are constrained inside the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directory_path": map[string]any{
						"type":        "string",
						"description": "Directory path to list (default workspace root).",
					},
					"recursive": map[string]any{
						"type":        "boolean",
						"description": "Whether to walk subdirectories.",
					},
					"include_hidden": map[string]any{
						"type":        "boolean",
						"description": "Include entries whose names start with '.'.",
					},
					"max_entries": map[string]any{
						"type":        "integer",
						"description": "Maximum number of entries to return (default 200).",
					},
				},
			},
		},
	}
}

func (l *ListDirectoryTool) Call(ctx context.Context, args map[string]any) (string, error) {
	target := ""
	if provided, ok := stringArg(args, "directory_path"); ok {
		target = provided
	}
	root := l.guard.Resolve(target)
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}
	includeHidden := boolArg(args, "include_hidden", false)
	recursive := boolArg(args, "recursive", false)
	maxEntries := intArg(args, "max_entries", 200)
	if maxEntries <= 0 {
		maxEntries = 200
	}

	type entry struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	results := make([]entry, 0, maxEntries)
	truncated := false

	addEntry := func(path string, isDir bool) bool {
		if len(results) >= maxEntries {
			truncated = true
			return false
		}
		rel := l.guard.Rel(path)
		if rel == "." {
			return true
		}
		name := filepath.Base(path)
		if !includeHidden && strings.HasPrefix(name, ".") {
			return true
		}
		results = append(results, entry{Path: rel, Type: typeOf(isDir)})
		return true
	}

	if recursive {
		walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if path == root {
				return nil
			}
			if !addEntry(path, d.IsDir()) {
				return errEntryLimit
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, context.Canceled) && !errors.Is(walkErr, errEntryLimit) {
			return "", walkErr
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			if !includeHidden && strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if !addEntry(filepath.Join(root, e.Name()), e.IsDir()) {
				break
			}
		}
	}

	payload := map[string]any{
		"path":      root,
		"entries":   results,
		"truncated": truncated,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadFileTool reads UTF-8 text files within the workspace.
type ReadFileTool struct {
	guard sandbox.Guard
}

func NewReadFileTool(guard sandbox.Guard) *ReadFileTool {
	return &ReadFileTool{guard: guard}
}

func (*ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "read_file",
			Description: "Read a UTF-8 text file and return its contents (optionally truncated). The path must stay within the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file to read, relative to the workspace root.",
					},
					"max_bytes": map[string]any{
						"type":        "integer",
						"description": "Maximum number of bytes to return (default 50000).",
					},
				},
				"required": []string{"file_path"},
			},
		},
	}
}

func (r *ReadFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	abs := r.guard.Resolve(path)
	maxBytes := intArg(args, "max_bytes", 50000)
	if maxBytes <= 0 {
		maxBytes = 50000
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	payload := map[string]any{
		"path":      r.guard.Rel(abs),
		"bytes":     len(data),
		"truncated": truncated,
		"content":   string(data),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FileExistsTool reports whether a workspace path exists.
type FileExistsTool struct {
	guard sandbox.Guard
}

func NewFileExistsTool(guard sandbox.Guard) *FileExistsTool {
	return &FileExistsTool{guard: guard}
}

func (*FileExistsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "file_exists",
			Description: "Check whether a file or directory exists inside the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to check, relative to the workspace root.",
					},
				},
				"required": []string{"file_path"},
			},
		},
	}
}

func (f *FileExistsTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	abs := f.guard.Resolve(path)
	payload := map[string]any{"path": f.guard.Rel(abs), "exists": false}
	if info, err := os.Stat(abs); err == nil {
		payload["exists"] = true
		payload["type"] = typeOf(info.IsDir())
		payload["size"] = info.Size()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteFileTool removes a single file from the workspace.
type DeleteFileTool struct {
	guard sandbox.Guard
}

func NewDeleteFileTool(guard sandbox.Guard) *DeleteFileTool {
	return &DeleteFileTool{guard: guard}
}

func (*DeleteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "delete_file",
			Description: "Delete a file inside the workspace root. Directories are refused.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file to delete, relative to the workspace root.",
					},
				},
				"required": []string{"file_path"},
			},
		},
	}
}

func (d *DeleteFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	path, ok := stringArg(args, "file_path")
	if !ok || path == "" {
		return "", errors.New("file_path is required")
	}
	abs := d.guard.Resolve(path)
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", d.guard.Rel(abs))
	}
	if err := os.Remove(abs); err != nil {
		return "", err
	}
	payload := map[string]any{"path": d.guard.Rel(abs), "deleted": true}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

// CreateDirectoryTool creates a directory tree inside the workspace.
type CreateDirectoryTool struct {
	guard sandbox.Guard
}

func NewCreateDirectoryTool(guard sandbox.Guard) *CreateDirectoryTool {
	return &CreateDirectoryTool{guard: guard}
}

func (*CreateDirectoryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "create_directory",
			Description: "Create a directory (and any missing parents) inside the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directory_path": map[string]any{
						"type":        "string",
						"description": "Directory path to create, relative to the workspace root.",
					},
				},
				"required": []string{"directory_path"},
			},
		},
	}
}

func (c *CreateDirectoryTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	path, ok := stringArg(args, "directory_path")
	if !ok || path == "" {
		return "", errors.New("directory_path is required")
	}
	abs := c.guard.Resolve(path)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	payload := map[string]any{"path": c.guard.Rel(abs), "created": true}
	data, _ := json.Marshal(payload)
	return string(data), nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	switch cast := val.(type) {
	case string:
		return cast, true
	default:
		return fmt.Sprintf("%v", cast), true
	}
}

func boolArg(args map[string]any, key string, defaultVal bool) bool {
	val, ok := args[key]
	if !ok {
		return defaultVal
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return defaultVal
}

func intArg(args map[string]any, key string, defaultVal int) int {
	val, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch n := val.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return defaultVal
	}
}

func typeOf(isDir bool) string {
	if isDir {
		return "directory"
	}
	return "file"
}

// jsonMarshalNoEscape marshals without HTML escaping so URLs and snippets
// come back readable.
func jsonMarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
