package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.starlark.net/starlark"

	"gofer/internal/logging"
	"gofer/internal/tooling"
)

// Load fetches, materializes and executes the named remote tool. It is
// idempotent: once an entry is loaded, further calls return true without
// network traffic. rt.mu serializes loads.
func (rt *Runtime) Load(ctx context.Context, name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, ok := rt.entries[name]
	if !ok {
		logging.DebugLog("[plugins] tool %s not in catalog", name)
		return false
	}
	if entry.Loaded {
		if _, ok := rt.reg.Lookup(name); ok {
			return true
		}
		entry.Loaded = false
	}
	if entry.Source == SourceLocal {
		_, ok := rt.reg.Lookup(name)
		return ok
	}

	logging.UserLog("Loading tool: %s", name)

	if entry.content == "" {
		content, err := rt.client.FileContent(ctx, entry.RepoPath)
		if err != nil {
			logging.ErrorLog("[plugins] fetch %s: %v", name, err)
			return false
		}
		entry.content = content
	}

	if !entry.Schema.Known {
		if result := ExtractSchema(name, entry.content); result.Known {
			entry.Schema = result
		}
	}

	path, err := rt.materialize(entry)
	if err != nil {
		logging.ErrorLog("[plugins] materialize %s: %v", name, err)
		return false
	}
	if err := rt.execute(ctx, entry, path); err != nil {
		logging.ErrorLog("[plugins] load %s: %v", name, err)
		return false
	}
	if _, ok := rt.reg.Lookup(name); !ok {
		logging.ErrorLog("[plugins] tool %s did not register itself", name)
		return false
	}

	entry.Loaded = true
	logging.DebugLog("[plugins] loaded %s (schema: %s)", name, entry.Schema.Strategy)
	return true
}

// LoadAll eagerly loads every unloaded remote tool. Returns how many loaded.
func (rt *Runtime) LoadAll(ctx context.Context) int {
	rt.mu.Lock()
	pending := make([]string, 0, len(rt.order))
	for _, name := range rt.order {
		if entry := rt.entries[name]; entry != nil && entry.Source == SourceRemote && !entry.Loaded {
			pending = append(pending, name)
		}
	}
	rt.mu.Unlock()

	loaded := 0
	for _, name := range pending {
		if ctx.Err() != nil {
			break
		}
		if rt.Load(ctx, name) {
			loaded++
		}
	}
	return loaded
}

// materialize writes the script into the private temp dir, creating it on
// first use.
func (rt *Runtime) materialize(entry *Entry) (string, error) {
	if rt.tempDir == "" {
		dir, err := os.MkdirTemp("", "gofer-tools-")
		if err != nil {
			return "", fmt.Errorf("create temp dir: %w", err)
		}
		rt.tempDir = dir
	}
	path := filepath.Join(rt.tempDir, entry.Name+".star")
	if err := os.WriteFile(path, []byte(entry.content), 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

// execute runs the script with register_tool as the single predeclared
// builtin. The script must register itself during execution.
func (rt *Runtime) execute(ctx context.Context, entry *Entry, path string) error {
	thread := &starlark.Thread{
		Name: "plugin:" + entry.Name,
		Print: func(_ *starlark.Thread, msg string) {
			logging.DebugLog("[plugins] %s: %s", entry.Name, msg)
		},
	}
	stop := cancelOnDone(ctx, thread)
	defer stop()

	predeclared := starlark.StringDict{
		"register_tool": starlark.NewBuiltin("register_tool", rt.registerBuiltin(entry)),
	}
	_, err := starlark.ExecFileOptions(fileOptions, thread, path, nil, predeclared)
	return err
}

// registerBuiltin implements register_tool(name, fn, schema). Registration
// goes through the Registry, so a script cannot shadow a local tool.
func (rt *Runtime) registerBuiltin(entry *Entry) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var fn starlark.Value
		var schema starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "fn", &fn, "schema?", &schema); err != nil {
			return nil, err
		}
		callable, ok := fn.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("register_tool: fn must be callable, got %s", fn.Type())
		}

		def, selfDescribed := definitionFromSchemaValue(name, schema)
		if !selfDescribed {
			if name == entry.Name && entry.Schema.Known {
				def = entry.Schema.Definition
			} else {
				def = placeholderDefinition(name, entry.Category)
			}
		}

		tool := &scriptTool{name: name, def: def, fn: callable}
		if err := rt.reg.Register(tool); err != nil {
			return nil, err
		}
		if name == entry.Name && selfDescribed {
			entry.Schema = SchemaResult{Definition: def, Known: true, Strategy: "self"}
		}
		return starlark.None, nil
	}
}

// definitionFromSchemaValue converts the schema dict a script passed to
// register_tool into a tool definition.
func definitionFromSchemaValue(name string, schema starlark.Value) (tooling.ToolDefinition, bool) {
	if schema == nil || schema == starlark.None {
		return tooling.ToolDefinition{}, false
	}
	return definitionFromValue(name, fromStarlark(schema))
}

// scriptTool adapts a Starlark function to the Tool interface.
type scriptTool struct {
	name string
	def  tooling.ToolDefinition
	fn   starlark.Callable
}

func (s *scriptTool) Definition() tooling.ToolDefinition {
	return s.def
}

func (s *scriptTool) Call(ctx context.Context, args map[string]any) (string, error) {
	thread := &starlark.Thread{
		Name: "tool:" + s.name,
		Print: func(_ *starlark.Thread, msg string) {
			logging.DebugLog("[plugins] %s: %s", s.name, msg)
		},
	}
	stop := cancelOnDone(ctx, thread)
	defer stop()

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kwargs := make([]starlark.Tuple, 0, len(keys))
	for _, key := range keys {
		kwargs = append(kwargs, starlark.Tuple{starlark.String(key), toStarlark(args[key])})
	}

	result, err := starlark.Call(thread, s.fn, nil, kwargs)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return "", fmt.Errorf("%s: %s", s.name, evalErr.Msg)
		}
		return "", err
	}

	switch out := fromStarlark(result).(type) {
	case nil:
		return "", nil
	case string:
		return out, nil
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// cancelOnDone cancels the Starlark thread when ctx expires. The returned
// stop func releases the watcher.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}
