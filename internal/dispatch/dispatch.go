// Package dispatch executes model-requested tool calls: path sanitation,
// dynamic loading, argument reconciliation, guarded invocation and change
// tracking.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gofer/internal/logging"
	"gofer/internal/sandbox"
	"gofer/internal/tooling"
)

// Loader loads a tool by name on demand. *plugins.Runtime satisfies it.
type Loader interface {
	Load(ctx context.Context, name string) bool
}

// Change records one mutating file operation for summarization and
// persistence.
type Change struct {
	Operation string
	File      string
	Content   string
	Result    string
}

// pathParams are the argument names whose string values are workspace paths.
var pathParams = map[string]bool{
	"file_path":      true,
	"directory_path": true,
	"target_file":    true,
	"source_file":    true,
	"destination":    true,
	"path":           true,
	"target_dir":     true,
}

// mustExistOps only operate on files that already exist inside the root;
// anything else is redirected at a guaranteed-missing name so the tool's own
// not-found handling fires.
var mustExistOps = map[string]bool{
	"read_file":   true,
	"edit_file":   true,
	"append_file": true,
	"delete_file": true,
	"file_exists": true,
}

// mutatingOps produce a Change record on success.
var mutatingOps = map[string]bool{
	"write_file":         true,
	"edit_file":          true,
	"advanced_edit_file": true,
	"append_file":        true,
	"delete_file":        true,
	"create_directory":   true,
	"save_json":          true,
	"copy_file":          true,
	"move_file":          true,
	"rename_file":        true,
}

const accessDeniedName = "FILE_ACCESS_DENIED"

const maxToolResultSize = 50000

// Dispatcher runs tool calls against the registry, loading missing tools
// through the runtime.
type Dispatcher struct {
	reg     *tooling.Registry
	runtime Loader
	guard   sandbox.Guard
}

func New(reg *tooling.Registry, runtime Loader, guard sandbox.Guard) *Dispatcher {
	return &Dispatcher{reg: reg, runtime: runtime, guard: guard}
}

// Execute runs one tool call. The result is always a string the model can
// read; invocation failures come back as error strings, never as errors. A
// non-nil Change is returned for successful mutating operations.
func (d *Dispatcher) Execute(ctx context.Context, name string, raw map[string]any) (string, *Change) {
	args := raw
	if args == nil {
		args = map[string]any{}
	}
	d.sanitize(name, args)

	tool, ok := d.resolve(ctx, name)
	if !ok {
		logging.ErrorLog("function %s not found", name)
		payload, _ := json.Marshal(map[string]string{
			"error": fmt.Sprintf("function %s not found", name),
		})
		return string(payload), nil
	}

	args = reconcile(name, tool.Definition(), args)

	logging.UserLog("Executing tool: %s", name)
	start := time.Now()
	result, succeeded := d.invoke(ctx, tool, name, args)
	dur := time.Since(start).Round(time.Millisecond)

	var change *Change
	if succeeded {
		logging.DebugLog("tool %s completed: %d bytes in %s", name, len(result), dur)
		change = classify(name, args, result)
	}
	return truncateResult(name, result), change
}

// sanitize rewrites every path argument through the guard so all file
// operations stay inside the workspace root, then pre-creates parent
// directories for mutating operations.
func (d *Dispatcher) sanitize(name string, args map[string]any) {
	for key, value := range args {
		str, ok := value.(string)
		if !ok || !pathParams[key] {
			continue
		}
		resolved := d.guard.Resolve(str)
		if mustExistOps[name] {
			if _, err := os.Stat(resolved); err != nil || !d.guard.Contains(resolved) {
				logging.UserLog("Blocked access to missing or external path: %s", str)
				resolved = filepath.Join(d.guard.Root(), accessDeniedName)
			}
		}
		args[key] = resolved
	}
	if mutatingOps[name] {
		d.ensureParents(name, args)
	}
}

func (d *Dispatcher) ensureParents(name string, args map[string]any) {
	for _, key := range []string{"file_path", "directory_path", "target_file", "target_dir"} {
		value, ok := args[key].(string)
		if !ok || value == "" {
			continue
		}
		dir := filepath.Dir(value)
		if name == "create_directory" {
			dir = value
		}
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logging.DebugLog("[dispatch] mkdir %s: %v", dir, err)
			}
		}
		return
	}
}

// resolve looks the tool up, loading it through the runtime on a miss.
func (d *Dispatcher) resolve(ctx context.Context, name string) (tooling.Tool, bool) {
	if tool, ok := d.reg.Lookup(name); ok {
		return tool, true
	}
	if d.runtime == nil {
		return nil, false
	}
	logging.UserLog("Tool %s not loaded, attempting dynamic load", name)
	if !d.runtime.Load(ctx, name) {
		return nil, false
	}
	return d.reg.Lookup(name)
}

// reconcile renames model-provided argument keys to the schema's declared
// property names: exact match wins, then case-insensitive, then the
// path/file/name synonym family. Unmatched keys pass through untouched.
func reconcile(name string, def tooling.ToolDefinition, args map[string]any) map[string]any {
	props := schemaProperties(def)
	if len(props) == 0 {
		return args
	}

	out := make(map[string]any, len(args))
	var loose []string
	for key := range args {
		if containsString(props, key) {
			out[key] = args[key]
			continue
		}
		loose = append(loose, key)
	}
	sort.Strings(loose)
	for _, key := range loose {
		mapped := matchParam(key, props)
		if mapped == "" {
			out[key] = args[key]
			continue
		}
		if _, taken := out[mapped]; taken {
			out[key] = args[key]
			continue
		}
		logging.DebugLog("[dispatch] %s: remapped argument %s -> %s", name, key, mapped)
		out[mapped] = args[key]
	}
	return out
}

func schemaProperties(def tooling.ToolDefinition) []string {
	props, ok := def.Function.Parameters["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func matchParam(key string, props []string) string {
	lower := strings.ToLower(key)
	for _, prop := range props {
		if strings.ToLower(prop) == lower {
			return prop
		}
	}
	for _, prop := range props {
		if sameParamFamily(lower, strings.ToLower(prop)) {
			return prop
		}
	}
	return ""
}

// paramFamily holds names that all mean "the file being operated on".
var paramFamily = map[string]bool{"path": true, "file": true, "name": true}

func sameParamFamily(key, prop string) bool {
	if strings.Contains(prop, key) || strings.Contains(key, prop) {
		return true
	}
	return inParamFamily(key) && inParamFamily(prop)
}

func inParamFamily(s string) bool {
	for _, token := range strings.Split(s, "_") {
		if paramFamily[token] {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// invoke calls the tool, converting failures into error strings. The known
// text_analysis stop_words defect gets one retry with keywords analysis
// injected.
func (d *Dispatcher) invoke(ctx context.Context, tool tooling.Tool, name string, args map[string]any) (string, bool) {
	result, err := safeCall(ctx, tool, args)
	if err == nil {
		return result, true
	}
	if retryArgs, ok := stopWordsRetry(name, err, args); ok {
		logging.UserLog("text_analysis stop_words defect detected, retrying with keywords analysis included")
		if retryResult, retryErr := safeCall(ctx, tool, retryArgs); retryErr == nil {
			return retryResult, true
		} else {
			err = retryErr
		}
	}
	logging.ErrorLog("tool %s failed: %v", name, err)
	return fmt.Sprintf("Error executing %s: %v", name, err), false
}

func safeCall(ctx context.Context, tool tooling.Tool, args map[string]any) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Call(ctx, args)
}

// stopWordsRetry returns patched arguments when the failure matches the
// text_analysis scoping defect: summary analysis referencing stop_words that
// only the keywords analysis defines.
func stopWordsRetry(name string, err error, args map[string]any) (map[string]any, bool) {
	if name != "text_analysis" || !strings.Contains(err.Error(), "stop_words") {
		return nil, false
	}
	types, _ := args["analysis_types"].([]any)
	for _, item := range types {
		if item == "keywords" {
			return nil, false
		}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	out["analysis_types"] = append([]any{"keywords"}, types...)
	return out, true
}

// classify builds the Change record for a successful mutating operation.
func classify(name string, args map[string]any, result string) *Change {
	if !mutatingOps[name] {
		return nil
	}
	file := ""
	for _, key := range []string{"file_path", "directory_path", "target_file", "destination", "target_dir"} {
		if v, ok := args[key].(string); ok && v != "" {
			file = v
			break
		}
	}
	if file == "" {
		return nil
	}
	content, _ := args["content"].(string)
	return &Change{Operation: name, File: file, Content: content, Result: result}
}

func truncateResult(name, result string) string {
	if len(result) <= maxToolResultSize {
		return result
	}
	original := len(result)
	truncated := result[:maxToolResultSize] + fmt.Sprintf("\n\n[TRUNCATED: Tool result too large (%d chars). Showing first %d chars. Use more specific filters, smaller ranges, or pagination.]", original, maxToolResultSize)
	logging.DebugLog("tool %s result truncated from %d to %d bytes", name, original, len(truncated))
	return truncated
}
