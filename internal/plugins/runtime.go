package plugins

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"gofer/internal/logging"
	"gofer/internal/tooling"
)

// Entry sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

const scriptFileName = "tool.star"

// Entry is one known tool: builtin or discovered in the remote repository.
type Entry struct {
	Name     string
	Category string
	RepoPath string
	Source   string
	Loaded   bool
	Schema   SchemaResult

	content string // fetched script source, cached across load attempts
}

// Runtime owns the dynamic tool catalog: builtin tools seed it, remote
// discovery extends it, and Load materializes remote scripts on demand.
type Runtime struct {
	mu      sync.Mutex
	reg     *tooling.Registry
	client  RepoClient
	entries map[string]*Entry
	order   []string
	tempDir string
}

func New(reg *tooling.Registry, client RepoClient) *Runtime {
	rt := &Runtime{
		reg:     reg,
		client:  client,
		entries: make(map[string]*Entry),
	}
	rt.seedLocal()
	return rt
}

// seedLocal records every tool already in the registry as a loaded local
// entry. Local names always win over remote candidates.
func (rt *Runtime) seedLocal() {
	for _, def := range rt.reg.Definitions() {
		name := def.Function.Name
		rt.entries[name] = &Entry{
			Name:     name,
			Category: "builtin",
			Source:   SourceLocal,
			Loaded:   true,
			Schema:   SchemaResult{Definition: def, Known: true, Strategy: "local"},
		}
		rt.order = append(rt.order, name)
	}
}

// Discover lists the remote repository tree and records every tool script as
// an unloaded remote entry. A transport failure leaves the local catalog
// intact; the caller decides whether to surface it.
func (rt *Runtime) Discover(ctx context.Context) error {
	if rt.client == nil {
		return nil
	}
	tree, err := rt.client.Tree(ctx)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	found := 0
	for _, item := range tree {
		category, name, ok := parseToolPath(item.Path)
		if !ok || item.Type != "blob" {
			continue
		}
		if _, exists := rt.entries[name]; exists {
			// Local tools and earlier remote hits keep precedence.
			logging.DebugLog("[plugins] skipping remote %s: name already present", name)
			continue
		}
		rt.entries[name] = &Entry{
			Name:     name,
			Category: category,
			RepoPath: item.Path,
			Source:   SourceRemote,
			Schema:   SchemaResult{Definition: placeholderDefinition(name, category), Known: false},
		}
		rt.order = append(rt.order, name)
		found++
	}
	logging.DebugLog("[plugins] discovered %d remote tools", found)
	return nil
}

// parseToolPath matches commands/<category>/<name>/tool.star exactly.
func parseToolPath(path string) (category, name string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "commands" || parts[3] != scriptFileName {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Definitions returns every tool definition the model may call: registered
// tools first, then placeholders (or extracted schemas) for remote tools
// that have not been loaded yet.
func (rt *Runtime) Definitions() []tooling.ToolDefinition {
	defs := rt.reg.Definitions()
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Function.Name] = true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, name := range rt.order {
		entry := rt.entries[name]
		if entry == nil || seen[name] {
			continue
		}
		defs = append(defs, entry.Schema.Definition)
	}
	return defs
}

// Entry returns a copy of the named catalog entry.
func (rt *Runtime) Entry(name string) (Entry, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry, ok := rt.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns catalog entries in discovery order.
func (rt *Runtime) Entries() []Entry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Entry, 0, len(rt.order))
	for _, name := range rt.order {
		if entry := rt.entries[name]; entry != nil {
			out = append(out, *entry)
		}
	}
	return out
}

// ByCategory groups tool names per category, each group sorted.
func (rt *Runtime) ByCategory() map[string][]string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string][]string)
	for _, entry := range rt.entries {
		out[entry.Category] = append(out[entry.Category], entry.Name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// Cleanup removes the materialized script directory.
func (rt *Runtime) Cleanup() {
	rt.mu.Lock()
	dir := rt.tempDir
	rt.tempDir = ""
	rt.mu.Unlock()
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logging.ErrorLog("[plugins] cleanup %s: %v", dir, err)
	}
}
