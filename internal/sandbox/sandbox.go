package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard confines workspace file paths to a single root directory. Resolve
// never rejects a candidate: paths that would escape the root are rewritten
// to a deterministic in-root location so mutating tools always land
// somewhere safe.
type Guard struct {
	root string
}

// NewGuard anchors a guard at root, creating the directory if needed.
func NewGuard(root string) (Guard, error) {
	if strings.TrimSpace(root) == "" {
		return Guard{}, fmt.Errorf("workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Guard{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Guard{}, fmt.Errorf("create workspace root: %w", err)
	}
	return Guard{root: abs}, nil
}

// Root returns the absolute workspace root.
func (g Guard) Root() string {
	return g.root
}

// Resolve maps an arbitrary candidate path to an absolute path inside the
// workspace root. Absolute paths already under the root pass through;
// absolute or traversal-bearing paths are reduced to their final filename
// joined to the root; clean relative paths are joined to the root after
// stripping leading dot and separator tokens. The joined result is
// re-verified against the root and falls back to root/<basename> if it
// still escapes.
func (g Guard) Resolve(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return g.root
	}
	candidate = normalizeSeparators(candidate)

	if abs, err := filepath.Abs(candidate); err == nil && g.Contains(abs) {
		return filepath.Clean(abs)
	}

	if filepath.IsAbs(candidate) || hasTraversal(candidate) || strings.HasPrefix(candidate, string(os.PathSeparator)) {
		return filepath.Join(g.root, safeBase(candidate))
	}

	cleaned := strings.TrimLeft(candidate, "."+string(os.PathSeparator))
	if cleaned == "" {
		return filepath.Join(g.root, safeBase(candidate))
	}

	joined := filepath.Join(g.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil || !g.Contains(abs) {
		return filepath.Join(g.root, safeBase(candidate))
	}
	return abs
}

// Contains reports whether abs is the root itself or located under it.
func (g Guard) Contains(abs string) bool {
	abs = filepath.Clean(abs)
	return abs == g.root || strings.HasPrefix(abs, g.root+string(os.PathSeparator))
}

// Rel returns the workspace-relative display form of an absolute path.
func (g Guard) Rel(path string) string {
	rel, err := filepath.Rel(g.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func normalizeSeparators(path string) string {
	path = strings.ReplaceAll(path, "\\", string(os.PathSeparator))
	return strings.ReplaceAll(path, "/", string(os.PathSeparator))
}

func hasTraversal(path string) bool {
	for _, part := range strings.Split(path, string(os.PathSeparator)) {
		if part == ".." {
			return true
		}
	}
	return false
}

func safeBase(path string) string {
	base := filepath.Base(path)
	if base == "." || base == ".." || base == string(os.PathSeparator) || base == "" {
		return "unnamed"
	}
	return base
}
