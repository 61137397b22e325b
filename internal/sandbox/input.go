package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Failure kinds for strict input resolution. Callers branch with errors.Is.
var (
	ErrNotFound  = errors.New("input file not found")
	ErrNotFile   = errors.New("input path is not a file")
	ErrExtension = errors.New("input file extension not allowed")
	ErrTooLarge  = errors.New("input file too large")
)

// DefaultInputExtensions is the allow-list applied when none is configured.
var DefaultInputExtensions = []string{
	".txt", ".json", ".csv", ".md", ".py", ".js", ".html", ".css", ".xml", ".yaml", ".yml",
}

// DefaultMaxInputSize caps input files at 10 MiB unless configured otherwise.
const DefaultMaxInputSize int64 = 10 * 1024 * 1024

// InputGuard resolves read-only input files. Unlike Guard it never
// substitutes a fallback: a name that does not resolve to an existing,
// allow-listed, size-bounded regular file fails with a typed error, because
// silently reading a different file than the one asked for would mislead.
type InputGuard struct {
	dir     string
	exts    map[string]bool
	maxSize int64
}

// InputFile describes one entry in the input directory.
type InputFile struct {
	Name    string
	Size    int64
	ModTime time.Time
	Ext     string
	Allowed bool
}

// NewInputGuard anchors the guard at dir. Empty extension lists and
// non-positive size limits take the package defaults.
func NewInputGuard(dir string, extensions []string, maxSize int64) (InputGuard, error) {
	if strings.TrimSpace(dir) == "" {
		return InputGuard{}, fmt.Errorf("input directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return InputGuard{}, fmt.Errorf("resolve input directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return InputGuard{}, fmt.Errorf("create input directory: %w", err)
	}
	if len(extensions) == 0 {
		extensions = DefaultInputExtensions
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxInputSize
	}
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return InputGuard{dir: abs, exts: exts, maxSize: maxSize}, nil
}

// Dir returns the absolute input directory.
func (ig InputGuard) Dir() string {
	return ig.dir
}

// MaxSize returns the configured size ceiling in bytes.
func (ig InputGuard) MaxSize() int64 {
	return ig.maxSize
}

// Extensions returns the sorted allow-list.
func (ig InputGuard) Extensions() []string {
	out := make([]string, 0, len(ig.exts))
	for ext := range ig.exts {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Resolve maps name to an absolute path inside the input directory. Any
// directory components are discarded; input files live flat. The file must
// exist, be a regular file, carry an allow-listed extension, and fit under
// the size ceiling.
func (ig InputGuard) Resolve(name string) (string, error) {
	base := safeBase(normalizeSeparators(strings.TrimSpace(name)))
	if base == "unnamed" {
		return "", fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	path := filepath.Join(ig.dir, base)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", base, ErrNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", base, err)
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", base, ErrNotFile)
	}
	ext := strings.ToLower(filepath.Ext(base))
	if !ig.exts[ext] {
		return "", fmt.Errorf("%s (%s): %w", base, ext, ErrExtension)
	}
	if info.Size() > ig.maxSize {
		return "", fmt.Errorf("%s is %d bytes, limit %d: %w", base, info.Size(), ig.maxSize, ErrTooLarge)
	}
	return path, nil
}

// Validate reports whether name would resolve successfully.
func (ig InputGuard) Validate(name string) bool {
	_, err := ig.Resolve(name)
	return err == nil
}

// List enumerates the regular files in the input directory, flagging which
// ones pass the allow-list and size ceiling.
func (ig InputGuard) List() ([]InputFile, error) {
	entries, err := os.ReadDir(ig.dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	files := make([]InputFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		files = append(files, InputFile{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Ext:     ext,
			Allowed: ig.exts[ext] && info.Size() <= ig.maxSize,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
