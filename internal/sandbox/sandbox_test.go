package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGuardResolveAlwaysContained(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	candidates := []string{
		"",
		".",
		"..",
		"../..",
		"../../etc/passwd",
		"/etc/passwd",
		"/",
		"notes.txt",
		"./notes.txt",
		"sub/dir/file.txt",
		"a/../b.txt",
		"..\\..\\windows\\system32",
		"\\network\\share",
		strings.Repeat("../", 20) + "escape.txt",
		filepath.Join(root, "inside.txt"),
		filepath.Join(root, "sub", "deep.txt"),
	}

	for _, candidate := range candidates {
		resolved := guard.Resolve(candidate)
		if !guard.Contains(resolved) {
			t.Errorf("Resolve(%q) = %q escapes root %q", candidate, resolved, root)
		}
		if !filepath.IsAbs(resolved) {
			t.Errorf("Resolve(%q) = %q is not absolute", candidate, resolved)
		}
	}
}

func TestGuardResolveRewrites(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	tests := []struct {
		name      string
		candidate string
		want      string
	}{
		{"empty resolves to root", "", root},
		{"absolute escape keeps basename", "/etc/passwd", filepath.Join(root, "passwd")},
		{"traversal keeps basename", "../../etc/passwd", filepath.Join(root, "passwd")},
		{"inner traversal keeps basename", "a/../b.txt", filepath.Join(root, "b.txt")},
		{"bare traversal gets deterministic name", "..", filepath.Join(root, "unnamed")},
		{"relative joins under root", "sub/dir/file.txt", filepath.Join(root, "sub", "dir", "file.txt")},
		{"leading dot-slash stripped", "./notes.txt", filepath.Join(root, "notes.txt")},
		{"absolute inside root passes through", filepath.Join(root, "sub", "x.txt"), filepath.Join(root, "sub", "x.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := guard.Resolve(tt.candidate)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestGuardNeighborDirectoryNotConfusedWithRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "work")
	neighbor := filepath.Join(base, "work-other")
	if err := os.MkdirAll(neighbor, 0o755); err != nil {
		t.Fatalf("mkdir neighbor: %v", err)
	}
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	if guard.Contains(neighbor) {
		t.Errorf("Contains(%q) = true for sibling of root %q", neighbor, root)
	}
	resolved := guard.Resolve(filepath.Join(neighbor, "secret.txt"))
	if resolved != filepath.Join(root, "secret.txt") {
		t.Errorf("Resolve of sibling path = %q, want basename under root", resolved)
	}
}

func TestGuardRel(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	inside := filepath.Join(root, "sub", "file.txt")
	if got := guard.Rel(inside); got != filepath.Join("sub", "file.txt") {
		t.Errorf("Rel(%q) = %q", inside, got)
	}
	outside := filepath.Join(filepath.Dir(root), "elsewhere.txt")
	if got := guard.Rel(outside); got != outside {
		t.Errorf("Rel of outside path = %q, want unchanged", got)
	}
}

func TestInputGuardTypedFailures(t *testing.T) {
	dir := t.TempDir()
	writeInput := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeInput("ok.txt", "hello")
	writeInput("binary.exe", "MZ")
	writeInput("big.txt", strings.Repeat("x", 100))
	if err := os.MkdirAll(filepath.Join(dir, "subdir.txt"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	guard, err := NewInputGuard(dir, nil, 50)
	if err != nil {
		t.Fatalf("NewInputGuard: %v", err)
	}

	tests := []struct {
		name    string
		file    string
		wantErr error
	}{
		{"missing file", "nope.txt", ErrNotFound},
		{"directory", "subdir.txt", ErrNotFile},
		{"blocked extension", "binary.exe", ErrExtension},
		{"over size limit", "big.txt", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guard.Resolve(tt.file)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.file, err, tt.wantErr)
			}
		})
	}

	path, err := guard.Resolve("ok.txt")
	if err != nil {
		t.Fatalf("Resolve(ok.txt): %v", err)
	}
	if path != filepath.Join(dir, "ok.txt") {
		t.Errorf("Resolve(ok.txt) = %q", path)
	}
}

func TestInputGuardNeverSubstitutes(t *testing.T) {
	dir := t.TempDir()
	guard, err := NewInputGuard(dir, []string{".txt"}, 0)
	if err != nil {
		t.Fatalf("NewInputGuard: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	path, err := guard.Resolve("report.pdf")
	if err == nil {
		t.Fatalf("expected extension failure, got path %q", path)
	}
	if !errors.Is(err, ErrExtension) {
		t.Errorf("error = %v, want ErrExtension", err)
	}
	if path != "" {
		t.Errorf("failed resolve returned non-empty path %q", path)
	}
}

func TestInputGuardFlattensDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	guard, err := NewInputGuard(dir, nil, 0)
	if err != nil {
		t.Fatalf("NewInputGuard: %v", err)
	}

	for _, name := range []string{"data.csv", "nested/deep/data.csv", "../data.csv", "/abs/data.csv"} {
		path, err := guard.Resolve(name)
		if err != nil {
			t.Errorf("Resolve(%q): %v", name, err)
			continue
		}
		if path != filepath.Join(dir, "data.csv") {
			t.Errorf("Resolve(%q) = %q, want flat path", name, path)
		}
	}
}

func TestInputGuardList(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.bin"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	guard, err := NewInputGuard(dir, []string{".txt"}, 0)
	if err != nil {
		t.Fatalf("NewInputGuard: %v", err)
	}

	files, err := guard.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("List returned %d files, want 2", len(files))
	}
	if files[0].Name != "a.txt" || !files[0].Allowed {
		t.Errorf("a.txt entry = %+v", files[0])
	}
	if files[1].Name != "b.bin" || files[1].Allowed {
		t.Errorf("b.bin entry = %+v", files[1])
	}
	if !guard.Validate("a.txt") || guard.Validate("b.bin") {
		t.Errorf("Validate results wrong: a.txt=%v b.bin=%v", guard.Validate("a.txt"), guard.Validate("b.bin"))
	}
}
