package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// inputHistory keeps prompt history across sessions in a plain text file,
// one entry per line. File errors are swallowed: history is a convenience,
// not state.
type inputHistory struct {
	mu      sync.Mutex
	path    string
	entries []string
	added   int
	chars   int
}

func loadInputHistory(path string) *inputHistory {
	h := &inputHistory{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return h
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		h.entries = append(h.entries, line)
	}
	return h
}

func (h *inputHistory) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Add records the line in memory and appends it to the history file.
func (h *inputHistory) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, line)
	h.added++
	h.chars += len(line)
	if h.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// Stats reports the total number of known entries and how many characters
// this session added.
func (h *inputHistory) Stats() (count, chars int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries), h.chars
}
