package terminal

import (
	"fmt"
	"sort"
	"strings"
)

// keySequences maps key names accepted by send_key onto the byte sequences
// written to the session terminal.
var keySequences = map[string]string{
	"up":     "\x1b[A",
	"down":   "\x1b[B",
	"right":  "\x1b[C",
	"left":   "\x1b[D",
	"enter":  "\r",
	"tab":    "\t",
	"escape": "\x1b",
	"space":  " ",
	"ctrl+c": "\x03",
}

// KeySequence resolves a named key to its terminal byte sequence.
func KeySequence(key string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	seq, ok := keySequences[normalized]
	if !ok {
		return "", fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(KeyNames(), ", "))
	}
	return seq, nil
}

// KeyNames lists the supported key names sorted alphabetically.
func KeyNames() []string {
	names := make([]string, 0, len(keySequences))
	for name := range keySequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
