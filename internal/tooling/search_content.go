package tooling

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gofer/internal/sandbox"
)

// SearchFileContentTool searches workspace file contents with a regex.
type SearchFileContentTool struct {
	guard sandbox.Guard
}

// contentLine is a single line in content-mode output.
type contentLine struct {
	Line    int    `json:"line"`
	Type    string `json:"type"` // "match" or "context"
	Content string `json:"content"`
}

func NewSearchFileContentTool(guard sandbox.Guard) *SearchFileContentTool {
	return &SearchFileContentTool{guard: guard}
}

func (*SearchFileContentTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "search_file_content",
			Description: "Search file contents using regex patterns. Returns matching lines or file paths. In content mode each match is an array of line objects with 'line' (number), 'type' (match/context), and 'content' (exact text). Supports context lines, case-insensitive search, and glob filtering.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{
						"type":        "string",
						"description": "Regular expression pattern to search for.",
					},
					"path": map[string]any{
						"type":        "string",
						"description": "File or directory to search (default: workspace root).",
					},
					"glob": map[string]any{
						"type":        "string",
						"description": "Glob pattern to filter files (e.g., '*.js').",
					},
					"case_insensitive": map[string]any{
						"type":        "boolean",
						"description": "Perform case-insensitive search (default: false).",
					},
					"output_mode": map[string]any{
						"type":        "string",
						"description": "Output mode: 'content' (matching lines), 'files' (file paths only), 'count' (match counts). Default: 'files'.",
						"enum":        []string{"content", "files", "count"},
					},
					"context_before": map[string]any{
						"type":        "integer",
						"description": "Lines to show before each match (content mode).",
					},
					"context_after": map[string]any{
						"type":        "integer",
						"description": "Lines to show after each match (content mode).",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results to return (default: 100).",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Skip first N matches (pagination for truncated results). Default: 0.",
					},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

func (t *SearchFileContentTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	patternStr, ok := stringArg(args, "pattern")
	if !ok || patternStr == "" {
		return "", errors.New("pattern is required")
	}
	if boolArg(args, "case_insensitive", false) {
		patternStr = "(?i)" + patternStr
	}
	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return "", fmt.Errorf("invalid regex pattern: %w", err)
	}

	searchPath, _ := stringArg(args, "path")
	root := t.guard.Resolve(searchPath)

	globPattern, _ := stringArg(args, "glob")
	outputMode, _ := stringArg(args, "output_mode")
	if outputMode == "" {
		outputMode = "files"
	}
	contextBefore := intArg(args, "context_before", 0)
	contextAfter := intArg(args, "context_after", 0)
	maxResults := intArg(args, "max_results", 100)
	offset := intArg(args, "offset", 0)

	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}

	var results any
	if info.IsDir() {
		results, err = t.searchDirectory(ctx, root, pattern, globPattern, outputMode, contextBefore, contextAfter, maxResults, offset)
	} else {
		results, err = t.searchFile(root, pattern, outputMode, contextBefore, contextAfter, maxResults, offset)
	}
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}

	// Own 20KB cap with offset-based continuation, tighter than the
	// dispatcher's generic limit so pagination hints stay actionable.
	const maxSearchResultSize = 20000
	if len(data) > maxSearchResultSize {
		truncated := data[:maxSearchResultSize]
		continuation := fmt.Sprintf("\n\n[TRUNCATED: Search result too large (%d chars). Showing first %d chars. To see more results, use offset=%d to continue from where this left off.]", len(data), maxSearchResultSize, offset+maxResults)
		return string(truncated) + continuation, nil
	}
	return string(data), nil
}

func (t *SearchFileContentTool) searchDirectory(ctx context.Context, root string, pattern *regexp.Regexp, globPattern string, outputMode string, contextBefore, contextAfter, maxResults, offset int) (any, error) {
	type fileMatch struct {
		Path    string `json:"path"`
		Matches []any  `json:"matches,omitempty"`
		Count   int    `json:"count,omitempty"`
	}

	var results []fileMatch
	totalMatches := 0
	skippedMatches := 0

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if info.IsDir() {
			return nil
		}
		if globPattern != "" {
			matched, err := filepath.Match(globPattern, filepath.Base(path))
			if err != nil || !matched {
				return nil
			}
		}
		if isBinaryFile(path) {
			return nil
		}

		matches, count := t.scanFile(path, pattern, outputMode, contextBefore, contextAfter, maxResults-totalMatches)
		if count > 0 {
			if skippedMatches < offset {
				toSkip := offset - skippedMatches
				if toSkip >= count {
					skippedMatches += count
					return nil
				}
				if outputMode == "content" && len(matches) > toSkip {
					matches = matches[toSkip:]
				}
				count -= toSkip
				skippedMatches += toSkip
			}

			fm := fileMatch{Path: t.guard.Rel(path), Count: count}
			if outputMode == "content" {
				fm.Matches = matches
			}
			results = append(results, fm)
			totalMatches += count

			if totalMatches >= maxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	if outputMode == "files" {
		paths := make([]string, len(results))
		for i, r := range results {
			paths[i] = r.Path
		}
		return map[string]any{"count": len(paths), "files": paths}, nil
	}
	return map[string]any{"count": len(results), "results": results}, nil
}

func (t *SearchFileContentTool) searchFile(path string, pattern *regexp.Regexp, outputMode string, contextBefore, contextAfter, maxResults, offset int) (any, error) {
	relPath := t.guard.Rel(path)
	matches, count := t.scanFile(path, pattern, outputMode, contextBefore, contextAfter, maxResults+offset)

	if offset > 0 && count > offset {
		if outputMode == "content" && len(matches) > offset {
			matches = matches[offset:]
		}
		count -= offset
	} else if offset > 0 {
		count = 0
		matches = nil
	}

	if outputMode == "files" {
		if count > 0 {
			return map[string]any{"count": 1, "files": []string{relPath}}, nil
		}
		return map[string]any{"count": 0, "files": []string{}}, nil
	}
	return map[string]any{"path": relPath, "count": count, "matches": matches}, nil
}

func (t *SearchFileContentTool) scanFile(path string, pattern *regexp.Regexp, outputMode string, contextBefore, contextAfter, maxResults int) ([]any, int) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	if outputMode == "count" || outputMode == "files" {
		count := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if pattern.MatchString(scanner.Text()) {
				count++
			}
		}
		return nil, count
	}

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var matches []any
	count := 0
	for i, line := range lines {
		if !pattern.MatchString(line) {
			continue
		}
		var contextLines []contentLine

		start := i - contextBefore
		if start < 0 {
			start = 0
		}
		for j := start; j < i; j++ {
			contextLines = append(contextLines, contentLine{Line: j + 1, Type: "context", Content: lines[j]})
		}
		contextLines = append(contextLines, contentLine{Line: i + 1, Type: "match", Content: line})
		end := i + contextAfter + 1
		if end > len(lines) {
			end = len(lines)
		}
		for j := i + 1; j < end; j++ {
			contextLines = append(contextLines, contentLine{Line: j + 1, Type: "context", Content: lines[j]})
		}

		matches = append(matches, contextLines)
		count++
		if count >= maxResults {
			break
		}
	}
	return matches, count
}

func isBinaryFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	binaryExts := map[string]bool{
		".exe": true, ".dll": true, ".so": true, ".dylib": true,
		".bin": true, ".dat": true, ".db": true, ".sqlite": true,
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".pdf": true, ".zip": true, ".tar": true, ".gz": true,
		".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
	}
	return binaryExts[ext]
}
