package decision

import (
	"context"
	"fmt"
	"strings"

	"gofer/internal/dispatch"
	"gofer/internal/llm"
	"gofer/internal/state"
)

const summarizerSystemPrompt = `You are a technical summarizer that explains code changes clearly and concisely.
Focus on concrete changes and their impact. Avoid filler words and redundant information.

Good summaries:
- "Added /time endpoint that returns current time in ISO format"
- "Created error handling for 404 responses in user routes"
- "Set up project with Flask 2.0.3 and basic config"

Bad summaries:
- "Made changes to the file"
- "Added some new code"
- "The changes were successful"

Use bullet points and be specific but brief.`

const summaryContentPreview = 500

// Summarizer turns tracked file changes into short human-readable summaries
// with a cheap model. A nil *Summarizer is valid and produces nothing.
type Summarizer struct {
	client llm.Client
	model  string
}

func NewSummarizer(client llm.Client, model string) *Summarizer {
	return &Summarizer{client: client, model: model}
}

// SummarizeChanges describes what the listed changes did. stepSummary
// selects the brief per-step variant over the end-of-run one.
func (s *Summarizer) SummarizeChanges(ctx context.Context, changes []dispatch.Change, stepSummary bool) (string, error) {
	if s == nil || len(changes) == 0 {
		return "", nil
	}

	prompt := buildChangesPrompt(changes)
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []state.Message{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("summarize changes: %w", err)
	}
	summary := strings.TrimSpace(responseText(resp))
	if summary == "" {
		return "", nil
	}
	if stepSummary {
		return "Step Result:\n" + summary, nil
	}
	return "Project Status:\n" + summary, nil
}

// buildChangesPrompt groups changes by file, preserving first-seen file
// order, with truncated content previews.
func buildChangesPrompt(changes []dispatch.Change) string {
	var b strings.Builder
	b.WriteString(`Provide a clear and concise summary of the changes made. Focus on:

1. What was actually changed or created
2. Any new functionality or capabilities added
3. The impact or result of the changes

Be direct and avoid filler words or redundant information.
Use bullet points for clarity.

Changes to analyze:
`)

	byFile := make(map[string][]dispatch.Change)
	var order []string
	for _, change := range changes {
		file := change.File
		if file == "" {
			file = "unknown"
		}
		if _, seen := byFile[file]; !seen {
			order = append(order, file)
		}
		byFile[file] = append(byFile[file], change)
	}

	for _, file := range order {
		fmt.Fprintf(&b, "\nFile: %s\n", file)
		for _, change := range byFile[file] {
			fmt.Fprintf(&b, "- Operation: %s\n", change.Operation)
			if change.Content != "" {
				preview := change.Content
				if len(preview) > summaryContentPreview {
					preview = preview[:summaryContentPreview] + "..."
				}
				fmt.Fprintf(&b, "  Content:\n%s\n", preview)
			}
			if change.Result != "" {
				fmt.Fprintf(&b, "  Result: %s\n", change.Result)
			}
		}
	}
	return b.String()
}
