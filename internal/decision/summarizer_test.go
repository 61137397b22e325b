package decision

import (
	"context"
	"strings"
	"testing"

	"gofer/internal/dispatch"
	"gofer/internal/llm/mockclient"
)

func TestSummarizeChangesNilReceiver(t *testing.T) {
	var s *Summarizer
	out, err := s.SummarizeChanges(context.Background(), []dispatch.Change{{Operation: "write_file"}}, true)
	if out != "" || err != nil {
		t.Errorf("nil summarizer = (%q, %v)", out, err)
	}
}

func TestSummarizeChangesSkipsEmptyList(t *testing.T) {
	client := mockclient.New()
	s := NewSummarizer(client, "cheap-model")

	out, err := s.SummarizeChanges(context.Background(), nil, false)
	if out != "" || err != nil {
		t.Errorf("empty changes = (%q, %v)", out, err)
	}
	if client.CallCount() != 0 {
		t.Errorf("client called for empty change list")
	}
}

func TestSummarizeChangesStepVariant(t *testing.T) {
	client := mockclient.New()
	client.EnqueueText("- Created hello.py with a greeting function")
	s := NewSummarizer(client, "cheap-model")

	changes := []dispatch.Change{
		{Operation: "write_file", File: "hello.py", Content: "print('hi')", Result: "Successfully wrote"},
		{Operation: "edit_file", File: "hello.py", Result: "Successfully replaced 1 occurrence"},
		{Operation: "create_directory", File: "data", Result: `{"path":"data","created":true}`},
	}
	out, err := s.SummarizeChanges(context.Background(), changes, true)
	if err != nil {
		t.Fatalf("SummarizeChanges: %v", err)
	}
	if !strings.HasPrefix(out, "Step Result:\n") {
		t.Errorf("out = %q", out)
	}

	reqs := client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Messages[0].Role != "system" {
		t.Errorf("first message role = %q", reqs[0].Messages[0].Role)
	}
	prompt := reqs[0].Messages[1].Content
	if strings.Count(prompt, "File: hello.py") != 1 {
		t.Errorf("changes not grouped by file:\n%s", prompt)
	}
	for _, want := range []string{"Operation: write_file", "Operation: edit_file", "File: data", "print('hi')"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSummarizeChangesFinalVariant(t *testing.T) {
	client := mockclient.New()
	client.EnqueueText("- Project scaffolded with two modules")
	s := NewSummarizer(client, "cheap-model")

	out, err := s.SummarizeChanges(context.Background(), []dispatch.Change{
		{Operation: "write_file", File: "main.py", Content: "x = 1"},
	}, false)
	if err != nil {
		t.Fatalf("SummarizeChanges: %v", err)
	}
	if !strings.HasPrefix(out, "Project Status:\n") {
		t.Errorf("out = %q", out)
	}
}

func TestSummarizeChangesTruncatesContentPreview(t *testing.T) {
	client := mockclient.New()
	client.EnqueueText("- Wrote a large file")
	s := NewSummarizer(client, "cheap-model")

	big := strings.Repeat("a", 900)
	_, err := s.SummarizeChanges(context.Background(), []dispatch.Change{
		{Operation: "write_file", File: "big.txt", Content: big},
	}, true)
	if err != nil {
		t.Fatalf("SummarizeChanges: %v", err)
	}

	prompt := client.Requests()[0].Messages[1].Content
	if strings.Contains(prompt, big) {
		t.Errorf("content not truncated")
	}
	if !strings.Contains(prompt, strings.Repeat("a", 500)+"...") {
		t.Errorf("truncated preview missing")
	}
}
