package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gofer/internal/config"
	"gofer/internal/decision"
	"gofer/internal/dispatch"
	"gofer/internal/llm"
	"gofer/internal/llm/mockclient"
	"gofer/internal/memory"
	"gofer/internal/prompts"
	"gofer/internal/sandbox"
	"gofer/internal/state"
	"gofer/internal/tooling"
)

// fakeDecider replays scripted verdicts and falls back to "continue" once the
// script runs out. The goal analysis echoes the instruction back.
type fakeDecider struct {
	verdicts     []decision.Verdict
	analyzed     []string
	continueReqs []decision.ContinueRequest
	onDecide     func(step int)
}

func (f *fakeDecider) AnalyzeInstruction(_ context.Context, instruction string) (decision.TaskGoal, error) {
	f.analyzed = append(f.analyzed, instruction)
	return decision.TaskGoal{
		PrimaryObjective:    instruction,
		EstimatedComplexity: "simple",
		RequiresTools:       true,
	}, nil
}

func (f *fakeDecider) ShouldContinue(_ context.Context, req decision.ContinueRequest) (decision.Verdict, error) {
	f.continueReqs = append(f.continueReqs, req)
	if f.onDecide != nil {
		f.onDecide(req.Step)
	}
	if len(f.verdicts) > 0 {
		v := f.verdicts[0]
		f.verdicts = f.verdicts[1:]
		return v, nil
	}
	return decision.Verdict{Continue: true, Reasoning: "keep going", Confidence: 0.5}, nil
}

type fakeTool struct {
	name  string
	fn    func(args map[string]any) (string, error)
	calls []map[string]any
}

func (f *fakeTool) Definition() tooling.ToolDefinition {
	return tooling.ToolDefinition{
		Type: "function",
		Function: tooling.ToolFunction{
			Name:        f.name,
			Description: "test tool",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{"type": "string"},
					"content":   map[string]any{"type": "string"},
				},
			},
		},
	}
}

func (f *fakeTool) Call(_ context.Context, args map[string]any) (string, error) {
	f.calls = append(f.calls, args)
	if f.fn != nil {
		return f.fn(args)
	}
	return "ok", nil
}

type failingClient struct{ err error }

func (f failingClient) Chat(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, f.err
}

// statusProbe records the run's status every time the runner reads input, so
// tests can observe the awaiting state from inside the manual gate.
type statusProbe struct {
	run  *state.Run
	data io.Reader
	seen []string
}

func (p *statusProbe) Read(b []byte) (int, error) {
	if p.run != nil {
		p.seen = append(p.seen, p.run.Status())
	}
	return p.data.Read(b)
}

type testEnv struct {
	client  *mockclient.Client
	decider *fakeDecider
	tool    *fakeTool
	run     *state.Run
	runner  *Runner
	out     *bytes.Buffer
	workdir string
}

func newTestEnv(t *testing.T, cfg config.Config, input io.Reader, adjust ...func(*Options)) *testEnv {
	t.Helper()

	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 5
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	guard, err := sandbox.NewGuard(cfg.WorkspaceRoot)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	states, err := state.NewManager("base system prompt", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	run, err := states.NewRun("test-run")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	env := &testEnv{
		client:  mockclient.New(),
		decider: &fakeDecider{},
		tool:    &fakeTool{name: "write_file"},
		run:     run,
		out:     &bytes.Buffer{},
		workdir: guard.Root(),
	}
	reg := tooling.NewRegistry(env.tool)
	if input == nil {
		input = strings.NewReader("")
	}
	opts := Options{
		Client:     env.client,
		Run:        run,
		States:     states,
		Registry:   reg,
		Dispatcher: dispatch.New(reg, nil, guard),
		Decider:    env.decider,
		Config:     cfg,
		Input:      input,
		Output:     env.out,
	}
	for _, fn := range adjust {
		fn(&opts)
	}
	env.runner = New(opts)
	return env
}

func openMemory(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunStopsWhenDeciderSaysStop(t *testing.T) {
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil)
	env.client.EnqueueText("The note is written. Task complete.")
	env.decider.verdicts = []decision.Verdict{
		{Continue: false, Reasoning: "objective met", Confidence: 0.9},
	}

	if err := env.runner.Run(context.Background(), "write a short note"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
	if got := env.runner.Outcome(); got != OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", got, OutcomeCompleted)
	}
	if got := env.run.Status(); got != state.StatusStopped {
		t.Errorf("run status = %q, want %q", got, state.StatusStopped)
	}
	if got := env.run.Goal(); got != "write a short note" {
		t.Errorf("goal = %q", got)
	}
	if !strings.Contains(env.out.String(), "Stopping: objective met") {
		t.Errorf("output missing stop reason:\n%s", env.out.String())
	}
}

func TestRunBuildsStepSystemPrompt(t *testing.T) {
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil)
	env.client.EnqueueText("Task complete.")
	env.decider.verdicts = []decision.Verdict{{Continue: false, Reasoning: "done", Confidence: 0.8}}

	if err := env.runner.Run(context.Background(), "summarize the report"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := env.client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	msgs := reqs[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", msgs[0].Role)
	}
	for _, want := range []string{
		"## Step Status",
		"You are on step 1 of 5",
		"Primary objective: summarize the report",
	} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if msgs[1].Role != "user" || msgs[1].Content != "summarize the report" {
		t.Errorf("second message = %+v", msgs[1])
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != "write_file" {
		t.Errorf("tools = %+v", reqs[0].Tools)
	}
}

func TestRunDispatchesToolCalls(t *testing.T) {
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil)
	env.client.EnqueueToolCall("call-1", "write_file", `{"file_path":"notes.txt","content":"hello"}`)
	env.client.EnqueueText("Task complete.")
	env.decider.verdicts = []decision.Verdict{
		{Continue: true, Reasoning: "file just written", Confidence: 0.7},
		{Continue: false, Reasoning: "done", Confidence: 0.9},
	}

	if err := env.runner.Run(context.Background(), "save a greeting"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(env.tool.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(env.tool.calls))
	}
	wantPath := filepath.Join(env.workdir, "notes.txt")
	if got := env.tool.calls[0]["file_path"]; got != wantPath {
		t.Errorf("file_path = %v, want %s", got, wantPath)
	}
	if got := env.tool.calls[0]["content"]; got != "hello" {
		t.Errorf("content = %v", got)
	}

	var toolMsg *state.Message
	for _, msg := range env.run.Messages() {
		if msg.Role == "tool" {
			m := msg
			toolMsg = &m
			break
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message recorded")
	}
	if toolMsg.ToolCallID != "call-1" || toolMsg.Name != "write_file" || toolMsg.Content != "ok" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	if got := env.client.CallCount(); got != 2 {
		t.Fatalf("chat calls = %d, want 2", got)
	}
	second := env.client.Requests()[1].Messages
	if last := second[len(second)-1]; last.Role != "tool" {
		t.Errorf("last message of second request = %+v, want the tool result", last)
	}
	if got := env.decider.continueReqs[0].ToolsUsed; len(got) != 1 || got[0] != "write_file" {
		t.Errorf("decider saw tools %v", got)
	}
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	env := newTestEnv(t, config.Config{MaxSteps: 2, AutoContinue: -1}, nil)

	if err := env.runner.Run(context.Background(), "build a tiny site"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 2 {
		t.Errorf("chat calls = %d, want 2", got)
	}
	if got := env.runner.Outcome(); got != OutcomeMaxSteps {
		t.Errorf("outcome = %q, want %q", got, OutcomeMaxSteps)
	}
	if got := env.run.StepsTaken(); got != 2 {
		t.Errorf("steps taken = %d, want 2", got)
	}
	if !strings.Contains(env.out.String(), "Reached the maximum number of steps (2)") {
		t.Errorf("output missing max-steps notice:\n%s", env.out.String())
	}
}

func TestAutoModeNudgesTextOnlyReplies(t *testing.T) {
	env := newTestEnv(t, config.Config{AutoContinue: 2}, nil)
	env.client.EnqueueText("I will inspect the workspace first.")
	env.client.EnqueueText("All set. Task complete.")
	env.decider.verdicts = []decision.Verdict{
		{Continue: true, Reasoning: "nothing written yet", Confidence: 0.6},
		{Continue: false, Reasoning: "done", Confidence: 0.9},
	}

	if err := env.runner.Run(context.Background(), "tidy the workspace"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 2 {
		t.Fatalf("chat calls = %d, want 2", got)
	}
	second := env.client.Requests()[1].Messages
	last := second[len(second)-1]
	if last.Role != "user" || last.Content != prompts.AutoContinueNudge {
		t.Errorf("last message of second request = %+v, want the auto-continue nudge", last)
	}
}

func TestManualGateStopsOnN(t *testing.T) {
	env := newTestEnv(t, config.Config{}, strings.NewReader("n\n"))
	env.client.EnqueueText("Started on the draft.")

	if err := env.runner.Run(context.Background(), "draft a blog post"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
	if got := env.runner.Outcome(); got != OutcomeStopped {
		t.Errorf("outcome = %q, want %q", got, OutcomeStopped)
	}
	if !strings.Contains(env.out.String(), "Stopping the agent") {
		t.Errorf("output missing stop notice:\n%s", env.out.String())
	}
}

func TestManualGateForwardsNewInstruction(t *testing.T) {
	env := newTestEnv(t, config.Config{}, strings.NewReader("also add a title\n"))
	env.client.EnqueueText("Draft written.")
	env.client.EnqueueText("Title added.")

	if err := env.runner.Run(context.Background(), "draft a blog post"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 2 {
		t.Fatalf("chat calls = %d, want 2", got)
	}
	second := env.client.Requests()[1].Messages
	last := second[len(second)-1]
	if last.Role != "user" || last.Content != "also add a title" {
		t.Errorf("last message of second request = %+v, want the follow-up instruction", last)
	}
	// Input is exhausted after the follow-up, so the next gate stops the run.
	if got := env.runner.Outcome(); got != OutcomeStopped {
		t.Errorf("outcome = %q, want %q", got, OutcomeStopped)
	}
	if !strings.Contains(env.out.String(), "No further input, stopping") {
		t.Errorf("output missing EOF notice:\n%s", env.out.String())
	}
}

func TestManualGateMarksRunAwaiting(t *testing.T) {
	probe := &statusProbe{data: strings.NewReader("n\n")}
	env := newTestEnv(t, config.Config{}, probe)
	probe.run = env.run
	env.client.EnqueueText("Working on it.")

	if err := env.runner.Run(context.Background(), "draft a blog post"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(probe.seen) == 0 {
		t.Fatal("input was never read")
	}
	if probe.seen[0] != state.StatusAwaiting {
		t.Errorf("status during prompt = %q, want %q", probe.seen[0], state.StatusAwaiting)
	}
	if got := env.run.Status(); got != state.StatusStopped {
		t.Errorf("final status = %q, want %q", got, state.StatusStopped)
	}
}

func TestLoopBreakInjectsGuidance(t *testing.T) {
	env := newTestEnv(t, config.Config{MaxSteps: 10, AutoContinue: -1}, nil)
	repeat := "Let me think about what the instruction might mean."
	env.client.EnqueueText(repeat)
	env.client.EnqueueText(repeat)
	env.client.EnqueueText(repeat)
	env.client.EnqueueText("Stopping execution: the instruction never specified a target.")
	env.decider.verdicts = []decision.Verdict{
		{Continue: true, Reasoning: "first look", Confidence: 0.5},
		{Continue: true, Reasoning: "still early", Confidence: 0.5},
		{Continue: true, Reasoning: "still early", Confidence: 0.5},
		{Continue: true, Reasoning: "one more chance", Confidence: 0.5},
		{Continue: false, Reasoning: "model chose to stop", Confidence: 0.8},
	}

	if err := env.runner.Run(context.Background(), "improve things"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 4 {
		t.Errorf("chat calls = %d, want 4", got)
	}
	if got := len(env.decider.continueReqs); got != 5 {
		t.Errorf("continue decisions = %d, want 5", got)
	}
	if !strings.Contains(env.out.String(), "Injecting loop-breaking guidance") {
		t.Fatalf("output missing injection notice:\n%s", env.out.String())
	}

	fourth := env.client.Requests()[3].Messages
	if len(fourth) != 8 {
		t.Fatalf("fourth request carries %d messages, want 8", len(fourth))
	}
	last := fourth[len(fourth)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "LOOP DETECTED") {
		t.Errorf("last message of fourth request = %+v, want the loop-break message", last)
	}
	if got := env.runner.Outcome(); got != OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", got, OutcomeCompleted)
	}
}

func TestProviderFailureEndsRunAsFailed(t *testing.T) {
	store := openMemory(t)
	client := failingClient{err: &llm.ProviderError{
		Type:      llm.ErrorTypeAuth,
		Provider:  "mock",
		Code:      "401",
		Message:   "invalid api key",
		Retryable: false,
	}}
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil, func(o *Options) {
		o.Client = client
		o.Memory = store
	})

	err := env.runner.Run(context.Background(), "write a short note")
	if err == nil {
		t.Fatal("Run returned nil, want error")
	}
	if !strings.Contains(err.Error(), "chat completion") {
		t.Errorf("error = %v", err)
	}
	if got := env.runner.Outcome(); got != OutcomeFailed {
		t.Errorf("outcome = %q, want %q", got, OutcomeFailed)
	}
	if got := env.run.Status(); got != state.StatusStopped {
		t.Errorf("final status = %q, want %q", got, state.StatusStopped)
	}

	runs, err := store.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded runs = %d, want 1", len(runs))
	}
	if runs[0].Outcome != OutcomeFailed || runs[0].Steps != 0 {
		t.Errorf("recorded run = %+v", runs[0])
	}
	if runs[0].EndedAt.IsZero() {
		t.Error("run end was not recorded")
	}
}

func TestRequestStopHaltsAtStepBoundary(t *testing.T) {
	env := newTestEnv(t, config.Config{MaxSteps: 10, AutoContinue: -1}, nil)
	env.client.EnqueueText("Working through the task.")
	env.decider.onDecide = func(int) { env.runner.RequestStop() }

	if err := env.runner.Run(context.Background(), "write a short note"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
	if got := env.runner.Outcome(); got != OutcomeStopped {
		t.Errorf("outcome = %q, want %q", got, OutcomeStopped)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := env.runner.Run(ctx, "write a short note"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.client.CallCount(); got != 0 {
		t.Errorf("chat calls = %d, want 0", got)
	}
	if got := env.runner.Outcome(); got != OutcomeStopped {
		t.Errorf("outcome = %q, want %q", got, OutcomeStopped)
	}
}

func TestRunRecordsRunInMemory(t *testing.T) {
	store := openMemory(t)
	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil, func(o *Options) {
		o.Memory = store
	})
	env.client.EnqueueToolCall("call-1", "write_file", `{"file_path":"notes.txt","content":"hello"}`)
	env.client.EnqueueText("Task complete.")
	env.decider.verdicts = []decision.Verdict{
		{Continue: true, Reasoning: "file just written", Confidence: 0.7},
		{Continue: false, Reasoning: "done", Confidence: 0.9},
	}

	if err := env.runner.Run(context.Background(), "save a greeting"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := store.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded runs = %d, want 1", len(runs))
	}
	if runs[0].Instruction != "save a greeting" {
		t.Errorf("instruction = %q", runs[0].Instruction)
	}
	if runs[0].Outcome != OutcomeCompleted || runs[0].Steps != 2 {
		t.Errorf("recorded run = %+v", runs[0])
	}

	changes, err := store.Changes(runs[0].ID)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("recorded changes = %d, want 1", len(changes))
	}
	if changes[0].Operation != "write_file" || changes[0].Content != "hello" {
		t.Errorf("change = %+v", changes[0])
	}
	if want := filepath.Join(env.workdir, "notes.txt"); changes[0].File != want {
		t.Errorf("change file = %q, want %q", changes[0].File, want)
	}
}

func TestRunRestoresWorkingDirectory(t *testing.T) {
	before, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}

	env := newTestEnv(t, config.Config{AutoContinue: -1}, nil)
	var during string
	env.tool.fn = func(map[string]any) (string, error) {
		during, _ = os.Getwd()
		return "ok", nil
	}
	env.client.EnqueueToolCall("call-1", "write_file", `{"file_path":"notes.txt","content":"hi"}`)
	env.decider.verdicts = []decision.Verdict{{Continue: false, Reasoning: "done", Confidence: 0.9}}

	if err := env.runner.Run(context.Background(), "save a greeting"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantDir, _ := filepath.EvalSymlinks(env.workdir)
	gotDir, _ := filepath.EvalSymlinks(during)
	if gotDir != wantDir {
		t.Errorf("cwd during run = %q, want %q", gotDir, wantDir)
	}
	after, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if after != before {
		t.Errorf("cwd after run = %q, want %q", after, before)
	}
}

func TestRunRejectsEmptyInstruction(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	if err := env.runner.Run(context.Background(), "   "); err == nil {
		t.Fatal("Run accepted a blank instruction")
	}
	if got := env.client.CallCount(); got != 0 {
		t.Errorf("chat calls = %d, want 0", got)
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	env.runner.active = true
	err := env.runner.Run(context.Background(), "write a short note")
	if err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Fatalf("err = %v, want already-in-progress error", err)
	}
}
