// Package agent drives the step loop: one model request per step, strictly
// sequential tool dispatch, a continue/stop decision after every step, and
// loop-breaking when the model starts repeating itself.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"

	"gofer/internal/config"
	"gofer/internal/decision"
	"gofer/internal/dispatch"
	"gofer/internal/llm"
	"gofer/internal/logging"
	"gofer/internal/memory"
	"gofer/internal/prompts"
	"gofer/internal/state"
	"gofer/internal/tooling"
)

// Outcome labels recorded when a run ends.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeMaxSteps  = "max_steps"
	OutcomeFailed    = "failed"
)

// Options wires the runner's collaborators. Client, Run, Registry, Dispatcher
// and Decider are required; States, Summarizer, Memory, Logger, Input and
// Output may be left unset.
type Options struct {
	Client     llm.Client
	Model      string
	Run        *state.Run
	States     *state.Manager
	Registry   *tooling.Registry
	Dispatcher *dispatch.Dispatcher
	Decider    decision.Decider
	Loops      *decision.LoopDetector
	Summarizer *decision.Summarizer
	Memory     *memory.Store
	Config     config.Config
	Logger     *log.Logger
	Renderer   *glamour.TermRenderer
	Input      io.Reader
	Output     io.Writer

	// Catalog supplies the tool definitions advertised to the model. Nil
	// falls back to Registry, which only covers loaded tools; wiring the
	// plugin runtime here exposes discovered-but-unloaded tools as well.
	Catalog ToolCatalog
}

// ToolCatalog is the advertised tool surface. Both *tooling.Registry and
// *plugins.Runtime satisfy it.
type ToolCatalog interface {
	Definitions() []tooling.ToolDefinition
}

// Runner executes one run at a time against its configured collaborators.
type Runner struct {
	client     llm.Client
	model      string
	run        *state.Run
	states     *state.Manager
	registry   *tooling.Registry
	catalog    ToolCatalog
	dispatcher *dispatch.Dispatcher
	decider    decision.Decider
	loops      *decision.LoopDetector
	summarizer *decision.Summarizer
	memory     *memory.Store
	cfg        config.Config
	logger     *log.Logger
	render     *glamour.TermRenderer
	reader     *bufio.Reader
	output     io.Writer

	mu            sync.Mutex
	active        bool
	stopRequested bool
	lastOutcome   string
}

func New(opts Options) *Runner {
	model := opts.Model
	if model == "" {
		model = opts.Config.Model
	}
	loops := opts.Loops
	if loops == nil {
		loops = decision.NewLoopDetector()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	input := opts.Input
	if input == nil {
		input = os.Stdin
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = opts.Registry
	}
	return &Runner{
		client:     opts.Client,
		model:      model,
		run:        opts.Run,
		states:     opts.States,
		registry:   opts.Registry,
		catalog:    catalog,
		dispatcher: opts.Dispatcher,
		decider:    opts.Decider,
		loops:      loops,
		summarizer: opts.Summarizer,
		memory:     opts.Memory,
		cfg:        opts.Config,
		logger:     logger,
		render:     opts.Renderer,
		reader:     bufio.NewReader(input),
		output:     output,
	}
}

// RequestStop asks the runner to halt once the step in flight completes.
// Safe to call from a signal handler goroutine.
func (r *Runner) RequestStop() {
	r.mu.Lock()
	already := r.stopRequested
	r.stopRequested = true
	r.mu.Unlock()
	if !already {
		logging.UserLog("Stop requested. Finishing the current step before halting.")
	}
}

// Active reports whether a run is in flight.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Outcome reports how the most recent run ended.
func (r *Runner) Outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOutcome
}

// Run works on instruction step by step until the decision layer stops it,
// the step budget runs out, a stop is requested, or the provider gives up.
func (r *Runner) Run(ctx context.Context, instruction string) error {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return errors.New("instruction must not be empty")
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return errors.New("a run is already in progress")
	}
	r.active = true
	r.stopRequested = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}()

	r.printf("gofer initialized with instruction: %s\n", instruction)
	if r.cfg.AutoContinue != 0 {
		if r.cfg.AutoContinue > 0 {
			r.printf("Auto-continue enabled for %d steps\n", r.cfg.AutoContinue)
		} else {
			r.printf("Auto-continue enabled for all steps\n")
		}
		r.printf("Press Ctrl+C at any time to interrupt and stop execution\n")
	} else {
		r.printf("Manual mode (auto-continue disabled)\n")
	}

	originalCwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	if root := r.cfg.WorkspaceRoot; root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("prepare workspace: %w", err)
		}
		if err := os.Chdir(root); err != nil {
			return fmt.Errorf("enter workspace: %w", err)
		}
		defer func() {
			if err := os.Chdir(originalCwd); err != nil {
				logging.ErrorLog("restore working directory: %v", err)
			}
		}()
		r.printf("Working directory: %s\n", root)
	}

	r.loops.Reset()
	goal := r.analyzeGoal(ctx, instruction)

	runID, err := r.memory.BeginRun(instruction)
	if err != nil {
		logging.ErrorLog("record run start: %v", err)
	}

	r.run.SetGoal(instruction)
	r.run.SetStatus(state.StatusRunning)
	r.run.Append(state.Message{Role: "user", Content: instruction})
	if err := r.persist(); err != nil {
		return err
	}

	maxSteps := r.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	autoRemaining := r.cfg.AutoContinue

	var (
		changesMade []dispatch.Change
		stepsTaken  int
		outcome     = OutcomeMaxSteps
		runErr      error
	)

steps:
	for step := 1; step <= maxSteps; step++ {
		if r.stopping() || ctx.Err() != nil {
			outcome = OutcomeStopped
			break
		}

		r.run.SetSystemMessage(r.stepSystemPrompt(step, maxSteps, autoRemaining, goal))
		r.printf("\n--- Step %d/%d ---\n", step, maxSteps)

		messages := r.run.Messages()
		r.logger.Printf("[agent] invoking provider with %d messages (~%d chars)", len(messages), historyCharCount(messages))
		resp, err := r.callProviderWithRetry(ctx, llm.ChatRequest{
			Model:       r.model,
			Messages:    messages,
			Tools:       r.catalog.Definitions(),
			Temperature: r.cfg.Temperature,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				outcome = OutcomeStopped
			} else {
				logging.ErrorLog("model request failed: %v", err)
				outcome = OutcomeFailed
				runErr = fmt.Errorf("chat completion: %w", err)
			}
			break
		}
		if resp.Usage != nil {
			logging.DebugLog("token usage: prompt=%d completion=%d total=%d",
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
		}
		if len(resp.Choices) == 0 {
			outcome = OutcomeFailed
			runErr = errors.New("no choices returned")
			break
		}

		choice := resp.Choices[0]
		r.run.Append(choice.Message)
		stepsTaken = step
		r.run.SetStepsTaken(step)
		if runErr = r.persist(); runErr != nil {
			outcome = OutcomeFailed
			break
		}

		content := choice.Message.Content
		if content != "" {
			r.printf("\nAssistant: %s\n", r.rendered(content))
		}

		toolsUsed, stepChanges := r.dispatchToolCalls(ctx, choice.Message.ToolCalls)
		changesMade = append(changesMade, stepChanges...)
		if len(choice.Message.ToolCalls) > 0 {
			if runErr = r.persist(); runErr != nil {
				outcome = OutcomeFailed
				break
			}
		}

		if summary, err := r.summarizer.SummarizeChanges(ctx, stepChanges, true); err != nil {
			logging.DebugLog("step summary failed: %v", err)
		} else if summary != "" {
			r.printf("\n%s\n", r.rendered(summary))
		}

		if content != "" {
			r.loops.Observe(content, step, len(choice.Message.ToolCalls) > 0)
		}

		req := decision.ContinueRequest{
			Instruction:  instruction,
			Goal:         &goal,
			Step:         step,
			MaxSteps:     maxSteps,
			LastResponse: content,
			ToolsUsed:    toolsUsed,
		}
		verdict := r.decide(ctx, req)
		if !verdict.Continue {
			r.printf("\nStopping: %s (confidence %.2f)\n", verdict.Reasoning, verdict.Confidence)
			outcome = OutcomeCompleted
			break
		}
		logging.DebugLog("continue decision: %s (confidence %.2f)", verdict.Reasoning, verdict.Confidence)

		if det := r.loops.Detect(step); det != nil && det.Severity == decision.SeverityHigh {
			logging.UserLog("High-severity %s loop detected across steps %v", det.Type, det.Steps)
			verdict = r.decide(ctx, req)
			if !verdict.Continue {
				r.printf("\nStopping after repeated responses: %s\n", verdict.Reasoning)
				outcome = OutcomeCompleted
				break
			}
			r.printf("\nInjecting loop-breaking guidance\n")
			r.run.Append(state.Message{Role: "user", Content: r.loops.BreakMessage(det, instruction)})
			if runErr = r.persist(); runErr != nil {
				outcome = OutcomeFailed
				break
			}
			continue
		}

		if step >= maxSteps || r.stopping() {
			continue
		}

		if autoRemaining == -1 || autoRemaining > 0 {
			if autoRemaining > 0 {
				autoRemaining--
			}
			if len(choice.Message.ToolCalls) == 0 && content != "" && !decision.ClaimsCompletion(content) {
				logging.DebugLog("auto mode: nudging the model to keep acting")
				r.run.Append(state.Message{Role: "user", Content: prompts.AutoContinueNudge})
				if runErr = r.persist(); runErr != nil {
					outcome = OutcomeFailed
					break
				}
			}
			continue
		}

		r.run.SetStatus(state.StatusAwaiting)
		line, err := r.promptUser()
		r.run.SetStatus(state.StatusRunning)
		if err != nil {
			r.printf("\nNo further input, stopping\n")
			outcome = OutcomeStopped
			break
		}
		switch answer := strings.TrimSpace(line); strings.ToLower(answer) {
		case "n":
			r.printf("Stopping the agent\n")
			outcome = OutcomeStopped
			break steps
		case "y", "":
			// keep working on the current task
		default:
			r.printf("\nUser: %s\n", answer)
			r.run.Append(state.Message{Role: "user", Content: answer})
			if runErr = r.persist(); runErr != nil {
				outcome = OutcomeFailed
				break steps
			}
		}
	}

	if outcome == OutcomeMaxSteps {
		r.printf("\nReached the maximum number of steps (%d)\n", maxSteps)
	}

	if len(changesMade) > 0 {
		if summary, err := r.summarizer.SummarizeChanges(ctx, changesMade, false); err != nil {
			logging.DebugLog("final summary failed: %v", err)
		} else if summary != "" {
			r.printf("\n%s\n", r.rendered(summary))
		}
	}

	if err := r.memory.AppendChanges(runID, changesMade); err != nil {
		logging.ErrorLog("record changes: %v", err)
	}
	if err := r.memory.FinishRun(runID, stepsTaken, outcome); err != nil {
		logging.ErrorLog("record run end: %v", err)
	}

	r.run.SetStatus(state.StatusStopped)
	r.run.SetStepsTaken(stepsTaken)
	if err := r.persist(); err != nil {
		logging.ErrorLog("persist final run state: %v", err)
	}

	r.mu.Lock()
	r.lastOutcome = outcome
	r.mu.Unlock()

	r.printf("\nRun finished: %s after %d step(s)\n", outcome, stepsTaken)
	return runErr
}

func (r *Runner) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Runner) persist() error {
	if r.states == nil {
		return nil
	}
	if err := r.states.Save(r.run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// analyzeGoal asks the decision layer what the instruction is really after.
// Analysis failures degrade to the instruction itself.
func (r *Runner) analyzeGoal(ctx context.Context, instruction string) decision.TaskGoal {
	r.printf("Analyzing task requirements...\n")
	goal, err := r.decider.AnalyzeInstruction(ctx, instruction)
	if err != nil {
		logging.DebugLog("instruction analysis degraded: %v", err)
	}
	r.printf("Primary objective: %s\n", goal.PrimaryObjective)
	if len(goal.SuccessCriteria) > 0 {
		r.printf("Success criteria: %s\n", strings.Join(goal.SuccessCriteria, ", "))
	}
	if goal.EstimatedComplexity != "" {
		r.printf("Complexity: %s\n", goal.EstimatedComplexity)
	}
	if len(goal.ExpectedDeliverables) > 0 {
		r.printf("Expected deliverables: %s\n", strings.Join(goal.ExpectedDeliverables, ", "))
	}
	return goal
}

func (r *Runner) stepSystemPrompt(step, maxSteps, autoRemaining int, goal decision.TaskGoal) string {
	system := prompts.StepPrompt(step, maxSteps, prompts.AutoStatus(autoRemaining))
	if section := prompts.GoalSection(goal.PrimaryObjective, goal.SuccessCriteria, goal.ExpectedDeliverables); section != "" {
		system += "\n\n" + section
	}
	return system
}

// dispatchToolCalls executes the calls strictly in order, appending one tool
// message per call so every ToolCallID gets an answer.
func (r *Runner) dispatchToolCalls(ctx context.Context, calls []state.ToolCall) ([]string, []dispatch.Change) {
	var toolsUsed []string
	var changes []dispatch.Change
	for _, call := range calls {
		name := call.Function.Name
		toolsUsed = append(toolsUsed, name)
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				logging.ErrorLog("invalid arguments for %s: %v", name, err)
				r.run.Append(state.Message{
					Role:       "tool",
					Content:    fmt.Sprintf("Error parsing arguments for %s: %v", name, err),
					ToolCallID: call.ID,
					Name:       name,
				})
				continue
			}
		}
		result, change := r.dispatcher.Execute(ctx, name, args)
		if change != nil {
			changes = append(changes, *change)
		}
		r.run.Append(state.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
			Name:       name,
		})
	}
	return toolsUsed, changes
}

func (r *Runner) decide(ctx context.Context, req decision.ContinueRequest) decision.Verdict {
	verdict, err := r.decider.ShouldContinue(ctx, req)
	if err != nil {
		logging.DebugLog("continue decision degraded: %v", err)
	}
	return verdict
}

func (r *Runner) promptUser() (string, error) {
	r.printf("\nEnter your next instruction, 'y' to continue with the current task, or 'n' to stop: ")
	line, err := r.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *Runner) callProviderWithRetry(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	const (
		maxRetries   = 5
		initialDelay = time.Second
		maxDelay     = 16 * time.Second
	)
	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		start := time.Now()
		resp, err := r.client.Chat(ctx, req)
		elapsed := time.Since(start).Round(time.Millisecond)
		logging.DebugLog("provider call finished: err=%v (attempt %d/%d, duration=%s)", err, attempt, maxRetries, elapsed)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return llm.ChatResponse{}, context.Canceled
		}

		if pe, ok := llm.IsProviderError(err); ok {
			if !pe.Retryable {
				r.logger.Printf("[agent] provider error (non-retryable): %s", pe.Error())
				return llm.ChatResponse{}, err
			}
			// Use the provider-specified retry delay when it is longer
			if pe.RetryAfter != nil && *pe.RetryAfter > delay {
				delay = *pe.RetryAfter
			}
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}
		r.logger.Printf("[agent] retrying provider call (attempt %d/%d) after %v", attempt+1, maxRetries, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return llm.ChatResponse{}, context.Canceled
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return llm.ChatResponse{}, lastErr
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.output, format, args...)
}

// rendered passes markdown through the terminal renderer when one is wired;
// render failures fall back to the raw text.
func (r *Runner) rendered(text string) string {
	if r.render == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := r.render.Render(text)
	if err != nil {
		r.logger.Printf("[agent] markdown render failed: %v", err)
		return text
	}
	return strings.TrimRight(out, "\n")
}

func historyCharCount(messages []state.Message) int {
	data, err := json.Marshal(messages)
	if err != nil {
		total := 0
		for _, msg := range messages {
			total += len(msg.Content)
			for _, call := range msg.ToolCalls {
				total += len(call.Function.Arguments)
			}
		}
		return total
	}
	return len(data)
}
