// Package decision holds the run loop's collaborators for judgment calls:
// instruction analysis, continue/stop verdicts, loop detection and change
// summaries.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gofer/internal/llm"
	"gofer/internal/logging"
	"gofer/internal/state"
)

// TaskGoal is the structured reading of the user's instruction.
type TaskGoal struct {
	PrimaryObjective     string   `json:"primary_objective"`
	SuccessCriteria      []string `json:"success_criteria"`
	EstimatedComplexity  string   `json:"estimated_complexity"`
	RequiresTools        bool     `json:"requires_tools"`
	ExpectedDeliverables []string `json:"expected_deliverables"`
}

// Verdict is a continue/stop decision with its rationale.
type Verdict struct {
	Continue   bool
	Reasoning  string
	Confidence float64
}

// ContinueRequest carries everything the decider needs to judge one step.
type ContinueRequest struct {
	Instruction  string
	Goal         *TaskGoal
	Step         int
	MaxSteps     int
	LastResponse string
	ToolsUsed    []string
}

// Decider judges whether a run should keep going.
type Decider interface {
	AnalyzeInstruction(ctx context.Context, instruction string) (TaskGoal, error)
	ShouldContinue(ctx context.Context, req ContinueRequest) (Verdict, error)
}

// LLMDecider asks a model for strict-JSON answers and degrades to heuristics
// when the answer is malformed.
type LLMDecider struct {
	client llm.Client
	model  string
}

func NewLLMDecider(client llm.Client, model string) *LLMDecider {
	return &LLMDecider{client: client, model: model}
}

const analysisPromptFormat = `Analyze this task instruction and answer in strict JSON with no surrounding text.

INSTRUCTION: %q

Respond with exactly these keys:
{
  "primary_objective": "one sentence describing what must be accomplished",
  "success_criteria": ["observable criteria for success"],
  "estimated_complexity": "simple|moderate|complex",
  "requires_tools": true,
  "expected_deliverables": ["files or outputs the user should receive"],
  "reasoning": "one or two sentences on how you read the instruction"
}`

// AnalyzeInstruction reads the instruction into a TaskGoal. Failures fall
// back to a literal goal so the run can always proceed.
func (d *LLMDecider) AnalyzeInstruction(ctx context.Context, instruction string) (TaskGoal, error) {
	fallback := TaskGoal{
		PrimaryObjective:     instruction,
		SuccessCriteria:      []string{"Complete the requested task"},
		EstimatedComplexity:  "moderate",
		RequiresTools:        true,
		ExpectedDeliverables: []string{"Task completion"},
	}

	prompt := fmt.Sprintf(analysisPromptFormat, instruction)
	resp, err := d.client.Chat(ctx, llm.ChatRequest{
		Model:       d.model,
		Messages:    []state.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return fallback, err
	}

	block, ok := jsonBlock(responseText(resp))
	if !ok {
		logging.DebugLog("[decision] instruction analysis returned no JSON")
		return fallback, nil
	}
	var payload struct {
		TaskGoal
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		logging.DebugLog("[decision] instruction analysis unparseable: %v", err)
		return fallback, nil
	}
	goal := payload.TaskGoal
	if goal.PrimaryObjective == "" {
		goal.PrimaryObjective = instruction
	}
	if payload.Reasoning != "" {
		logging.DebugLog("[decision] task analysis: %s", payload.Reasoning)
	}
	return goal, nil
}

const continuePromptFormat = `You monitor an autonomous agent working on a task. Decide whether it should continue or stop.

OBJECTIVE: %s
ORIGINAL INSTRUCTION: %q
STEP: %d of %d
TOOLS USED THIS STEP: %s
AGENT'S LATEST RESPONSE:
%s

Stop when the objective is met, when the agent declares completion, or when further steps clearly cannot help. Continue when concrete work remains.

Answer in strict JSON with no surrounding text:
{"decision": "CONTINUE" or "STOP", "reasoning": "one sentence", "confidence": 0.0 to 1.0}`

// ShouldContinue asks the model for a verdict on the step just taken.
func (d *LLMDecider) ShouldContinue(ctx context.Context, req ContinueRequest) (Verdict, error) {
	objective := req.Instruction
	if req.Goal != nil && req.Goal.PrimaryObjective != "" {
		objective = req.Goal.PrimaryObjective
	}
	toolsUsed := "none"
	if len(req.ToolsUsed) > 0 {
		toolsUsed = strings.Join(req.ToolsUsed, ", ")
	}
	response := req.LastResponse
	if response == "" {
		response = "(no text, tool calls only)"
	}

	prompt := fmt.Sprintf(continuePromptFormat,
		objective, req.Instruction, req.Step, req.MaxSteps, toolsUsed, response)
	resp, err := d.client.Chat(ctx, llm.ChatRequest{
		Model:       d.model,
		Messages:    []state.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return heuristicVerdict(req), err
	}

	if verdict, ok := parseVerdict(responseText(resp)); ok {
		return verdict, nil
	}
	logging.DebugLog("[decision] unparseable verdict, using heuristic")
	return heuristicVerdict(req), nil
}

func parseVerdict(text string) (Verdict, bool) {
	block, ok := jsonBlock(text)
	if !ok {
		return Verdict{}, false
	}
	var payload struct {
		Decision   string  `json:"decision"`
		Reasoning  string  `json:"reasoning"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return Verdict{}, false
	}
	switch strings.ToUpper(strings.TrimSpace(payload.Decision)) {
	case "CONTINUE":
		return Verdict{Continue: true, Reasoning: payload.Reasoning, Confidence: payload.Confidence}, true
	case "STOP":
		return Verdict{Continue: false, Reasoning: payload.Reasoning, Confidence: payload.Confidence}, true
	}
	return Verdict{}, false
}

// completionPhrases mark a response that declares the task finished.
var completionPhrases = []string{
	"task complete",
	"i've completed",
	"all done",
	"finished",
	"completed successfully",
	"stopping execution",
}

// ClaimsCompletion reports whether text declares the task finished.
func ClaimsCompletion(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// heuristicVerdict is the fallback when the model gives no usable answer:
// keep going while steps remain unless the agent claims completion.
func heuristicVerdict(req ContinueRequest) Verdict {
	if ClaimsCompletion(req.LastResponse) {
		return Verdict{Continue: false, Reasoning: "Response declares the task complete", Confidence: 0.4}
	}
	if req.MaxSteps > 0 && req.Step >= req.MaxSteps {
		return Verdict{Continue: false, Reasoning: "Step budget exhausted", Confidence: 0.4}
	}
	return Verdict{Continue: true, Reasoning: "No usable decision, continuing while steps remain", Confidence: 0.3}
}

// jsonBlock cuts the outermost {...} out of a response, tolerating markdown
// fences and prose around it.
func jsonBlock(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func responseText(resp llm.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
