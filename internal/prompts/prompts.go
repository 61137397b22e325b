package prompts

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"
)

//go:embed system_gofer.txt
var baseSystemPrompt string

// AutoContinueNudge is appended as a user message when an auto-mode step
// produced neither tool calls nor a completion claim.
const AutoContinueNudge = "Please continue with the next step of the task. Remember to use the available tools to make progress."

var (
	metadataMu sync.RWMutex
	metadata   string
)

// Base returns the built-in gofer system prompt.
func Base() string {
	return strings.TrimSpace(baseSystemPrompt)
}

// Combine joins the built-in prompt with an optional user-provided prompt.
func Combine(user string) string {
	base := Base()
	trimmed := strings.TrimSpace(user)
	var sections []string
	sections = append(sections, base)

	if meta := getMetadata(); meta != "" {
		sections = append(sections, "## Environment Context\n"+meta)
	}

	if trimmed != "" {
		sections = append(sections, trimmed)
	}

	return strings.Join(sections, "\n\n")
}

// AutoStatus renders the auto-continue budget as the status line StepPrompt
// expects: -1 is unlimited, 0 is manual mode.
func AutoStatus(remaining int) string {
	switch {
	case remaining == -1:
		return "enabled (infinite)"
	case remaining > 0:
		return fmt.Sprintf("enabled (%d steps remaining)", remaining)
	default:
		return "disabled"
	}
}

// StepPrompt renders the per-step system prompt: base prompt, environment
// metadata, and a step status block with guidance for the current mode.
func StepPrompt(step, maxSteps int, autoStatus string) string {
	var b strings.Builder
	b.WriteString(Combine(""))
	b.WriteString("\n\n## Step Status\n")
	fmt.Fprintf(&b, "Current date and time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "You are on step %d of %d total steps. Auto-continue is %s.\n\n", step, maxSteps, autoStatus)
	b.WriteString(modeGuidance(autoStatus))
	return b.String()
}

func modeGuidance(autoStatus string) string {
	switch {
	case strings.HasPrefix(autoStatus, "enabled (infinite"):
		return "You are running in AUTO-CONTINUE mode with no step cap. A separate decision pass determines when to stop; work toward the objective efficiently and do not repeat yourself."
	case strings.HasPrefix(autoStatus, "enabled"):
		return "You are running in AUTO-CONTINUE mode. A separate decision pass determines when to stop; make the remaining steps count."
	default:
		return "You are running in MANUAL mode. Execution pauses for confirmation after this step, so be clear about your progress and what remains."
	}
}

// GoalSection renders the analyzed task goal for the system prompt. An empty
// objective yields an empty string.
func GoalSection(objective string, criteria, deliverables []string) string {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Objective\n")
	b.WriteString("Primary objective: " + objective)
	if len(criteria) > 0 {
		b.WriteString("\nSuccess criteria: " + strings.Join(criteria, ", "))
	}
	if len(deliverables) > 0 {
		b.WriteString("\nExpected deliverables: " + strings.Join(deliverables, ", "))
	}
	return b.String()
}

// SetMetadata defines the environment metadata appended to the system prompt.
func SetMetadata(info string) {
	metadataMu.Lock()
	defer metadataMu.Unlock()
	metadata = strings.TrimSpace(info)
}

func getMetadata() string {
	metadataMu.RLock()
	defer metadataMu.RUnlock()
	return metadata
}
