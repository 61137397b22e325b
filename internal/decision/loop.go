package decision

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	defaultLoopWindow    = 5
	defaultLoopThreshold = 0.7
)

// Severity levels for loop detections.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Detection types.
const (
	LoopExactRepetition   = "exact_repetition"
	LoopSemanticRepeat    = "semantic_repetition"
	LoopNoActionConfusion = "no_action_confusion"
)

type observation struct {
	content      string
	step         int
	hasToolCalls bool
}

// Detection describes one detected repetition pattern.
type Detection struct {
	Type          string
	Severity      string
	Count         int
	Steps         []int
	RecentActions bool
}

// LoopDetector watches assistant responses for unproductive repetition over
// a sliding window.
type LoopDetector struct {
	window    int
	threshold float64
	history   []observation
	loopCount int
	lastStep  int
	differ    *diffmatchpatch.DiffMatchPatch
}

func NewLoopDetector() *LoopDetector {
	return &LoopDetector{
		window:    defaultLoopWindow,
		threshold: defaultLoopThreshold,
		lastStep:  -1,
		differ:    diffmatchpatch.New(),
	}
}

// Observe records one assistant response.
func (d *LoopDetector) Observe(content string, step int, hasToolCalls bool) {
	d.history = append(d.history, observation{
		content:      strings.TrimSpace(content),
		step:         step,
		hasToolCalls: hasToolCalls,
	})
	if len(d.history) > d.window {
		d.history = d.history[len(d.history)-d.window:]
	}
}

// confusionKeywords flag responses that ask for direction instead of acting.
var confusionKeywords = []string{
	"clarify", "specify", "provide", "need", "help", "unclear",
	"which", "what", "how", "could you", "please", "not sure",
	"specific", "more information", "details",
}

// Detect reports a repetition pattern ending at the current step, or nil.
// Detections are rate limited to one per three steps so the agent has room
// to recover.
func (d *LoopDetector) Detect(step int) *Detection {
	if len(d.history) < 3 {
		return nil
	}
	if step-d.lastStep < 3 {
		return nil
	}

	current := d.history[len(d.history)-1]
	previous := d.history[:len(d.history)-1]

	var exactSteps []int
	for _, obs := range previous {
		if obs.content == current.content {
			exactSteps = append(exactSteps, obs.step)
		}
	}
	if len(exactSteps) >= 1 {
		d.loopCount++
		d.lastStep = step
		return &Detection{
			Type:     LoopExactRepetition,
			Severity: SeverityHigh,
			Count:    len(exactSteps) + 1,
			Steps:    append(exactSteps, current.step),
		}
	}

	var similarSteps []int
	for _, obs := range previous {
		if d.similarity(obs.content, current.content) >= d.threshold {
			similarSteps = append(similarSteps, obs.step)
		}
	}
	if len(similarSteps) >= 2 {
		d.loopCount++
		d.lastStep = step
		return &Detection{
			Type:     LoopSemanticRepeat,
			Severity: SeverityMedium,
			Count:    len(similarSteps) + 1,
			Steps:    append(similarSteps, current.step),
		}
	}

	var noAction []observation
	productive := 0
	for _, obs := range d.history {
		if obs.hasToolCalls {
			productive++
		} else {
			noAction = append(noAction, obs)
		}
	}
	if len(noAction) >= 3 {
		confused := 0
		for _, obs := range noAction {
			lower := strings.ToLower(obs.content)
			for _, keyword := range confusionKeywords {
				if strings.Contains(lower, keyword) {
					confused++
					break
				}
			}
		}
		if float64(confused) >= float64(len(noAction))*0.6 {
			if productive > 0 {
				recentConfusion := 0
				for _, obs := range noAction {
					if obs.step >= step-2 {
						recentConfusion++
					}
				}
				if recentConfusion < 2 {
					return nil
				}
			}
			d.loopCount++
			d.lastStep = step
			steps := make([]int, 0, len(noAction))
			for _, obs := range noAction {
				steps = append(steps, obs.step)
			}
			return &Detection{
				Type:          LoopNoActionConfusion,
				Severity:      SeverityMedium,
				Count:         len(noAction),
				Steps:         steps,
				RecentActions: productive > 0,
			}
		}
	}

	return nil
}

// similarity is 1 - levenshtein/maxLen over lowercased text.
func (d *LoopDetector) similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	diffs := d.differ.DiffMain(a, b, false)
	distance := d.differ.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(maxLen)
}

// Reset clears all detector state for a new run.
func (d *LoopDetector) Reset() {
	d.history = nil
	d.loopCount = 0
	d.lastStep = -1
}

// BreakMessage builds the corrective user message injected after a
// detection. It restates the instruction and forces a stop-or-act decision
// with concrete tool suggestions.
func (d *LoopDetector) BreakMessage(det *Detection, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LOOP DETECTED: you are stuck in a %s loop (severity: %s).\n", det.Type, det.Severity)
	fmt.Fprintf(&b, "You have repeated similar responses %d times across steps %s.\n\n", det.Count, formatSteps(det.Steps))
	fmt.Fprintf(&b, "ORIGINAL INSTRUCTION: %q\n\n", instruction)
	b.WriteString("Make a decision now. You have two options:\n\n")
	b.WriteString("OPTION 1 - STOP: if the instruction is too vague, impossible, or you genuinely cannot determine what to do, respond with a message containing \"task complete\" or \"stopping execution\" and explain why stopping is the right call.\n\n")
	b.WriteString("OPTION 2 - ACT: if you can make reasonable assumptions, execute ONE concrete tool call immediately. Suggestions:\n")

	switch det.Type {
	case LoopExactRepetition:
		b.WriteString("- Use write_file to create a deliverable based on your best reading of the task\n")
		b.WriteString("- Use web_search to gather current information on the topic\n")
		b.WriteString("- Use list_directory to explore and work with available files\n")
	case LoopSemanticRepeat:
		b.WriteString("- Use web_search to gather information instead of asking questions\n")
		b.WriteString("- Use write_file to produce something useful from reasonable assumptions\n")
	case LoopNoActionConfusion:
		if det.RecentActions {
			b.WriteString("- Build on the actions you already took: extend or analyze what you created\n")
			b.WriteString("- Finish the work you started instead of asking for more direction\n")
		} else {
			b.WriteString("- Use list_directory to explore available files and work with them\n")
			b.WriteString("- Use write_file to create a useful demonstration\n")
		}
	}

	b.WriteString("\nRules: no more questions like \"could you clarify\" or \"please specify\". Either stop with a clear explanation or take a concrete action with a tool in your next response.")
	return b.String()
}

func formatSteps(steps []int) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return strings.Join(parts, ", ")
}
