package decision

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// System prompts establish the agent persona once; per-round context goes in
// the user prompt. Every prompt demands a single JSON object so parsing stays
// uniform across providers.

const executionSystemPrompt = `You are TaskDroid, a meticulous AI agent executing a multi-step task on an Android device. Your reasoning must be precise and stateful. You are already inside the correct application; complete the CURRENT SUB-GOAL using the elements on the screen.

Respond with a single JSON object and nothing else:
{
  "observation": "<visual state of the screen>",
  "thought": "<your reasoning: is the sub-goal already complete? if not, what single micro-action makes progress?>",
  "action": {"name": "<command>", ...parameters...},
  "summary": "<one human-readable sentence describing the action>",
  "expectation": "<what you expect to change on screen>"
}

Commands:
- {"name": "tap", "element_id": <int>}
- {"name": "long_press", "element_id": <int>}
- {"name": "swipe", "element_id": <int>, "direction": "up|down|left|right"}
- {"name": "swipe", "direction": "up|down|left|right"}  (whole-screen scroll)
- {"name": "type_text", "text": "<string>"}
- {"name": "back"}
- {"name": "wait", "seconds": <int>}
- {"name": "subgoal_complete"}  (ONLY when the current sub-goal is fully achieved)
- {"name": "finish"}  (ONLY when the entire task is complete)

Check for sub-goal completion FIRST: if the screen already satisfies the current sub-goal, the action MUST be subgoal_complete.`

const explorationSystemPrompt = `You are TaskDroid, an AI agent exploring an Android application to understand its features and build a knowledge base. The target application is already open; do not switch apps or navigate to the home screen. Be curious: prefer elements with no existing documentation, scroll to find more content, and go back freely from dead ends.

Respond with a single JSON object and nothing else:
{
  "observation": "<what looks new or interesting>",
  "thought": "<what you are curious about trying and why>",
  "action": {"name": "<command>", ...parameters...},
  "summary": "<one human-readable sentence describing the action>",
  "expectation": "<what you expect to happen>"
}

Commands:
- {"name": "tap", "element_id": <int>}
- {"name": "long_press", "element_id": <int>}
- {"name": "swipe", "element_id": <int>, "direction": "up|down|left|right"}
- {"name": "swipe", "direction": "up|down|left|right"}  (whole-screen scroll)
- {"name": "type_text", "text": "<string>"}  (try generic text like "hello")
- {"name": "back"}
- {"name": "wait", "seconds": <int>}
- {"name": "finish"}  (when exploration feels complete)`

const gridSystemPrompt = `You are TaskDroid, an AI agent controlling an Android device. Structured element detection is unavailable, so the screen is addressed through a uniform grid of numbered cells, row-major from 1 (top-left). Pick the cell covering your target and refine with a sub-area.

Respond with a single JSON object and nothing else:
{
  "observation": "<visual state of the screen>",
  "thought": "<which cell and sub-area covers the target and why>",
  "action": {"name": "<command>", ...parameters...},
  "summary": "<one human-readable sentence describing the action>",
  "expectation": "<what you expect to change>"
}

Commands:
- {"name": "tap", "grid": {"cell": <int>, "subarea": "<subarea>"}}
- {"name": "long_press", "grid": {"cell": <int>, "subarea": "<subarea>"}}
- {"name": "swipe", "grid": {"cell": <int>, "subarea": "<subarea>", "end_cell": <int>, "end_subarea": "<subarea>"}}
- {"name": "back"}
- {"name": "wait", "seconds": <int>}
- {"name": "finish"}

Sub-areas: center, top-left, top, top-right, left, right, bottom-left, bottom, bottom-right.`

const decompositionSystemPrompt = `You are a planning module for an Android automation agent. Break the user's request into the smallest possible atomic, sequential sub-goals.

Respond with a single JSON object and nothing else:
{"sub_goals": ["<first sub-goal>", "<second sub-goal>", ...]}

Example request: "Calculate 12 plus 25 and show the result"
Example response: {"sub_goals": ["Enter the number 12", "Press the add button", "Enter the number 25", "Press the equals button", "Verify the result is 37"]}`

// correctiveSuffix is appended to the user prompt when the previous response
// could not be parsed.
const correctiveSuffix = "\n\nYour previous response could not be parsed. It must be a single valid JSON object in the exact format described, with no surrounding prose."

// buildDecompositionPrompt renders the planning request.
func buildDecompositionPrompt(task schemas.Task) string {
	return fmt.Sprintf("User request: %q\n\nProvide the sub-goal list.", task.Instruction)
}

// promptContext is the per-round state rendered into the user prompt.
type promptContext struct {
	Task           schemas.Task
	SubGoals       []schemas.SubGoal
	CurrentSubGoal *schemas.SubGoal
	State          schemas.ScreenState
	Knowledge      []schemas.KnowledgeEntry
	LastSummary    string
	GridRows       int
	GridCols       int
}

func buildExecutionPrompt(pc promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OVERALL TASK: %s\n\n", pc.Task.Instruction)

	b.WriteString("SUB-GOAL CHECKLIST:\n")
	for _, sg := range pc.SubGoals {
		marker := " "
		if sg.Status == schemas.SubGoalDone {
			marker = "DONE"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", sg.Index+1, marker, sg.Description)
	}
	if pc.CurrentSubGoal != nil {
		fmt.Fprintf(&b, "\nCURRENT SUB-GOAL: %q\n", pc.CurrentSubGoal.Description)
	}

	writeSharedContext(&b, pc)
	return b.String()
}

func buildExplorationPrompt(pc promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EXPLORATION DIRECTIVE: %s\n", pc.Task.Instruction)
	writeSharedContext(&b, pc)
	return b.String()
}

func buildGridPrompt(pc promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OVERALL TASK: %s\n", pc.Task.Instruction)
	if pc.CurrentSubGoal != nil {
		fmt.Fprintf(&b, "CURRENT SUB-GOAL: %q\n", pc.CurrentSubGoal.Description)
	}
	fmt.Fprintf(&b, "\nThe grid has %d rows and %d columns (%d cells, numbered row-major from 1). The screen is %dx%d pixels.\n",
		pc.GridRows, pc.GridCols, pc.GridRows*pc.GridCols, pc.State.Width, pc.State.Height)
	fmt.Fprintf(&b, "\nLAST ACTION: %s\n", lastSummaryOrNone(pc.LastSummary))
	return b.String()
}

func writeSharedContext(b *strings.Builder, pc promptContext) {
	b.WriteString("\nAVAILABLE ELEMENTS (label: attributes):\n")
	if len(pc.State.Elements) == 0 {
		b.WriteString("(none detected)\n")
	}
	for i, e := range pc.State.Elements {
		fmt.Fprintf(b, "%d: %s\n", i+1, describeElement(e))
	}

	b.WriteString("\nELEMENT KNOWLEDGE BASE:\n")
	if len(pc.Knowledge) == 0 {
		b.WriteString("No documentation available.\n")
	}
	for _, entry := range pc.Knowledge {
		fmt.Fprintf(b, "- %s (visited %dx): %s\n",
			entry.ElementUID, entry.Visits, strings.Join(entry.Observations, "; "))
	}

	fmt.Fprintf(b, "\nLAST ACTION: %s\n", lastSummaryOrNone(pc.LastSummary))
}

func describeElement(e schemas.UIElement) string {
	parts := []string{e.UID}
	if e.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", e.Text))
	}
	if e.ContentDesc != "" {
		parts = append(parts, fmt.Sprintf("desc=%q", e.ContentDesc))
	}
	if e.RoleHint != "" {
		parts = append(parts, "role="+e.RoleHint)
	}
	if e.Clickable {
		parts = append(parts, "clickable")
	} else if e.Focusable {
		parts = append(parts, "focusable")
	}
	return strings.Join(parts, " ")
}

func lastSummaryOrNone(summary string) string {
	if summary == "" {
		return "This is the first action of the session."
	}
	return summary
}
