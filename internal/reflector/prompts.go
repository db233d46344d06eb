package reflector

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

const reflectionSystemPrompt = `You are the verification module of TaskDroid, an AI agent operating an Android device. You are shown two screenshots: the screen BEFORE an action (first image) and the screen AFTER it (second image). Judge whether the action had its intended effect.

Respond with a single JSON object and nothing else:
{
  "decision": "<SUCCESS | CONTINUE | INEFFECTIVE | BACK>",
  "judgment": "<one sentence explaining what the action did>",
  "documentation": "<one sentence documenting the tapped element's behavior, phrased generally>"
}

Decisions:
- SUCCESS: the screen changed in line with the stated expectation.
- CONTINUE: the screen changed, but not as expected; the new screen is still usable for the task.
- INEFFECTIVE: the visible content is essentially unchanged.
- BACK: the action navigated to an unrelated or wrong screen; the agent should press back.`

// correctiveSuffix is appended to the user prompt when the previous response
// could not be parsed.
const correctiveSuffix = "\n\nYour previous response could not be parsed. It must be a single valid JSON object in the exact format described, with no surrounding prose."

func buildReflectionPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OVERALL TASK: %s\n", req.Task.Instruction)
	if req.SubGoal != nil {
		fmt.Fprintf(&b, "CURRENT SUB-GOAL: %q\n", req.SubGoal.Description)
	}

	fmt.Fprintf(&b, "\nACTION TAKEN: %s\n", describeAction(req))
	if req.Intent.Expectation != "" {
		fmt.Fprintf(&b, "STATED EXPECTATION: %s\n", req.Intent.Expectation)
	}

	b.WriteString("\nThe first image is the screen before the action; the second is after. Provide your judgment.\n")
	return b.String()
}

func describeAction(req Request) string {
	if req.Intent.Summary != "" {
		return req.Intent.Summary
	}
	if req.Resolved != nil {
		switch req.Resolved.Op {
		case schemas.OpTap, schemas.OpLongPress:
			return fmt.Sprintf("%s at (%d, %d)", req.Resolved.Op, req.Resolved.X, req.Resolved.Y)
		case schemas.OpSwipe:
			return fmt.Sprintf("swipe from (%d, %d) to (%d, %d)",
				req.Resolved.X, req.Resolved.Y, req.Resolved.EndX, req.Resolved.EndY)
		case schemas.OpTypeText:
			return fmt.Sprintf("type the text %q", req.Resolved.Text)
		}
	}
	return string(req.Intent.Op)
}
