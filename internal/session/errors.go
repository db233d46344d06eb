package session

import (
	"errors"

	"github.com/xkilldash9x/taskdroid/internal/decision"
	"github.com/xkilldash9x/taskdroid/internal/executor"
	"github.com/xkilldash9x/taskdroid/internal/grounding"
	"github.com/xkilldash9x/taskdroid/internal/reflector"
)

// FailureKind labels why a round, or the whole session, failed. Round-level
// kinds are recorded on the action log; session-level kinds end up on the
// final Result.
type FailureKind string

const (
	// FailurePlanning means task decomposition produced no usable plan. Fatal.
	FailurePlanning FailureKind = "PlanningFailed"
	// FailureDecisionUnparsable means the model never produced a parsable
	// decision within the retry budget. Non-fatal per round.
	FailureDecisionUnparsable FailureKind = "DecisionUnparsable"
	// FailureUnresolvableTarget means grounding could not bind the intent to
	// coordinates. Non-fatal; the next round falls back to the grid.
	FailureUnresolvableTarget FailureKind = "UnresolvableTarget"
	// FailureActionExecution means the device rejected the input primitive.
	// Fatal only when it recurs across consecutive rounds.
	FailureActionExecution FailureKind = "ActionExecutionFailed"
	// FailureReflection means the outcome judgment was unusable; the round is
	// logged with an error verdict and the session continues.
	FailureReflection FailureKind = "ReflectionFailed"
	// FailureSubGoalStuck means one sub-goal burned through the consecutive
	// failure budget without progress. Fatal.
	FailureSubGoalStuck FailureKind = "SubGoalStuck"
	// FailureRoundLimit means the mode's round budget ran out. Fatal.
	FailureRoundLimit FailureKind = "RoundLimitExceeded"
	// FailureDeviceUnreachable means screen capture failed repeatedly. Fatal.
	FailureDeviceUnreachable FailureKind = "DeviceUnreachable"
	// FailureVLMUnavailable means the model transport failed even after the
	// client's own retry schedule. Fatal.
	FailureVLMUnavailable FailureKind = "VLMUnavailable"
	// FailureCancelled means the session was asked to stop between rounds.
	FailureCancelled FailureKind = "Cancelled"
)

// classifyRoundError maps component sentinel errors onto failure kinds.
func classifyRoundError(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, decision.ErrPlanningFailed):
		return FailurePlanning
	case errors.Is(err, decision.ErrDecisionUnparsable):
		return FailureDecisionUnparsable
	case errors.Is(err, grounding.ErrUnresolvableTarget):
		return FailureUnresolvableTarget
	case errors.Is(err, executor.ErrExecutionFailed):
		return FailureActionExecution
	case errors.Is(err, reflector.ErrReflectionFailed):
		return FailureReflection
	default:
		return FailureVLMUnavailable
	}
}
