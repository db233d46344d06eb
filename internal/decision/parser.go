// Package decision wraps the VLM behind the planning and per-round decision
// operations and owns the parsing of model responses into the action
// contract.
package decision

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// ExtractJSONBlock robustly extracts a JSON object from a model response,
// handling markdown code fences or raw JSON with surrounding prose.
func ExtractJSONBlock(response string) (string, error) {
	response = strings.TrimSpace(response)

	var candidate string
	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		candidate = strings.TrimSpace(matches[1])
	} else {
		firstBracket := strings.Index(response, "{")
		lastBracket := strings.LastIndex(response, "}")
		if firstBracket != -1 && lastBracket > firstBracket {
			candidate = response[firstBracket : lastBracket+1]
		} else {
			candidate = response
		}
	}

	if candidate == "" {
		return "", fmt.Errorf("could not find any JSON in the model response")
	}
	return candidate, nil
}

// DecisionKind separates actionable decisions from the two meta decisions
// that advance the session's plan instead of the device.
type DecisionKind string

const (
	KindAct             DecisionKind = "act"
	KindSubGoalComplete DecisionKind = "subgoal_complete"
	KindTaskComplete    DecisionKind = "task_complete"
)

// Decision is one parsed model response: either an action intent or a meta
// decision, plus the model's narration for logging and reflection.
type Decision struct {
	Kind        DecisionKind
	Intent      schemas.ActionIntent
	Observation string
	Thought     string
	Summary     string
	Expectation string
}

type actionPayload struct {
	Name      string              `json:"name"`
	ElementID int                 `json:"element_id"`
	Grid      *schemas.GridTarget `json:"grid"`
	Point     *schemas.Point      `json:"point"`
	Direction string              `json:"direction"`
	Text      string              `json:"text"`
	Seconds   int                 `json:"seconds"`
}

type decisionPayload struct {
	Observation string         `json:"observation"`
	Thought     string         `json:"thought"`
	Action      *actionPayload `json:"action"`
	Summary     string         `json:"summary"`
	Expectation string         `json:"expectation"`
}

// opNames maps the prompt's command vocabulary to the action contract.
var opNames = map[string]schemas.ActionOp{
	"tap":        schemas.OpTap,
	"long_press": schemas.OpLongPress,
	"swipe":      schemas.OpSwipe,
	"type_text":  schemas.OpTypeText,
	"back":       schemas.OpBack,
	"go_back":    schemas.OpBack,
	"wait":       schemas.OpWait,
}

// ParseDecision parses a per-round model response into a Decision.
func ParseDecision(response string) (*Decision, error) {
	block, err := ExtractJSONBlock(response)
	if err != nil {
		return nil, err
	}

	var payload decisionPayload
	if err := json.UnmarshalFromString(block, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}
	if payload.Action == nil {
		return nil, fmt.Errorf("model response missing required 'action' field")
	}

	d := &Decision{
		Observation: payload.Observation,
		Thought:     payload.Thought,
		Summary:     payload.Summary,
		Expectation: payload.Expectation,
	}

	name := strings.ToLower(strings.TrimSpace(payload.Action.Name))
	switch name {
	case "subgoal_complete":
		d.Kind = KindSubGoalComplete
		return d, nil
	case "finish", "done":
		d.Kind = KindTaskComplete
		return d, nil
	}

	op, ok := opNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q in model response", payload.Action.Name)
	}

	d.Kind = KindAct
	d.Intent = schemas.ActionIntent{
		Op:          op,
		ElementID:   payload.Action.ElementID,
		Grid:        payload.Action.Grid,
		Point:       payload.Action.Point,
		Direction:   strings.ToLower(payload.Action.Direction),
		Text:        payload.Action.Text,
		Summary:     payload.Summary,
		Expectation: payload.Expectation,
	}

	if op == schemas.OpTypeText && d.Intent.Text == "" {
		return nil, fmt.Errorf("type_text action missing 'text' parameter")
	}
	return d, nil
}

type subGoalsPayload struct {
	SubGoals []string `json:"sub_goals"`
}

// ParseSubGoals parses the planning response into an ordered sub-goal list.
func ParseSubGoals(response string) ([]schemas.SubGoal, error) {
	block, err := ExtractJSONBlock(response)
	if err != nil {
		return nil, err
	}

	var payload subGoalsPayload
	if err := json.UnmarshalFromString(block, &payload); err != nil {
		// Tolerate a bare JSON array.
		var bare []string
		if arrErr := json.UnmarshalFromString(extractArray(response), &bare); arrErr != nil {
			return nil, fmt.Errorf("failed to unmarshal sub-goal list: %w", err)
		}
		payload.SubGoals = bare
	}

	goals := make([]schemas.SubGoal, 0, len(payload.SubGoals))
	for _, desc := range payload.SubGoals {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		goals = append(goals, schemas.SubGoal{
			Index:       len(goals),
			Description: desc,
			Status:      schemas.SubGoalPending,
		})
	}
	if len(goals) == 0 {
		return nil, fmt.Errorf("planning response contained no sub-goals")
	}
	return goals, nil
}

func extractArray(response string) string {
	first := strings.Index(response, "[")
	last := strings.LastIndex(response, "]")
	if first == -1 || last <= first {
		return response
	}
	return response[first : last+1]
}
