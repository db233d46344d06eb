package decision

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
)

// ErrDecisionUnparsable is returned when the model's response could not be
// parsed into the action contract within the configured retry budget.
var ErrDecisionUnparsable = errors.New("decision response unparsable after retries")

// ErrPlanningFailed is returned when task decomposition produced no usable
// plan. It is fatal for the session.
var ErrPlanningFailed = errors.New("task decomposition failed")

// Engine turns a task and a screen observation into the next decision. All
// VLM calls are paced by a shared rate limiter so consecutive rounds respect
// the configured request interval.
type Engine struct {
	client  schemas.VLMClient
	limiter *rate.Limiter
	cfg     config.AgentConfig
	logger  *zap.Logger
}

func NewEngine(client schemas.VLMClient, cfg config.AgentConfig, logger *zap.Logger) *Engine {
	return &Engine{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		cfg:     cfg,
		logger:  logger.Named("decision"),
	}
}

// Decompose breaks the task instruction into an ordered sub-goal plan.
func (e *Engine) Decompose(ctx context.Context, task schemas.Task) ([]schemas.SubGoal, error) {
	userPrompt := buildDecompositionPrompt(task)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.DecisionRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		response, err := e.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: decompositionSystemPrompt,
			UserPrompt:   userPrompt,
			Options: schemas.GenerationOptions{
				Temperature:     e.activeTemperature(),
				ForceJSONFormat: true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
		}

		goals, parseErr := ParseSubGoals(response)
		if parseErr == nil {
			e.logger.Info("Task decomposed into sub-goals", zap.Int("count", len(goals)))
			return goals, nil
		}
		lastErr = parseErr
		e.logger.Warn("Failed to parse decomposition response, re-prompting",
			zap.Int("attempt", attempt), zap.Error(parseErr))
		userPrompt = buildDecompositionPrompt(task) + correctiveSuffix
	}
	return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, lastErr)
}

// Request carries the per-round context for a decision.
type Request struct {
	Task           schemas.Task
	SubGoals       []schemas.SubGoal
	CurrentSubGoal *schemas.SubGoal
	State          schemas.ScreenState
	Knowledge      []schemas.KnowledgeEntry
	LastSummary    string

	// GridMode switches to coarse grid addressing; GridRows and GridCols
	// describe the overlay to the model.
	GridMode bool
	GridRows int
	GridCols int
}

// Decide asks the model for the next action given the current observation.
// Unparsable responses are retried with a corrective re-prompt up to the
// configured budget; exhaustion surfaces ErrDecisionUnparsable.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	pc := promptContext{
		Task:           req.Task,
		SubGoals:       req.SubGoals,
		CurrentSubGoal: req.CurrentSubGoal,
		State:          req.State,
		Knowledge:      req.Knowledge,
		LastSummary:    req.LastSummary,
		GridRows:       req.GridRows,
		GridCols:       req.GridCols,
	}

	var systemPrompt, userPrompt string
	switch {
	case req.GridMode:
		systemPrompt = gridSystemPrompt
		userPrompt = buildGridPrompt(pc)
	case req.Task.Mode == schemas.ModeExplore:
		systemPrompt = explorationSystemPrompt
		userPrompt = buildExplorationPrompt(pc)
	default:
		systemPrompt = executionSystemPrompt
		userPrompt = buildExecutionPrompt(pc)
	}

	var images []string
	if req.State.ScreenshotPath != "" {
		images = []string{req.State.ScreenshotPath}
	}

	prompt := userPrompt
	var lastErr error
	for attempt := 1; attempt <= e.cfg.DecisionRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		response, err := e.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   prompt,
			Images:       images,
			Options: schemas.GenerationOptions{
				Temperature:     e.activeTemperature(),
				ForceJSONFormat: true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("decision generation failed: %w", err)
		}

		decision, parseErr := ParseDecision(response)
		if parseErr == nil {
			e.logger.Info("Decision parsed",
				zap.String("kind", string(decision.Kind)),
				zap.String("op", string(decision.Intent.Op)),
				zap.String("summary", decision.Summary))
			return decision, nil
		}
		lastErr = parseErr
		e.logger.Warn("Failed to parse decision response, re-prompting",
			zap.Int("attempt", attempt),
			zap.Int("budget", e.cfg.DecisionRetries),
			zap.Error(parseErr))
		prompt = userPrompt + correctiveSuffix
	}
	return nil, fmt.Errorf("%w: %v", ErrDecisionUnparsable, lastErr)
}

func (e *Engine) activeTemperature() float32 {
	return e.cfg.VLM.Active().Temperature
}
