// Package reflector classifies the effect of each executed action by
// comparing the screen states around it, asking the VLM to judge the
// transition, and folding what was learned into the knowledge base.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
	"github.com/xkilldash9x/taskdroid/internal/decision"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrReflectionFailed is returned when the model's judgment could not be
// parsed within the retry budget. The session records the round as an error
// verdict but does not terminate on it.
var ErrReflectionFailed = errors.New("reflection judgment unparsable after retries")

// Outcome is the reflector's verdict on one executed action.
type Outcome struct {
	Verdict  schemas.Verdict
	Judgment string
	// Documentation is the behavior description destined for the knowledge
	// base; empty when the model provided none.
	Documentation string
	// RequestBack is set when the judgment concluded the action navigated to
	// an unrelated screen and the session should press back before the next
	// round.
	RequestBack bool
}

// Request carries the pre/post context for one reflection.
type Request struct {
	Task     schemas.Task
	SubGoal  *schemas.SubGoal
	Intent   schemas.ActionIntent
	Resolved *schemas.ResolvedAction
	Pre      schemas.ScreenState
	Post     schemas.ScreenState
}

// Reflector owns outcome classification and knowledge-base writes. VLM calls
// share the session's pacing discipline via its own rate limiter.
type Reflector struct {
	client  schemas.VLMClient
	store   schemas.KnowledgeStore
	limiter *rate.Limiter
	cfg     config.AgentConfig
	logger  *zap.Logger
}

func New(client schemas.VLMClient, store schemas.KnowledgeStore, cfg config.AgentConfig, logger *zap.Logger) *Reflector {
	return &Reflector{
		client:  client,
		store:   store,
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		cfg:     cfg,
		logger:  logger.Named("reflector"),
	}
}

// Reflect classifies the transition from req.Pre to req.Post. Identical
// screen signatures short-circuit to a no-op verdict without a model call;
// everything else is judged by the VLM from the before/after screenshots.
func (r *Reflector) Reflect(ctx context.Context, req Request) (Outcome, error) {
	preSig := req.Pre.Signature()
	postSig := req.Post.Signature()

	if preSig == postSig {
		r.logger.Debug("Screen unchanged after action",
			zap.String("op", string(req.Intent.Op)),
			zap.String("signature", string(preSig)))
		return Outcome{
			Verdict:  schemas.VerdictNoOp,
			Judgment: "The screen did not change after the action.",
		}, nil
	}

	judgment, err := r.judge(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Judgment:      judgment.Judgment,
		Documentation: judgment.Documentation,
	}
	switch judgment.Decision {
	case "SUCCESS":
		outcome.Verdict = schemas.VerdictSuccess
	case "INEFFECTIVE":
		outcome.Verdict = schemas.VerdictNoOp
	case "BACK":
		outcome.Verdict = schemas.VerdictUnexpectedChange
		outcome.RequestBack = true
	case "CONTINUE":
		outcome.Verdict = schemas.VerdictUnexpectedChange
	default:
		return Outcome{}, fmt.Errorf("%w: unknown decision %q", ErrReflectionFailed, judgment.Decision)
	}

	r.logger.Info("Action outcome judged",
		zap.String("op", string(req.Intent.Op)),
		zap.String("verdict", string(outcome.Verdict)),
		zap.String("judgment", outcome.Judgment))
	return outcome, nil
}

type judgmentPayload struct {
	Decision      string `json:"decision"`
	Judgment      string `json:"judgment"`
	Documentation string `json:"documentation"`
}

func (r *Reflector) judge(ctx context.Context, req Request) (judgmentPayload, error) {
	userPrompt := buildReflectionPrompt(req)
	images := reflectionImages(req)
	temperature := r.cfg.VLM.Active().Temperature

	prompt := userPrompt
	var lastErr error
	for attempt := 1; attempt <= r.cfg.DecisionRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return judgmentPayload{}, err
		}

		response, err := r.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: reflectionSystemPrompt,
			UserPrompt:   prompt,
			Images:       images,
			Options: schemas.GenerationOptions{
				Temperature:     temperature,
				ForceJSONFormat: true,
			},
		})
		if err != nil {
			return judgmentPayload{}, fmt.Errorf("reflection generation failed: %w", err)
		}

		payload, parseErr := parseJudgment(response)
		if parseErr == nil {
			return payload, nil
		}
		lastErr = parseErr
		r.logger.Warn("Failed to parse reflection response, re-prompting",
			zap.Int("attempt", attempt), zap.Error(parseErr))
		prompt = userPrompt + correctiveSuffix
	}
	return judgmentPayload{}, fmt.Errorf("%w: %v", ErrReflectionFailed, lastErr)
}

func parseJudgment(response string) (judgmentPayload, error) {
	block, err := decision.ExtractJSONBlock(response)
	if err != nil {
		return judgmentPayload{}, err
	}

	var payload judgmentPayload
	if err := json.UnmarshalFromString(block, &payload); err != nil {
		return judgmentPayload{}, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}
	payload.Decision = strings.ToUpper(strings.TrimSpace(payload.Decision))
	if payload.Decision == "" {
		return judgmentPayload{}, fmt.Errorf("model response missing required 'decision' field")
	}
	return payload, nil
}

func reflectionImages(req Request) []string {
	var images []string
	if req.Pre.ScreenshotPath != "" {
		images = append(images, req.Pre.ScreenshotPath)
	}
	if req.Post.ScreenshotPath != "" {
		images = append(images, req.Post.ScreenshotPath)
	}
	return images
}

// Record folds the outcome into the knowledge base. In exploration mode every
// non-error verdict on an element-targeted action is written; in execution
// mode only rounds that actually changed the screen are. Anonymous actions
// (grid taps, screen swipes) have no element identity and are never recorded.
func (r *Reflector) Record(ctx context.Context, req Request, outcome Outcome) error {
	if req.Resolved == nil || req.Resolved.ElementUID == "" {
		return nil
	}
	if outcome.Verdict == schemas.VerdictError {
		return nil
	}
	if req.Task.Mode != schemas.ModeExplore && outcome.Verdict == schemas.VerdictNoOp {
		return nil
	}

	text := strings.TrimSpace(outcome.Documentation)
	if text == "" {
		text = strings.TrimSpace(outcome.Judgment)
	}

	entry := schemas.KnowledgeEntry{
		AppID:      req.Task.AppID,
		Screen:     req.Pre.Signature(),
		ElementUID: req.Resolved.ElementUID,
		LastSeen:   time.Now(),
	}
	if text != "" {
		entry.Observations = []string{text}
	}

	if err := r.store.Merge(ctx, entry); err != nil {
		return fmt.Errorf("knowledge merge failed: %w", err)
	}
	r.logger.Debug("Knowledge recorded",
		zap.String("element", entry.ElementUID),
		zap.String("screen", string(entry.Screen)))
	return nil
}
