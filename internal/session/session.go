// Package session owns the perceive-decide-ground-execute-reflect control
// loop. One controller drives one task to completion, failure, or
// cancellation, and leaves behind a JSONL action log and knowledge-base
// updates.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
	"github.com/xkilldash9x/taskdroid/internal/decision"
	"github.com/xkilldash9x/taskdroid/internal/executor"
	"github.com/xkilldash9x/taskdroid/internal/grounding"
	"github.com/xkilldash9x/taskdroid/internal/reflector"
)

// State names the controller's position in its lifecycle.
type State string

const (
	StateInit        State = "init"
	StatePlanning    State = "planning"
	StateRoundLoop   State = "round_loop"
	StateReflecting  State = "reflecting"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

const captureAttempts = 3

// Result summarizes a finished session.
type Result struct {
	SessionID string
	Completed bool
	Rounds    int
	// FailureKind is set when Completed is false.
	FailureKind FailureKind
	Message     string
}

// Controller wires the per-round components into the session state machine.
// It is single-use: one Run per controller.
type Controller struct {
	cfg      config.Config
	device   schemas.DeviceController
	decider  *decision.Engine
	grounder *grounding.Engine
	exec     *executor.Executor
	reflect  *reflector.Reflector
	store    schemas.KnowledgeStore
	logger   *zap.Logger

	state State
}

func NewController(
	cfg config.Config,
	device schemas.DeviceController,
	decider *decision.Engine,
	grounder *grounding.Engine,
	exec *executor.Executor,
	refl *reflector.Reflector,
	store schemas.KnowledgeStore,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:      cfg,
		device:   device,
		decider:  decider,
		grounder: grounder,
		exec:     exec,
		reflect:  refl,
		store:    store,
		logger:   logger.Named("session"),
		state:    StateInit,
	}
}

func (c *Controller) transition(next State) {
	if c.state == next {
		return
	}
	c.logger.Debug("State transition",
		zap.String("from", string(c.state)), zap.String("to", string(next)))
	c.state = next
}

// Run drives the task until completion, a fatal failure, the round budget, or
// cancellation. Cancellation is honored between rounds, never mid-round. The
// knowledge base is flushed on every termination path.
func (c *Controller) Run(ctx context.Context, task schemas.Task) (Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if !task.Mode.Valid() {
		return Result{}, fmt.Errorf("invalid session mode %q", task.Mode)
	}

	recorder, err := NewRecorder(c.cfg.Knowledge.DataDir, task.ID, c.logger)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := recorder.Close(); cerr != nil {
			c.logger.Warn("Failed to close session log", zap.Error(cerr))
		}
	}()

	defer func() {
		c.transition(StateTerminating)
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ferr := c.store.Flush(flushCtx); ferr != nil {
			c.logger.Error("Failed to flush knowledge base", zap.Error(ferr))
		}
		c.transition(StateTerminated)
	}()

	c.logger.Info("Session starting",
		zap.String("session_id", task.ID),
		zap.String("app", task.AppID),
		zap.String("mode", string(task.Mode)),
		zap.String("instruction", task.Instruction))

	run := &runState{task: task, recorder: recorder, subGoalIndex: -1}

	c.transition(StatePlanning)
	if task.Mode == schemas.ModeExecute {
		goals, err := c.decider.Decompose(ctx, task)
		if err != nil {
			return c.fail(run, FailurePlanning, err.Error()), nil
		}
		goals[0].Status = schemas.SubGoalActive
		run.subGoals = goals
		run.subGoalIndex = 0
	}

	state, err := c.captureWithRetry(ctx, "round_000")
	if err != nil {
		return c.fail(run, FailureDeviceUnreachable, err.Error()), nil
	}
	run.state = state

	maxRounds := c.cfg.Agent.MaxTaskRounds
	if task.Mode == schemas.ModeExplore {
		maxRounds = c.cfg.Agent.MaxExploreRounds
	}

	c.transition(StateRoundLoop)
	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			c.logger.Info("Session cancelled between rounds", zap.Int("round", round))
			return c.fail(run, FailureCancelled, ctx.Err().Error()), nil
		}
		run.round = round

		done, result := c.runRound(ctx, run)
		if done {
			return result, nil
		}
	}

	return c.fail(run, FailureRoundLimit,
		fmt.Sprintf("no completion within %d rounds", maxRounds)), nil
}

// runState is the mutable per-session loop state.
type runState struct {
	task     schemas.Task
	recorder *Recorder

	subGoals     []schemas.SubGoal
	subGoalIndex int

	state       schemas.ScreenState
	round       int
	lastSummary string

	stuck        int
	execFailures int
	gridNext     bool
}

func (r *runState) current() *schemas.SubGoal {
	if r.subGoalIndex < 0 || r.subGoalIndex >= len(r.subGoals) {
		return nil
	}
	return &r.subGoals[r.subGoalIndex]
}

// runRound executes one full round. It returns done=true with the final
// result when the session must terminate.
func (c *Controller) runRound(ctx context.Context, run *runState) (bool, Result) {
	c.transition(StateRoundLoop)
	preSig := run.state.Signature()

	knowledge, err := c.store.Lookup(ctx, run.task.AppID, preSig)
	if err != nil {
		c.logger.Warn("Knowledge lookup failed", zap.Error(err))
		knowledge = nil
	}

	gridMode := run.gridNext || len(run.state.Elements) == 0
	run.gridNext = false
	rows, cols := c.grounder.GridDims(run.state.Width, run.state.Height)

	record := schemas.ActionRecord{
		ID:           uuid.NewString(),
		Round:        run.round,
		SubGoalIndex: run.subGoalIndex,
		PreSig:       preSig,
		Timestamp:    time.Now(),
	}

	d, err := c.decider.Decide(ctx, decision.Request{
		Task:           run.task,
		SubGoals:       run.subGoals,
		CurrentSubGoal: run.current(),
		State:          run.state,
		Knowledge:      knowledge,
		LastSummary:    run.lastSummary,
		GridMode:       gridMode,
		GridRows:       rows,
		GridCols:       cols,
	})
	if err != nil {
		kind := classifyRoundError(err)
		if kind != FailureDecisionUnparsable {
			return true, c.fail(run, kind, err.Error())
		}
		record.FailureKind = string(kind)
		c.append(run, record)
		return c.bumpStuck(run, "model kept producing unparsable decisions")
	}

	switch d.Kind {
	case decision.KindTaskComplete:
		record.Intent = schemas.ActionIntent{Op: schemas.OpDone, Summary: d.Summary}
		record.Verdict = schemas.VerdictSuccess
		c.append(run, record)
		c.logger.Info("Task signaled complete", zap.Int("round", run.round))
		return true, c.succeed(run)

	case decision.KindSubGoalComplete:
		record.Intent = schemas.ActionIntent{Op: schemas.OpDone, Summary: d.Summary}
		record.Verdict = schemas.VerdictSuccess
		c.append(run, record)
		if finished := c.advanceSubGoal(run); finished {
			return true, c.succeed(run)
		}
		run.stuck = 0
		run.lastSummary = d.Summary
		return false, Result{}
	}

	record.Intent = d.Intent
	resolved, err := c.grounder.Resolve(d.Intent, run.state)
	if err != nil {
		record.FailureKind = string(FailureUnresolvableTarget)
		c.append(run, record)
		run.gridNext = true
		c.logger.Warn("Grounding failed, next round uses the grid", zap.Error(err))
		return c.bumpStuck(run, "repeated grounding failures")
	}
	record.Resolved = &resolved

	if err := c.exec.Execute(ctx, resolved); err != nil {
		if ctx.Err() != nil {
			return true, c.fail(run, FailureCancelled, ctx.Err().Error())
		}
		run.execFailures++
		record.FailureKind = string(FailureActionExecution)
		c.append(run, record)
		if run.execFailures > c.cfg.Agent.ExecRetryBudget {
			return true, c.fail(run, FailureActionExecution, err.Error())
		}
		c.logger.Warn("Execution failed, continuing",
			zap.Int("consecutive", run.execFailures), zap.Error(err))
		return c.bumpStuck(run, "repeated execution failures")
	}
	run.execFailures = 0

	post, err := c.captureWithRetry(ctx, fmt.Sprintf("round_%03d", run.round))
	if err != nil {
		return true, c.fail(run, FailureDeviceUnreachable, err.Error())
	}

	c.transition(StateReflecting)
	reflReq := reflector.Request{
		Task:     run.task,
		SubGoal:  run.current(),
		Intent:   d.Intent,
		Resolved: &resolved,
		Pre:      run.state,
		Post:     post,
	}
	outcome, rerr := c.reflect.Reflect(ctx, reflReq)
	if rerr != nil {
		if ctx.Err() != nil {
			return true, c.fail(run, FailureCancelled, ctx.Err().Error())
		}
		outcome = reflector.Outcome{Verdict: schemas.VerdictError, Judgment: rerr.Error()}
		record.FailureKind = string(classifyRoundError(rerr))
	}
	record.PostSig = post.Signature()
	record.Verdict = outcome.Verdict
	record.Judgment = outcome.Judgment
	c.append(run, record)

	if err := c.reflect.Record(ctx, reflReq, outcome); err != nil {
		c.logger.Warn("Knowledge write failed", zap.Error(err))
	}

	if outcome.RequestBack {
		if err := c.device.Back(ctx); err != nil {
			c.logger.Warn("Back navigation failed", zap.Error(err))
		} else if recovered, err := c.captureWithRetry(ctx, fmt.Sprintf("round_%03d_back", run.round)); err == nil {
			post = recovered
		}
	}

	run.lastSummary = summaryFor(d)
	run.state = post

	if outcome.Verdict == schemas.VerdictSuccess {
		run.stuck = 0
		return false, Result{}
	}
	return c.bumpStuck(run, "no progress on the active sub-goal")
}

// advanceSubGoal marks the active sub-goal done and activates the next one.
// It returns true when the plan is exhausted.
func (c *Controller) advanceSubGoal(run *runState) bool {
	current := run.current()
	if current == nil {
		return true
	}
	current.Status = schemas.SubGoalDone
	c.logger.Info("Sub-goal complete",
		zap.Int("index", current.Index), zap.String("description", current.Description))

	run.subGoalIndex++
	next := run.current()
	if next == nil {
		return true
	}
	next.Status = schemas.SubGoalActive
	return false
}

// bumpStuck counts a non-fatal round failure against the consecutive budget.
func (c *Controller) bumpStuck(run *runState, reason string) (bool, Result) {
	run.stuck++
	if run.stuck < c.cfg.Agent.StuckRoundBudget {
		return false, Result{}
	}
	if current := run.current(); current != nil {
		current.Status = schemas.SubGoalFailed
	}
	return true, c.fail(run, FailureSubGoalStuck,
		fmt.Sprintf("%s (%d consecutive failed rounds)", reason, run.stuck))
}

func (c *Controller) captureWithRetry(ctx context.Context, prefix string) (schemas.ScreenState, error) {
	var lastErr error
	for attempt := 1; attempt <= captureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return schemas.ScreenState{}, err
		}
		state, err := c.device.CaptureScreen(ctx, prefix)
		if err == nil {
			return state, nil
		}
		lastErr = err
		c.logger.Warn("Screen capture failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < captureAttempts {
			select {
			case <-ctx.Done():
				return schemas.ScreenState{}, ctx.Err()
			case <-time.After(c.cfg.Agent.SettleDelay):
			}
		}
	}
	return schemas.ScreenState{}, fmt.Errorf("screen capture failed after %d attempts: %w", captureAttempts, lastErr)
}

func (c *Controller) append(run *runState, record schemas.ActionRecord) {
	if err := run.recorder.Append(record); err != nil {
		c.logger.Warn("Failed to append action record", zap.Error(err))
	}
}

func (c *Controller) succeed(run *runState) Result {
	c.logger.Info("Session completed",
		zap.String("session_id", run.task.ID), zap.Int("rounds", run.round))
	return Result{
		SessionID: run.task.ID,
		Completed: true,
		Rounds:    run.round,
	}
}

func (c *Controller) fail(run *runState, kind FailureKind, message string) Result {
	c.logger.Error("Session failed",
		zap.String("session_id", run.task.ID),
		zap.String("kind", string(kind)),
		zap.Int("rounds", run.round),
		zap.String("message", message))
	return Result{
		SessionID:   run.task.ID,
		Rounds:      run.round,
		FailureKind: kind,
		Message:     message,
	}
}

func summaryFor(d *decision.Decision) string {
	if d.Summary != "" {
		return d.Summary
	}
	return string(d.Intent.Op)
}
