// Package executor issues resolved actions to the device and waits for the
// UI to settle before the next capture.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// ErrExecutionFailed wraps device primitive failures so the session
// controller can classify them.
var ErrExecutionFailed = errors.New("action execution failed")

// Executor drives one ResolvedAction at a time. A primitive that fails is
// retried once before the failure is surfaced; capture racing against
// animations is avoided by the settle delay after every issued primitive.
type Executor struct {
	device      schemas.DeviceController
	settleDelay time.Duration
	logger      *zap.Logger
}

func New(device schemas.DeviceController, settleDelay time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		device:      device,
		settleDelay: settleDelay,
		logger:      logger.Named("executor"),
	}
}

// Execute issues the action's device primitive and then blocks for the settle
// delay. OpDone is a no-op; OpWait only waits.
func (e *Executor) Execute(ctx context.Context, action schemas.ResolvedAction) error {
	switch action.Op {
	case schemas.OpDone:
		return nil
	case schemas.OpWait:
		return e.settle(ctx)
	}

	err := e.issue(ctx, action)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("Device primitive failed, retrying once",
			zap.String("op", string(action.Op)), zap.Error(err))
		err = e.issue(ctx, action)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExecutionFailed, action.Op, err)
	}

	e.logger.Debug("Action executed",
		zap.String("op", string(action.Op)),
		zap.Int("x", action.X), zap.Int("y", action.Y))
	return e.settle(ctx)
}

func (e *Executor) issue(ctx context.Context, action schemas.ResolvedAction) error {
	switch action.Op {
	case schemas.OpTap:
		return e.device.Tap(ctx, action.X, action.Y)
	case schemas.OpLongPress:
		return e.device.LongPress(ctx, action.X, action.Y, action.DurationMS)
	case schemas.OpSwipe:
		return e.device.Swipe(ctx, action.X, action.Y, action.EndX, action.EndY, action.DurationMS)
	case schemas.OpTypeText:
		return e.device.TypeText(ctx, action.Text)
	case schemas.OpBack:
		return e.device.Back(ctx)
	default:
		return fmt.Errorf("unsupported operation %q", action.Op)
	}
}

func (e *Executor) settle(ctx context.Context) error {
	if e.settleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.settleDelay):
		return nil
	}
}
