package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// fakeDevice records issued primitives and can fail the first N calls.
type fakeDevice struct {
	calls        []string
	failuresLeft int
	failWith     error
}

func (f *fakeDevice) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return f.failWith
	}
	return nil
}

func (f *fakeDevice) Tap(ctx context.Context, x, y int) error {
	return f.record("tap")
}
func (f *fakeDevice) LongPress(ctx context.Context, x, y, durationMS int) error {
	return f.record("long_press")
}
func (f *fakeDevice) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	return f.record("swipe")
}
func (f *fakeDevice) TypeText(ctx context.Context, text string) error {
	return f.record("type_text:" + text)
}
func (f *fakeDevice) Back(ctx context.Context) error {
	return f.record("back")
}
func (f *fakeDevice) CaptureScreen(ctx context.Context, prefix string) (schemas.ScreenState, error) {
	return schemas.ScreenState{}, nil
}
func (f *fakeDevice) ScreenSize() (int, int) { return 1080, 1920 }

func newTestExecutor(t *testing.T, device *fakeDevice) *Executor {
	t.Helper()
	return New(device, time.Millisecond, zaptest.NewLogger(t))
}

func TestExecute_IssuesPrimitives(t *testing.T) {
	device := &fakeDevice{}
	e := newTestExecutor(t, device)
	ctx := context.Background()

	require.NoError(t, e.Execute(ctx, schemas.ResolvedAction{Op: schemas.OpTap, X: 10, Y: 20}))
	require.NoError(t, e.Execute(ctx, schemas.ResolvedAction{Op: schemas.OpSwipe, X: 1, Y: 2, EndX: 3, EndY: 4, DurationMS: 400}))
	require.NoError(t, e.Execute(ctx, schemas.ResolvedAction{Op: schemas.OpTypeText, Text: "hello"}))
	require.NoError(t, e.Execute(ctx, schemas.ResolvedAction{Op: schemas.OpBack}))

	assert.Equal(t, []string{"tap", "swipe", "type_text:hello", "back"}, device.calls)
}

func TestExecute_RetriesOnceOnTransientFailure(t *testing.T) {
	device := &fakeDevice{failuresLeft: 1, failWith: errors.New("input rejected")}
	e := newTestExecutor(t, device)

	err := e.Execute(context.Background(), schemas.ResolvedAction{Op: schemas.OpTap, X: 1, Y: 1})
	require.NoError(t, err, "a single transient failure is absorbed by the retry")
	assert.Len(t, device.calls, 2)
}

func TestExecute_FailsAfterRetry(t *testing.T) {
	device := &fakeDevice{failuresLeft: 2, failWith: errors.New("device offline")}
	e := newTestExecutor(t, device)

	err := e.Execute(context.Background(), schemas.ResolvedAction{Op: schemas.OpTap, X: 1, Y: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Len(t, device.calls, 2, "only one retry is attempted")
}

func TestExecute_DoneIsNoOp(t *testing.T) {
	device := &fakeDevice{}
	e := newTestExecutor(t, device)

	require.NoError(t, e.Execute(context.Background(), schemas.ResolvedAction{Op: schemas.OpDone}))
	assert.Empty(t, device.calls)
}

func TestExecute_WaitOnlySettles(t *testing.T) {
	device := &fakeDevice{}
	e := New(device, 10*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), schemas.ResolvedAction{Op: schemas.OpWait}))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Empty(t, device.calls)
}

func TestExecute_UnsupportedOp(t *testing.T) {
	device := &fakeDevice{}
	e := newTestExecutor(t, device)

	err := e.Execute(context.Background(), schemas.ResolvedAction{Op: "teleport"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestExecute_ContextCancelledDuringSettle(t *testing.T) {
	device := &fakeDevice{}
	e := New(device, 10*time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Execute(ctx, schemas.ResolvedAction{Op: schemas.OpTap, X: 1, Y: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
