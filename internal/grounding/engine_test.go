package grounding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(240, zaptest.NewLogger(t))
}

func stateWithElements() schemas.ScreenState {
	return schemas.ScreenState{
		Width:  1080,
		Height: 1920,
		Elements: []schemas.UIElement{
			{UID: "btn_ok", Bounds: schemas.Rect{X1: 100, Y1: 300, X2: 500, Y2: 400}},
			{UID: "list_item", Bounds: schemas.Rect{X1: 0, Y1: 500, X2: 1080, Y2: 700}},
		},
	}
}

func emptyState() schemas.ScreenState {
	return schemas.ScreenState{Width: 1080, Height: 1920}
}

func TestGridDims(t *testing.T) {
	t.Parallel()
	e := NewEngine(240, zaptest.NewLogger(t))

	rows, cols := e.GridDims(1080, 1920)
	assert.Equal(t, 8, rows, "1920/240 rounds up to 8 rows")
	assert.Equal(t, 5, cols, "1080/240 rounds up to 5 cols")

	rows, cols = e.GridDims(0, 1920)
	assert.Zero(t, rows)
	assert.Zero(t, cols)
}

func TestResolve_ElementTargets(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state := stateWithElements()

	t.Run("tap resolves to element center", func(t *testing.T) {
		resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpTap, ElementID: 1}, state)
		require.NoError(t, err)
		assert.Equal(t, 300, resolved.X)
		assert.Equal(t, 350, resolved.Y)
		assert.Equal(t, "btn_ok", resolved.ElementUID)
	})

	t.Run("long press carries hold duration", func(t *testing.T) {
		resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpLongPress, ElementID: 2}, state)
		require.NoError(t, err)
		assert.Equal(t, longPressDurationMS, resolved.DurationMS)
		assert.Equal(t, "list_item", resolved.ElementUID)
	})

	t.Run("directional swipe anchored at element", func(t *testing.T) {
		resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpSwipe, ElementID: 1, Direction: "down"}, state)
		require.NoError(t, err)
		assert.Equal(t, 300, resolved.X)
		assert.Equal(t, 350, resolved.Y)
		assert.Equal(t, 300, resolved.EndX)
		assert.Equal(t, 350+1920/3, resolved.EndY)
		assert.Equal(t, "btn_ok", resolved.ElementUID)
	})

	t.Run("swipe end points clamp to the screen", func(t *testing.T) {
		resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpSwipe, ElementID: 1, Direction: "up"}, state)
		require.NoError(t, err)
		assert.Equal(t, 0, resolved.EndY, "350 - 640 clamps to the top edge")
	})
}

func TestResolve_StaleElementFallsBackToGrid(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	intent := schemas.ActionIntent{
		Op:        schemas.OpTap,
		ElementID: 99,
		Grid:      &schemas.GridTarget{Cell: 1, Subarea: "center"},
	}
	resolved, err := e.Resolve(intent, stateWithElements())
	require.NoError(t, err)
	assert.Equal(t, 108, resolved.X, "cell 1 center of a 216px-wide column")
	assert.Equal(t, 120, resolved.Y)
	assert.Empty(t, resolved.ElementUID)
}

func TestResolve_StaleElementWithoutFallbackIsUnresolvable(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	_, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpTap, ElementID: 99}, stateWithElements())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
}

func TestResolve_EmptyElementListAlwaysGridResolves(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state := emptyState()
	rows, cols := e.GridDims(state.Width, state.Height)
	require.Equal(t, 8, rows)
	require.Equal(t, 5, cols)

	for cell := 1; cell <= rows*cols; cell++ {
		resolved, err := e.Resolve(schemas.ActionIntent{
			Op:   schemas.OpTap,
			Grid: &schemas.GridTarget{Cell: cell},
		}, state)
		require.NoError(t, err, "cell %d must resolve on an empty screen", cell)
		assert.GreaterOrEqual(t, resolved.X, 0)
		assert.Less(t, resolved.X, state.Width)
		assert.GreaterOrEqual(t, resolved.Y, 0)
		assert.Less(t, resolved.Y, state.Height)
	}
}

func TestResolve_GridSubareas(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state := emptyState() // 5 cols x 8 rows, cell 216x240

	cases := []struct {
		subarea string
		wantX   int
		wantY   int
	}{
		{"center", 108, 120},
		{"top-left", 54, 60},
		{"bottom-right", 162, 180},
		{"top", 108, 60},
		{"left", 54, 120},
		{"unknown-name", 108, 120}, // falls back to center
	}
	for _, tc := range cases {
		t.Run(tc.subarea, func(t *testing.T) {
			resolved, err := e.Resolve(schemas.ActionIntent{
				Op:   schemas.OpTap,
				Grid: &schemas.GridTarget{Cell: 1, Subarea: tc.subarea},
			}, state)
			require.NoError(t, err)
			assert.Equal(t, tc.wantX, resolved.X)
			assert.Equal(t, tc.wantY, resolved.Y)
		})
	}
}

func TestResolve_GridCellOutOfRange(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	for _, cell := range []int{0, -3, 41} {
		_, err := e.Resolve(schemas.ActionIntent{
			Op:   schemas.OpTap,
			Grid: &schemas.GridTarget{Cell: cell},
		}, emptyState())
		require.Error(t, err, "cell %d", cell)
		assert.ErrorIs(t, err, ErrUnresolvableTarget)
	}
}

func TestResolve_GridSwipePath(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	resolved, err := e.Resolve(schemas.ActionIntent{
		Op:   schemas.OpSwipe,
		Grid: &schemas.GridTarget{Cell: 36, Subarea: "center", EndCell: 1, EndSubarea: "center"},
	}, emptyState())
	require.NoError(t, err)

	// Cell 36 is row 7, col 0; cell 1 is row 0, col 0.
	assert.Equal(t, 108, resolved.X)
	assert.Equal(t, 1800, resolved.Y)
	assert.Equal(t, 108, resolved.EndX)
	assert.Equal(t, 120, resolved.EndY)
	assert.Equal(t, defaultSwipeDurationMS, resolved.DurationMS)
}

func TestResolve_ScreenSwipe(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpSwipe, Direction: "up"}, emptyState())
	require.NoError(t, err)
	assert.Equal(t, 540, resolved.X)
	assert.Equal(t, 1440, resolved.Y)
	assert.Equal(t, 540, resolved.EndX)
	assert.Equal(t, 480, resolved.EndY)

	_, err = e.Resolve(schemas.ActionIntent{Op: schemas.OpSwipe, Direction: "diagonal"}, emptyState())
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
}

func TestResolve_RawPointTargetIsClamped(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	resolved, err := e.Resolve(schemas.ActionIntent{
		Op:    schemas.OpTap,
		Point: &schemas.Point{X: 5000, Y: -20},
	}, emptyState())
	require.NoError(t, err)
	assert.Equal(t, 1079, resolved.X)
	assert.Equal(t, 0, resolved.Y)
}

func TestResolve_NonSpatialOps(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	for _, op := range []schemas.ActionOp{schemas.OpBack, schemas.OpWait, schemas.OpDone} {
		resolved, err := e.Resolve(schemas.ActionIntent{Op: op}, emptyState())
		require.NoError(t, err)
		assert.Equal(t, op, resolved.Op)
	}

	resolved, err := e.Resolve(schemas.ActionIntent{Op: schemas.OpTypeText, Text: "hello"}, emptyState())
	require.NoError(t, err)
	assert.Equal(t, "hello", resolved.Text)

	_, err = e.Resolve(schemas.ActionIntent{Op: schemas.OpTypeText}, emptyState())
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
}

func TestResolve_UnknownOp(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	_, err := e.Resolve(schemas.ActionIntent{Op: "teleport"}, emptyState())
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
}
