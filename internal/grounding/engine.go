// Package grounding binds the decision engine's symbolic action targets to
// concrete device coordinates: element references when structured parsing
// succeeded, a uniform grid overlay otherwise.
package grounding

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// ErrUnresolvableTarget is returned when neither a matching element nor a
// valid grid cell can be produced for an intent. It is a non-fatal per-round
// failure; the session controller decides what to do with it.
var ErrUnresolvableTarget = errors.New("unresolvable action target")

const (
	defaultSwipeDurationMS = 400
	longPressDurationMS    = 1000
	// screenSwipeRatio is the fraction of the screen dimension covered by a
	// directional screen swipe.
	screenSwipeRatio = 0.5
)

// subareaOffsets maps a sub-area name to its fractional anchor inside a grid
// cell.
var subareaOffsets = map[string][2]float64{
	"center":       {0.5, 0.5},
	"top-left":     {0.25, 0.25},
	"top":          {0.5, 0.25},
	"top-right":    {0.75, 0.25},
	"left":         {0.25, 0.5},
	"right":        {0.75, 0.5},
	"bottom-left":  {0.25, 0.75},
	"bottom":       {0.5, 0.75},
	"bottom-right": {0.75, 0.75},
}

// Engine resolves ActionIntents against a ScreenState.
type Engine struct {
	cellSize int
	logger   *zap.Logger
}

func NewEngine(cellSize int, logger *zap.Logger) *Engine {
	return &Engine{
		cellSize: cellSize,
		logger:   logger.Named("grounding"),
	}
}

// GridDims returns the fallback grid's dimensions for a screen. The grid
// covers the whole screen with cells no larger than the configured cell size.
func (e *Engine) GridDims(width, height int) (rows, cols int) {
	if width <= 0 || height <= 0 || e.cellSize <= 0 {
		return 0, 0
	}
	cols = (width + e.cellSize - 1) / e.cellSize
	rows = (height + e.cellSize - 1) / e.cellSize
	return rows, cols
}

// Resolve binds an intent to device coordinates. Ops without a spatial target
// (back, wait, done, type_text) pass through; tap, long-press, and swipe
// resolve through the element list first and the grid second.
func (e *Engine) Resolve(intent schemas.ActionIntent, state schemas.ScreenState) (schemas.ResolvedAction, error) {
	switch intent.Op {
	case schemas.OpBack, schemas.OpWait, schemas.OpDone:
		return schemas.ResolvedAction{Op: intent.Op}, nil

	case schemas.OpTypeText:
		if intent.Text == "" {
			return schemas.ResolvedAction{}, fmt.Errorf("%w: type_text with empty payload", ErrUnresolvableTarget)
		}
		return schemas.ResolvedAction{Op: intent.Op, Text: intent.Text}, nil

	case schemas.OpTap, schemas.OpLongPress:
		x, y, uid, err := e.resolvePoint(intent, state)
		if err != nil {
			return schemas.ResolvedAction{}, err
		}
		resolved := schemas.ResolvedAction{Op: intent.Op, X: x, Y: y, ElementUID: uid}
		if intent.Op == schemas.OpLongPress {
			resolved.DurationMS = longPressDurationMS
		}
		return resolved, nil

	case schemas.OpSwipe:
		return e.resolveSwipe(intent, state)

	default:
		return schemas.ResolvedAction{}, fmt.Errorf("%w: unknown operation %q", ErrUnresolvableTarget, intent.Op)
	}
}

// resolvePoint produces the anchor coordinate for a point-style intent:
// labeled element first, then grid cell, then a raw point.
func (e *Engine) resolvePoint(intent schemas.ActionIntent, state schemas.ScreenState) (x, y int, uid string, err error) {
	if intent.ElementID >= 1 {
		if intent.ElementID <= len(state.Elements) {
			elem := state.Elements[intent.ElementID-1]
			x, y = elem.Center()
			return x, y, elem.UID, nil
		}
		e.logger.Warn("Stale element reference, trying fallback targets",
			zap.Int("element_id", intent.ElementID), zap.Int("elements", len(state.Elements)))
	}

	if intent.Grid != nil {
		x, y, err = e.resolveGridCell(intent.Grid.Cell, intent.Grid.Subarea, state)
		return x, y, "", err
	}

	if intent.Point != nil {
		return clamp(intent.Point.X, 0, state.Width-1), clamp(intent.Point.Y, 0, state.Height-1), "", nil
	}

	return 0, 0, "", fmt.Errorf("%w: intent carries no element, grid, or point target", ErrUnresolvableTarget)
}

func (e *Engine) resolveSwipe(intent schemas.ActionIntent, state schemas.ScreenState) (schemas.ResolvedAction, error) {
	// Screen-wide directional swipe.
	if intent.Direction != "" && intent.ElementID == 0 && intent.Grid == nil && intent.Point == nil {
		return e.resolveScreenSwipe(intent.Direction, state)
	}

	x, y, uid, err := e.resolvePoint(intent, state)
	if err != nil {
		return schemas.ResolvedAction{}, err
	}

	// Explicit end target (grid swipes give both endpoints).
	if intent.Grid != nil && intent.Grid.EndCell != 0 {
		endX, endY, err := e.resolveGridCell(intent.Grid.EndCell, intent.Grid.EndSubarea, state)
		if err != nil {
			return schemas.ResolvedAction{}, err
		}
		return schemas.ResolvedAction{
			Op: intent.Op, X: x, Y: y, EndX: endX, EndY: endY,
			DurationMS: defaultSwipeDurationMS, ElementUID: uid,
		}, nil
	}

	// Directional swipe anchored at the resolved point.
	if intent.Direction == "" {
		return schemas.ResolvedAction{}, fmt.Errorf("%w: swipe without direction or end target", ErrUnresolvableTarget)
	}
	dx, dy, err := directionOffsets(intent.Direction, state.Width/3, state.Height/3)
	if err != nil {
		return schemas.ResolvedAction{}, err
	}
	return schemas.ResolvedAction{
		Op: intent.Op, X: x, Y: y,
		EndX:       clamp(x+dx, 0, state.Width-1),
		EndY:       clamp(y+dy, 0, state.Height-1),
		DurationMS: defaultSwipeDurationMS,
		ElementUID: uid,
	}, nil
}

func (e *Engine) resolveScreenSwipe(direction string, state schemas.ScreenState) (schemas.ResolvedAction, error) {
	offX := int(float64(state.Width) * screenSwipeRatio / 2)
	offY := int(float64(state.Height) * screenSwipeRatio / 2)
	dx, dy, err := directionOffsets(direction, offX, offY)
	if err != nil {
		return schemas.ResolvedAction{}, err
	}
	cx, cy := state.Width/2, state.Height/2
	return schemas.ResolvedAction{
		Op:         schemas.OpSwipe,
		X:          cx - dx, Y: cy - dy,
		EndX:       cx + dx, EndY: cy + dy,
		DurationMS: defaultSwipeDurationMS,
	}, nil
}

// directionOffsets returns the (dx, dy) displacement of a swipe end point
// relative to its start for the given direction and magnitudes.
func directionOffsets(direction string, magX, magY int) (int, int, error) {
	switch direction {
	case "up":
		return 0, -magY, nil
	case "down":
		return 0, magY, nil
	case "left":
		return -magX, 0, nil
	case "right":
		return magX, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown swipe direction %q", ErrUnresolvableTarget, direction)
	}
}

// resolveGridCell maps a 1-based row-major cell number plus a sub-area name
// to a screen coordinate.
func (e *Engine) resolveGridCell(cell int, subarea string, state schemas.ScreenState) (int, int, error) {
	rows, cols := e.GridDims(state.Width, state.Height)
	if rows == 0 || cols == 0 {
		return 0, 0, fmt.Errorf("%w: grid dimensions unavailable for %dx%d screen",
			ErrUnresolvableTarget, state.Width, state.Height)
	}
	if cell < 1 || cell > rows*cols {
		return 0, 0, fmt.Errorf("%w: grid cell %d out of range [1,%d]", ErrUnresolvableTarget, cell, rows*cols)
	}

	idx := cell - 1
	row := idx / cols
	col := idx % cols

	cellW := float64(state.Width) / float64(cols)
	cellH := float64(state.Height) / float64(rows)

	frac, ok := subareaOffsets[subarea]
	if !ok {
		frac = subareaOffsets["center"]
	}

	x := int(float64(col)*cellW + cellW*frac[0])
	y := int(float64(row)*cellH + cellH*frac[1])
	return x, y, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
