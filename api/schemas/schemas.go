// Package schemas holds the shared data model for the taskdroid agent: the
// task and sub-goal types, captured screen state, the action vocabulary the
// decision engine emits, and the knowledge-base record shape. Keeping these in
// one leaf package lets every internal component depend on them without
// import cycles.
package schemas

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Mode selects the agent's operating mode for a session.
type Mode string

const (
	// ModeExecute drives the app toward a concrete goal via decomposed sub-goals.
	ModeExecute Mode = "execute"
	// ModeExplore interacts freely to build knowledge-base coverage.
	ModeExplore Mode = "explore"
)

// Valid reports whether the mode is one of the recognized values.
func (m Mode) Valid() bool {
	return m == ModeExecute || m == ModeExplore
}

// Task is the immutable goal a session works toward.
type Task struct {
	ID          string `json:"id"`
	AppID       string `json:"app_id"`      // Android package name of the target app.
	Instruction string `json:"instruction"` // Natural-language goal, opaque to the agent.
	Mode        Mode   `json:"mode"`
}

// SubGoalStatus tracks a sub-goal through its lifecycle.
type SubGoalStatus string

const (
	SubGoalPending SubGoalStatus = "pending"
	SubGoalActive  SubGoalStatus = "active"
	SubGoalDone    SubGoalStatus = "done"
	SubGoalFailed  SubGoalStatus = "failed"
)

// SubGoal is one ordered step of a decomposed task.
type SubGoal struct {
	Index       int           `json:"index"`
	Description string        `json:"description"`
	Status      SubGoalStatus `json:"status"`
}

// Rect is a pixel-space bounding box, top-left inclusive.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (int, int) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height returns the vertical extent of the box.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// UIElement is one interactive element extracted from a UI hierarchy dump.
// UID is a stable-ish signature derived from the element's attributes; two
// captures of the same logical element produce the same UID even when a
// re-render shifts its bounds by a few pixels.
type UIElement struct {
	UID         string `json:"uid"`
	Bounds      Rect   `json:"bounds"`
	Text        string `json:"text,omitempty"`
	ResourceID  string `json:"resource_id,omitempty"`
	ContentDesc string `json:"content_desc,omitempty"`
	Class       string `json:"class,omitempty"`
	Clickable   bool   `json:"clickable"`
	Focusable   bool   `json:"focusable"`
	// RoleHint marks elements whose attributes suggest a well-known role
	// (e.g. "search_bar", "nav_item"); advisory only.
	RoleHint string `json:"role_hint,omitempty"`
}

// Center returns the midpoint of the element's bounding box.
func (e UIElement) Center() (int, int) { return e.Bounds.Center() }

// ScreenSignature identifies "this kind of screen" independently of the
// capture instance. It partitions the knowledge base.
type ScreenSignature string

// ScreenState is one observation of the device screen: the screenshot, the
// staged hierarchy dump, and the normalized interactive elements. Only the
// current and previous states are retained by a session.
type ScreenState struct {
	ScreenshotPath string      `json:"screenshot_path"`
	HierarchyPath  string      `json:"hierarchy_path,omitempty"`
	Elements       []UIElement `json:"elements"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	CapturedAt     time.Time   `json:"captured_at"`
}

// Signature derives the screen's identity from the sorted set of element
// UIDs, hashed with FNV-64a. A screen with no parsed elements hashes its
// dimensions instead so that distinct blank captures on different devices do
// not collide with each other.
func (s ScreenState) Signature() ScreenSignature {
	h := fnv.New64a()
	if len(s.Elements) == 0 {
		fmt.Fprintf(h, "empty:%dx%d", s.Width, s.Height)
		return ScreenSignature(fmt.Sprintf("%016x", h.Sum64()))
	}
	uids := make([]string, 0, len(s.Elements))
	for _, e := range s.Elements {
		uids = append(uids, e.UID)
	}
	sort.Strings(uids)
	h.Write([]byte(strings.Join(uids, "\n")))
	return ScreenSignature(fmt.Sprintf("%016x", h.Sum64()))
}

// ElementByUID returns the element with the given UID, if present.
func (s ScreenState) ElementByUID(uid string) (UIElement, bool) {
	for _, e := range s.Elements {
		if e.UID == uid {
			return e, true
		}
	}
	return UIElement{}, false
}

// ActionOp enumerates the operations the decision engine may request.
type ActionOp string

const (
	OpTap       ActionOp = "tap"
	OpLongPress ActionOp = "long_press"
	OpSwipe     ActionOp = "swipe"
	OpTypeText  ActionOp = "type_text"
	OpBack      ActionOp = "back"
	OpWait      ActionOp = "wait"
	OpDone      ActionOp = "done"
)

// GridTarget addresses a cell of the uniform fallback grid. Cells are
// numbered row-major starting at 1; Subarea selects one of nine anchor points
// inside the cell ("center", "top-left", ... "bottom-right"). EndCell and
// EndSubarea are used only for swipe paths.
type GridTarget struct {
	Cell       int    `json:"cell"`
	Subarea    string `json:"subarea,omitempty"`
	EndCell    int    `json:"end_cell,omitempty"`
	EndSubarea string `json:"end_subarea,omitempty"`
}

// Point is a raw screen coordinate target.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ActionIntent is the decision engine's abstract output: an operation plus a
// symbolic target. Grounding binds it to concrete coordinates; an intent is
// never executed directly.
type ActionIntent struct {
	Op ActionOp `json:"op"`

	// Exactly one of the following target forms is set for ops that need one.
	ElementID int         `json:"element_id,omitempty"` // 1-based label index into the current element list.
	Grid      *GridTarget `json:"grid,omitempty"`
	Point     *Point      `json:"point,omitempty"`
	Direction string      `json:"direction,omitempty"` // screen-wide swipe: up, down, left, right.

	Text        string `json:"text,omitempty"` // payload for type_text.
	Summary     string `json:"summary,omitempty"`
	Expectation string `json:"expectation,omitempty"` // what the model expects to happen, for reflection.
}

// ResolvedAction is an ActionIntent bound to device coordinates. It carries
// no symbolic references; the executor consumes it as-is.
type ResolvedAction struct {
	Op         ActionOp `json:"op"`
	X          int      `json:"x"`
	Y          int      `json:"y"`
	EndX       int      `json:"end_x,omitempty"`
	EndY       int      `json:"end_y,omitempty"`
	DurationMS int      `json:"duration_ms,omitempty"`
	Text       string   `json:"text,omitempty"`
	// ElementUID records which element was targeted, when grounding resolved
	// through the element list. Used for knowledge-base attribution.
	ElementUID string `json:"element_uid,omitempty"`
}

// Verdict classifies the effect of one executed action.
type Verdict string

const (
	VerdictSuccess          Verdict = "success"
	VerdictNoOp             Verdict = "no-op"
	VerdictUnexpectedChange Verdict = "unexpected-change"
	VerdictError            Verdict = "error"
)

// ActionRecord is one row of the append-only session log: the executed
// action, the states around it, and the reflector's judgment. Records are
// never mutated after creation.
type ActionRecord struct {
	ID           string          `json:"id"`
	Round        int             `json:"round"`
	SubGoalIndex int             `json:"sub_goal_index"`
	Intent       ActionIntent    `json:"intent"`
	Resolved     *ResolvedAction `json:"resolved,omitempty"`
	PreSig       ScreenSignature `json:"pre_signature"`
	PostSig      ScreenSignature `json:"post_signature,omitempty"`
	Verdict      Verdict         `json:"verdict,omitempty"`
	Judgment     string          `json:"judgment,omitempty"`
	// FailureKind is set when the round failed non-fatally (grounding miss,
	// unparsable decision, transient execution error) so post-hoc analysis
	// can separate lack of progress from infrastructure failure.
	FailureKind string    `json:"failure_kind,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// KnowledgeEntry documents the observed behavior of one element on one
// screen of one app. Entries merge on key collision: observations accumulate
// (deduplicated) and the visit counter increments, but prior documentation is
// never overwritten.
type KnowledgeEntry struct {
	AppID        string          `json:"app_id"`
	Screen       ScreenSignature `json:"screen"`
	ElementUID   string          `json:"element_uid"`
	Observations []string        `json:"observations"`
	Visits       int             `json:"visits"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
}

// Key returns the unique (app, screen, element) identity of the entry.
func (e KnowledgeEntry) Key() string {
	return fmt.Sprintf("%s/%s/%s", e.AppID, e.Screen, e.ElementUID)
}
