package session

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
	"github.com/xkilldash9x/taskdroid/internal/decision"
	"github.com/xkilldash9x/taskdroid/internal/executor"
	"github.com/xkilldash9x/taskdroid/internal/grounding"
	"github.com/xkilldash9x/taskdroid/internal/reflector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient serves canned responses to both the decision engine and the
// reflector, in call order. onCall hooks let tests cancel contexts mid-run.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	requests  []schemas.GenerationRequest
	onCall    func(n int)
}

func (c *scriptedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	var response string
	var err error
	if len(c.responses) == 0 {
		err = errors.New("scriptedClient: out of responses")
	} else {
		response = c.responses[0]
		c.responses = c.responses[1:]
	}
	hook := c.onCall
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return response, err
}

func (c *scriptedClient) request(i int) schemas.GenerationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// scriptedDevice serves a fixed sequence of screen states; the last one
// repeats once the script is exhausted.
type scriptedDevice struct {
	mu       sync.Mutex
	states   []schemas.ScreenState
	captures int
	backs    int
	taps     int
}

func (d *scriptedDevice) Tap(ctx context.Context, x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps++
	return nil
}
func (d *scriptedDevice) LongPress(ctx context.Context, x, y, durationMS int) error  { return nil }
func (d *scriptedDevice) Swipe(ctx context.Context, x1, y1, x2, y2, durMS int) error { return nil }
func (d *scriptedDevice) TypeText(ctx context.Context, text string) error            { return nil }

func (d *scriptedDevice) Back(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backs++
	return nil
}

func (d *scriptedDevice) CaptureScreen(ctx context.Context, prefix string) (schemas.ScreenState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.captures
	d.captures++
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	return d.states[i], nil
}

func (d *scriptedDevice) ScreenSize() (int, int) { return 1080, 1920 }

func screenA() schemas.ScreenState {
	return schemas.ScreenState{
		ScreenshotPath: "/tmp/a.png",
		Width:          1080,
		Height:         1920,
		Elements:       []schemas.UIElement{{UID: "btn_start", Bounds: schemas.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, Clickable: true}},
	}
}

func screenB() schemas.ScreenState {
	return schemas.ScreenState{
		ScreenshotPath: "/tmp/b.png",
		Width:          1080,
		Height:         1920,
		Elements:       []schemas.UIElement{{UID: "btn_next", Bounds: schemas.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, Clickable: true}},
	}
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		Agent: config.AgentConfig{
			MaxTaskRounds:    10,
			MaxExploreRounds: 10,
			RequestInterval:  time.Millisecond,
			SettleDelay:      time.Millisecond,
			DecisionRetries:  2,
			StuckRoundBudget: 3,
			ExecRetryBudget:  2,
			VLM: config.VLMConfig{
				Provider: config.ProviderGemini,
				Gemini:   config.VLMModelConfig{Temperature: 0.2},
			},
		},
		Device: config.DeviceConfig{GridCellSize: 240},
		Knowledge: config.KnowledgeConfig{
			Backend: "file",
			DataDir: t.TempDir(),
		},
	}
}

// flushTrackingStore wraps a map store and records Flush calls.
type flushTrackingStore struct {
	mu      sync.Mutex
	entries []schemas.KnowledgeEntry
	flushes int
}

func (s *flushTrackingStore) Lookup(ctx context.Context, appID string, screen schemas.ScreenSignature) ([]schemas.KnowledgeEntry, error) {
	return nil, nil
}

func (s *flushTrackingStore) Merge(ctx context.Context, entry schemas.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *flushTrackingStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *flushTrackingStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type harness struct {
	cfg        config.Config
	client     *scriptedClient
	device     *scriptedDevice
	store      *flushTrackingStore
	controller *Controller
}

func newHarness(t *testing.T, client *scriptedClient, device *scriptedDevice) *harness {
	t.Helper()
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)
	store := &flushTrackingStore{}

	controller := NewController(
		cfg,
		device,
		decision.NewEngine(client, cfg.Agent, logger),
		grounding.NewEngine(cfg.Device.GridCellSize, logger),
		executor.New(device, cfg.Agent.SettleDelay, logger),
		reflector.New(client, store, cfg.Agent, logger),
		store,
		logger,
	)
	return &harness{cfg: cfg, client: client, device: device, store: store, controller: controller}
}

func executeTask() schemas.Task {
	return schemas.Task{
		AppID:       "com.example.notes",
		Instruction: "Open the settings screen",
		Mode:        schemas.ModeExecute,
	}
}

func (h *harness) readRecords(t *testing.T, sessionID string) []schemas.ActionRecord {
	t.Helper()
	path := filepath.Join(h.cfg.Knowledge.DataDir, "sessions", sessionID+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []schemas.ActionRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r schemas.ActionRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestRun_CompletesWhenModelSignalsFinish(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Open the settings screen"]}`,
		`{"action": {"name": "finish"}, "summary": "Settings already open."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.Rounds)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, 1, h.store.flushCount(), "the knowledge base is flushed on termination")

	records := h.readRecords(t, result.SessionID)
	require.Len(t, records, 1)
	assert.Equal(t, schemas.VerdictSuccess, records[0].Verdict)
	assert.Equal(t, schemas.OpDone, records[0].Intent.Op)
}

func TestRun_AdvancesThroughSubGoalPlan(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Tap the start button", "Confirm"]}`,
		`{"action": {"name": "subgoal_complete"}, "summary": "Start already tapped."}`,
		`{"action": {"name": "subgoal_complete"}, "summary": "Confirmed."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 2, result.Rounds)

	// The second decide call sees the first sub-goal marked done.
	secondDecide := client.request(2)
	assert.Contains(t, secondDecide.UserPrompt, "[DONE] Tap the start button")
	assert.Contains(t, secondDecide.UserPrompt, `CURRENT SUB-GOAL: "Confirm"`)
}

func TestRun_PlanningFailureIsFatal(t *testing.T) {
	client := &scriptedClient{responses: []string{"garbage", "garbage"}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, FailurePlanning, result.FailureKind)
	assert.Equal(t, 1, h.store.flushCount())
}

func TestRun_StuckBudgetFailsSession(t *testing.T) {
	// Every round taps a real element but the screen never changes, so the
	// reflector short-circuits to no-op verdicts without a model call.
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Open the settings screen"]}`,
		`{"action": {"name": "tap", "element_id": 1}, "summary": "Tap 1."}`,
		`{"action": {"name": "tap", "element_id": 1}, "summary": "Tap 2."}`,
		`{"action": {"name": "tap", "element_id": 1}, "summary": "Tap 3."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, FailureSubGoalStuck, result.FailureKind)
	assert.Equal(t, 3, result.Rounds)

	records := h.readRecords(t, result.SessionID)
	require.Len(t, records, 3)
	verdicts := []schemas.Verdict{records[0].Verdict, records[1].Verdict, records[2].Verdict}
	want := []schemas.Verdict{schemas.VerdictNoOp, schemas.VerdictNoOp, schemas.VerdictNoOp}
	if diff := cmp.Diff(want, verdicts); diff != "" {
		t.Fatalf("verdict sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_RoundLimitExceeded(t *testing.T) {
	// Exploration keeps succeeding but never finishes; the round budget ends
	// the session. Odd responses are decisions, even ones are judgments.
	client := &scriptedClient{responses: []string{
		`{"action": {"name": "swipe", "direction": "up"}, "summary": "Scrolling."}`,
		`{"decision": "SUCCESS", "judgment": "The feed scrolled."}`,
		`{"action": {"name": "swipe", "direction": "up"}, "summary": "Scrolling."}`,
		`{"decision": "SUCCESS", "judgment": "The feed scrolled."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{
		screenA(), screenB(), screenA(), screenB(), screenA(),
	}}
	h := newHarness(t, client, device)
	h.cfg.Agent.MaxExploreRounds = 2
	h.controller.cfg = h.cfg

	task := executeTask()
	task.Mode = schemas.ModeExplore
	result, err := h.controller.Run(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, FailureRoundLimit, result.FailureKind)
	assert.Equal(t, 2, result.Rounds)
}

func TestRun_GroundingFailureTriggersGridFallback(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Open the settings screen"]}`,
		`{"action": {"name": "tap", "element_id": 99}, "summary": "Tapping a stale label."}`,
		`{"action": {"name": "finish"}, "summary": "Done."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.True(t, result.Completed)

	// Call 0 is planning, 1 is the failed element decide, 2 is the grid round.
	require.Equal(t, 3, client.callCount())
	assert.Contains(t, client.request(2).UserPrompt, "The grid has 8 rows and 5 columns")

	records := h.readRecords(t, result.SessionID)
	require.Len(t, records, 2)
	assert.Equal(t, string(FailureUnresolvableTarget), records[0].FailureKind)
}

func TestRun_EmptyElementListUsesGridImmediately(t *testing.T) {
	blank := schemas.ScreenState{ScreenshotPath: "/tmp/blank.png", Width: 1080, Height: 1920}
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Open the settings screen"]}`,
		`{"action": {"name": "finish"}, "summary": "Done."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{blank}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Contains(t, client.request(1).UserPrompt, "The grid has 8 rows and 5 columns")
}

func TestRun_BackRequestPressesBack(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"sub_goals": ["Open the settings screen"]}`,
		`{"action": {"name": "tap", "element_id": 1}, "summary": "Tapping start."}`,
		`{"decision": "BACK", "judgment": "This opened an advertisement."}`,
		`{"action": {"name": "finish"}, "summary": "Done."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{
		screenA(), screenB(), screenA(),
	}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(context.Background(), executeTask())
	require.NoError(t, err)
	assert.True(t, result.Completed)

	device.mu.Lock()
	backs := device.backs
	device.mu.Unlock()
	assert.Equal(t, 1, backs, "a BACK judgment presses the back key once")

	records := h.readRecords(t, result.SessionID)
	require.GreaterOrEqual(t, len(records), 1)
	assert.Equal(t, schemas.VerdictUnexpectedChange, records[0].Verdict)
}

func TestRun_ExploreModeSkipsPlanning(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": {"name": "finish"}, "summary": "Explored enough."}`,
	}}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	task := executeTask()
	task.Mode = schemas.ModeExplore
	result, err := h.controller.Run(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	require.Equal(t, 1, client.callCount(), "exploration runs without a decomposition call")
}

func TestRun_InvalidModeRejected(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, &scriptedDevice{states: []schemas.ScreenState{screenA()}})

	task := executeTask()
	task.Mode = "turbo"
	_, err := h.controller.Run(context.Background(), task)
	require.Error(t, err)
}

func TestRun_CancellationBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptedClient{
		responses: []string{
			`{"sub_goals": ["Open the settings screen"]}`,
			`{"action": {"name": "tap", "element_id": 1}, "summary": "Tapping start."}`,
		},
	}
	// Cancel as soon as the first per-round decision is served; the round is
	// abandoned at the next blocking step and the session terminates cleanly.
	client.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	device := &scriptedDevice{states: []schemas.ScreenState{screenA()}}
	h := newHarness(t, client, device)

	result, err := h.controller.Run(ctx, executeTask())
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, FailureCancelled, result.FailureKind)
	assert.Equal(t, 1, h.store.flushCount(), "cancellation still flushes the knowledge base")
}
