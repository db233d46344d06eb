package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
)

// Android key event codes used by the controller.
const (
	keyHome   = 3
	keyBack   = 4
	keyEnter  = 66
	keyDelete = 67
	keyWakeup = 224
)

// deviceStagingDir is where captures land on the device before being pulled.
const deviceStagingDir = "/sdcard/taskdroid"

// Controller implements schemas.DeviceController over the adb binary. It is
// stateful: the serial and the probed screen resolution are fixed at
// construction.
type Controller struct {
	runner CommandRunner
	serial string
	cfg    config.DeviceConfig
	logger *zap.Logger

	width  int
	height int
}

var _ schemas.DeviceController = (*Controller)(nil)

// NewController prepares staging directories on the device and the host and
// probes the screen resolution.
func NewController(ctx context.Context, runner CommandRunner, serial string, cfg config.DeviceConfig, logger *zap.Logger) (*Controller, error) {
	if serial == "" {
		return nil, fmt.Errorf("device serial cannot be empty")
	}

	c := &Controller{
		runner: runner,
		serial: serial,
		cfg:    cfg,
		logger: logger.Named("device"),
	}

	if _, err := c.adb(ctx, "shell", "mkdir", "-p", deviceStagingDir); err != nil {
		return nil, fmt.Errorf("device unreachable: %w", err)
	}
	for _, dir := range []string{cfg.ScreenshotDir, cfg.XMLDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging dir %q: %w", dir, err)
		}
	}

	w, h, err := c.probeResolution(ctx)
	if err != nil {
		return nil, err
	}
	c.width, c.height = w, h
	c.logger.Info("Device controller ready",
		zap.String("serial", serial), zap.Int("width", w), zap.Int("height", h))
	return c, nil
}

// adb runs one adb command against the bound device.
func (c *Controller) adb(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-s", c.serial}, args...)

	logArgs := strings.Join(full, " ")
	if len(args) >= 2 && args[0] == "shell" && args[1] == "input" &&
		containsAny(logArgs, []string{"text"}) {
		// Hide typed text from logs.
		logArgs = "-s " + c.serial + " shell input text <hidden>"
	}
	c.logger.Debug("Executing adb command", zap.String("args", logArgs))

	runCtx := ctx
	if c.cfg.InputTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.InputTimeout)
		defer cancel()
	}
	return c.runner.Run(runCtx, "adb", full...)
}

func (c *Controller) probeResolution(ctx context.Context) (int, int, error) {
	out, err := c.adb(ctx, "shell", "wm", "size")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query screen size: %w", err)
	}

	const marker = "Physical size:"
	idx := strings.Index(out, marker)
	if idx < 0 {
		return 0, 0, fmt.Errorf("unexpected wm size output: %q", out)
	}
	res := strings.TrimSpace(out[idx+len(marker):])
	if nl := strings.IndexByte(res, '\n'); nl >= 0 {
		res = strings.TrimSpace(res[:nl])
	}

	parts := strings.Split(res, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected resolution string: %q", res)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("unexpected resolution string: %q", res)
	}
	return w, h, nil
}

// ScreenSize returns the resolution probed at startup.
func (c *Controller) ScreenSize() (int, int) {
	return c.width, c.height
}

// -- Input primitives --

func (c *Controller) Tap(ctx context.Context, x, y int) error {
	_, err := c.adb(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// LongPress is a zero-length swipe held for the duration.
func (c *Controller) LongPress(ctx context.Context, x, y, durationMS int) error {
	if durationMS <= 0 {
		durationMS = 1000
	}
	return c.Swipe(ctx, x, y, x, y, durationMS)
}

func (c *Controller) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	if durationMS <= 0 {
		durationMS = 400
	}
	_, err := c.adb(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMS))
	return err
}

// SwipeScreen swipes across the screen center in the given direction,
// covering the given fraction of the screen dimension.
func (c *Controller) SwipeScreen(ctx context.Context, direction string, distanceRatio float64) error {
	if distanceRatio <= 0 || distanceRatio > 1 {
		distanceRatio = 0.5
	}
	cx, cy := c.width/2, c.height/2
	offX := int(float64(c.width) * distanceRatio / 2)
	offY := int(float64(c.height) * distanceRatio / 2)

	switch strings.ToLower(direction) {
	case "up":
		return c.Swipe(ctx, cx, cy+offY, cx, cy-offY, 0)
	case "down":
		return c.Swipe(ctx, cx, cy-offY, cx, cy+offY, 0)
	case "left":
		return c.Swipe(ctx, cx+offX, cy, cx-offX, cy, 0)
	case "right":
		return c.Swipe(ctx, cx-offX, cy, cx+offX, cy, 0)
	default:
		return fmt.Errorf("unknown swipe direction %q", direction)
	}
}

// TypeText sends text through the shell input pipeline. Spaces become %s per
// the input tool's encoding; quotes are stripped because they cannot survive
// the shell round-trip reliably.
func (c *Controller) TypeText(ctx context.Context, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	escaped = strings.ReplaceAll(escaped, "'", "")
	escaped = strings.ReplaceAll(escaped, "\"", "")
	if escaped == "" {
		return nil
	}
	_, err := c.adb(ctx, "shell", "input", "text", escaped)
	return err
}

func (c *Controller) PressKey(ctx context.Context, keycode int) error {
	_, err := c.adb(ctx, "shell", "input", "keyevent", strconv.Itoa(keycode))
	return err
}

func (c *Controller) Back(ctx context.Context) error  { return c.PressKey(ctx, keyBack) }
func (c *Controller) Home(ctx context.Context) error  { return c.PressKey(ctx, keyHome) }
func (c *Controller) Enter(ctx context.Context) error { return c.PressKey(ctx, keyEnter) }

// DeleteChars issues repeated delete key events to clear count characters.
func (c *Controller) DeleteChars(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		if err := c.PressKey(ctx, keyDelete); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// -- App lifecycle --

// LaunchApp starts the package's launcher activity.
func (c *Controller) LaunchApp(ctx context.Context, packageName string) error {
	_, err := c.adb(ctx, "shell", "monkey", "-p", packageName,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return fmt.Errorf("failed to launch app %s: %w", packageName, err)
	}
	return nil
}

// CloseApp force-stops the package.
func (c *Controller) CloseApp(ctx context.Context, packageName string) error {
	_, err := c.adb(ctx, "shell", "am", "force-stop", packageName)
	return err
}

// WakeScreen wakes the display and dismisses an insecure keyguard.
func (c *Controller) WakeScreen(ctx context.Context) error {
	if err := c.PressKey(ctx, keyWakeup); err != nil {
		return err
	}
	_, err := c.adb(ctx, "shell", "wm", "dismiss-keyguard")
	return err
}

// -- Capture --

// CaptureScreen takes a screenshot and a hierarchy dump concurrently, pulls
// both to the host staging dirs, and parses the hierarchy into normalized
// elements. A failed hierarchy parse is not fatal: the state is returned with
// an empty element list so grounding can fall back to the grid.
func (c *Controller) CaptureScreen(ctx context.Context, prefix string) (schemas.ScreenState, error) {
	screenshotLocal := filepath.Join(c.cfg.ScreenshotDir, prefix+".png")
	hierarchyLocal := filepath.Join(c.cfg.XMLDir, prefix+".xml")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		devicePath := deviceStagingDir + "/" + prefix + ".png"
		if _, err := c.adb(gctx, "shell", "screencap", "-p", devicePath); err != nil {
			return fmt.Errorf("screenshot capture failed: %w", err)
		}
		if _, err := c.adb(gctx, "pull", devicePath, screenshotLocal); err != nil {
			return fmt.Errorf("screenshot pull failed: %w", err)
		}
		return nil
	})

	var hierarchyErr error
	g.Go(func() error {
		devicePath := deviceStagingDir + "/" + prefix + ".xml"
		if _, err := c.adb(gctx, "shell", "uiautomator", "dump", devicePath); err != nil {
			hierarchyErr = err
			return nil // structured parsing is best-effort
		}
		if _, err := c.adb(gctx, "pull", devicePath, hierarchyLocal); err != nil {
			hierarchyErr = err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return schemas.ScreenState{}, err
	}

	state := schemas.ScreenState{
		ScreenshotPath: screenshotLocal,
		Width:          c.width,
		Height:         c.height,
		CapturedAt:     time.Now(),
	}

	if hierarchyErr != nil {
		c.logger.Warn("Hierarchy dump unavailable, continuing without structured elements",
			zap.Error(hierarchyErr))
		return state, nil
	}

	elements, err := ExtractInteractiveElements(hierarchyLocal, c.cfg.MinElementDist, c.logger)
	if err != nil {
		c.logger.Warn("Hierarchy parse failed, continuing without structured elements",
			zap.Error(err))
		return state, nil
	}

	state.HierarchyPath = hierarchyLocal
	state.Elements = elements
	return state, nil
}
