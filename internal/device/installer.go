package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// APKInfo is the identity of an application extracted from its package file.
type APKInfo struct {
	Package string
	Label   string
}

// Installer handles pre-session device preparation: APK identity analysis,
// installation, and device discovery.
type Installer struct {
	runner     CommandRunner
	logger     *zap.Logger
	aaptPath   string
	retryDelay time.Duration
}

func NewInstaller(runner CommandRunner, logger *zap.Logger) *Installer {
	return &Installer{
		runner:     runner,
		logger:     logger.Named("installer"),
		retryDelay: 3 * time.Second,
	}
}

// AnalyzeAPK extracts the package name and application label via aapt badging.
func (i *Installer) AnalyzeAPK(ctx context.Context, apkPath string) (APKInfo, error) {
	if _, err := os.Stat(apkPath); err != nil {
		return APKInfo{}, fmt.Errorf("APK file not found: %w", err)
	}

	aapt, err := i.findAAPT()
	if err != nil {
		return APKInfo{}, err
	}

	out, err := i.runner.Run(ctx, aapt, "dump", "badging", apkPath)
	if err != nil {
		return APKInfo{}, fmt.Errorf("aapt badging failed: %w", err)
	}

	info := parseBadging(out)
	if info.Package == "" {
		return APKInfo{}, fmt.Errorf("could not parse package name from aapt output")
	}
	if info.Label == "" {
		info.Label = info.Package
	}

	i.logger.Info("APK analyzed",
		zap.String("package", info.Package), zap.String("label", info.Label))
	return info, nil
}

func parseBadging(out string) APKInfo {
	var info APKInfo
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "package: name="):
			info.Package = quotedField(line)
		case strings.HasPrefix(line, "application-label:"):
			if info.Label == "" {
				info.Label = quotedField(line)
			}
		}
	}
	return info
}

func quotedField(line string) string {
	parts := strings.Split(line, "'")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// findAAPT resolves the aapt binary: PATH first, then the newest SDK
// build-tools directory under ANDROID_HOME / ANDROID_SDK_ROOT.
func (i *Installer) findAAPT() (string, error) {
	if i.aaptPath != "" {
		return i.aaptPath, nil
	}

	binary := "aapt"
	if runtime.GOOS == "windows" {
		binary = "aapt.exe"
	}

	roots := []string{}
	if sdk := os.Getenv("ANDROID_HOME"); sdk != "" {
		roots = append(roots, filepath.Join(sdk, "build-tools"))
	}
	if sdk := os.Getenv("ANDROID_SDK_ROOT"); sdk != "" {
		roots = append(roots, filepath.Join(sdk, "build-tools"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, "Android", "Sdk", "build-tools"))
	}

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, version := range names {
			candidate := filepath.Join(root, version, binary)
			if _, err := os.Stat(candidate); err == nil {
				i.aaptPath = candidate
				return candidate, nil
			}
		}
	}

	// Fall back to PATH resolution by the runner.
	i.aaptPath = binary
	return binary, nil
}

// Install pushes the APK to the device with bounded retries. The -r flag
// reinstalls over an existing package, -t allows test packages, -g grants
// runtime permissions up front so permission dialogs don't stall the session.
func (i *Installer) Install(ctx context.Context, serial, apkPath string, retries int) error {
	if retries <= 0 {
		retries = 2
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		i.logger.Info("Installing APK",
			zap.String("apk", filepath.Base(apkPath)),
			zap.Int("attempt", attempt), zap.Int("retries", retries))

		out, err := i.runner.Run(ctx, "adb", "-s", serial, "install", "-r", "-t", "-g", apkPath)
		if err == nil && strings.Contains(out, "Success") {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("unexpected install output: %q", out)
		}
		lastErr = err
		i.logger.Warn("Install attempt failed", zap.Error(err))

		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(i.retryDelay):
			}
		}
	}
	return fmt.Errorf("failed to install APK after %d attempts: %w", retries, lastErr)
}

// IsInstalled reports whether the package is present on the device.
func (i *Installer) IsInstalled(ctx context.Context, serial, packageName string) (bool, error) {
	out, err := i.runner.Run(ctx, "adb", "-s", serial, "shell", "pm", "list", "packages", packageName)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+packageName {
			return true, nil
		}
	}
	return false, nil
}

// ListDevices returns the serials of all connected devices in the "device"
// state.
func (i *Installer) ListDevices(ctx context.Context) ([]string, error) {
	out, err := i.runner.Run(ctx, "adb", "devices")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var serials []string
	for _, line := range strings.Split(out, "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials, nil
}
