package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const badgingOutput = `package: name='com.example.calc' versionCode='42' versionName='1.4.2'
sdkVersion:'26'
application-label:'Calculator Plus'
application-label-de:'Rechner Plus'
launchable-activity: name='com.example.calc.MainActivity'`

func writeFakeAPK(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0o644))
	return path
}

func TestParseBadging(t *testing.T) {
	t.Parallel()

	info := parseBadging(badgingOutput)
	assert.Equal(t, "com.example.calc", info.Package)
	assert.Equal(t, "Calculator Plus", info.Label, "the first application-label wins over localized ones")

	assert.Empty(t, parseBadging("no badging here").Package)
}

func TestAnalyzeAPK(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["dump badging"] = badgingOutput
	installer := NewInstaller(runner, zaptest.NewLogger(t))

	info, err := installer.AnalyzeAPK(context.Background(), writeFakeAPK(t))
	require.NoError(t, err)
	assert.Equal(t, "com.example.calc", info.Package)
	assert.Equal(t, "Calculator Plus", info.Label)
}

func TestAnalyzeAPK_MissingFile(t *testing.T) {
	installer := NewInstaller(newFakeRunner(), zaptest.NewLogger(t))

	_, err := installer.AnalyzeAPK(context.Background(), "/nonexistent/app.apk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APK file not found")
}

func TestInstall_SucceedsOnSuccessOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["install"] = "Performing Streamed Install\nSuccess"
	installer := NewInstaller(runner, zaptest.NewLogger(t))

	err := installer.Install(context.Background(), "emulator-5554", writeFakeAPK(t), 2)
	require.NoError(t, err)
	assert.True(t, runner.sawCommand("adb -s emulator-5554 install -r -t -g"))
}

func TestInstall_ExhaustsRetries(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["install"] = fmt.Errorf("INSTALL_FAILED_INSUFFICIENT_STORAGE")
	installer := NewInstaller(runner, zaptest.NewLogger(t))
	installer.retryDelay = 0

	err := installer.Install(context.Background(), "emulator-5554", writeFakeAPK(t), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestIsInstalled(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["pm list packages"] = "package:com.example.calc\npackage:com.example.calculator"
	installer := NewInstaller(runner, zaptest.NewLogger(t))

	present, err := installer.IsInstalled(context.Background(), "emulator-5554", "com.example.calc")
	require.NoError(t, err)
	assert.True(t, present)

	present, err = installer.IsInstalled(context.Background(), "emulator-5554", "com.example.missing")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestListDevices(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["devices"] = "List of devices attached\nemulator-5554\tdevice\n0a1b2c3d\tunauthorized\nemulator-5556\tdevice"
	installer := NewInstaller(runner, zaptest.NewLogger(t))

	serials, err := installer.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"emulator-5554", "emulator-5556"}, serials)
}
