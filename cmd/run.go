package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
	"github.com/xkilldash9x/taskdroid/internal/decision"
	"github.com/xkilldash9x/taskdroid/internal/device"
	"github.com/xkilldash9x/taskdroid/internal/executor"
	"github.com/xkilldash9x/taskdroid/internal/grounding"
	"github.com/xkilldash9x/taskdroid/internal/knowledge"
	"github.com/xkilldash9x/taskdroid/internal/observability"
	"github.com/xkilldash9x/taskdroid/internal/reflector"
	"github.com/xkilldash9x/taskdroid/internal/session"
	"github.com/xkilldash9x/taskdroid/internal/vlm"
)

const installRetries = 3

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <apk_path> <instruction>",
		Short: "Installs an APK and drives it toward a natural-language goal",
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("device.serial", cmd.Flags().Lookup("serial")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), args[0], args[1], schemas.ModeExecute)
		},
	}

	runCmd.Flags().StringP("serial", "s", "", "Target device serial. Defaults to the only connected device.")
	runCmd.Flags().Bool("skip-install", false, "Skip APK installation if the package is already present.")
	return runCmd
}

// runSession is the shared bootstrap for the run and explore commands: pick a
// device, install and launch the app, assemble the agent, and drive the loop.
func runSession(ctx context.Context, apkPath, instruction string, mode schemas.Mode) error {
	logger := observability.GetLogger()

	// Flag overrides were bound in PreRunE; re-resolve the config with them.
	cfg, err := config.NewFromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to finalize config: %w", err)
	}

	runner := device.NewExecRunner()
	installer := device.NewInstaller(runner, logger)

	serial := cfg.Device.Serial
	if serial == "" {
		devices, err := installer.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		if len(devices) == 0 {
			return errors.New("no connected devices found")
		}
		serial = devices[0]
		if len(devices) > 1 {
			logger.Warn("Multiple devices connected, using the first",
				zap.Strings("devices", devices), zap.String("selected", serial))
		}
	}

	info, err := installer.AnalyzeAPK(ctx, apkPath)
	if err != nil {
		return fmt.Errorf("failed to analyze APK: %w", err)
	}
	logger.Info("APK analyzed",
		zap.String("package", info.Package), zap.String("label", info.Label))

	installed, err := installer.IsInstalled(ctx, serial, info.Package)
	if err != nil {
		return fmt.Errorf("failed to check install state: %w", err)
	}
	if !installed || !viper.GetBool("skip-install") {
		if err := installer.Install(ctx, serial, apkPath, installRetries); err != nil {
			return fmt.Errorf("failed to install %s: %w", info.Package, err)
		}
	}

	controller, err := device.NewController(ctx, runner, serial, cfg.Device, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize device controller: %w", err)
	}

	if !cfg.Device.KeepArtifacts {
		defer func() {
			for _, dir := range []string{cfg.Device.ScreenshotDir, cfg.Device.XMLDir} {
				if err := os.RemoveAll(dir); err != nil {
					logger.Warn("Failed to clean capture artifacts",
						zap.String("dir", dir), zap.Error(err))
				}
			}
		}()
	}

	if err := controller.WakeScreen(ctx); err != nil {
		logger.Warn("Failed to wake screen", zap.Error(err))
	}
	if err := controller.CloseApp(ctx, info.Package); err != nil {
		logger.Warn("Failed to stop previous app instance", zap.Error(err))
	}
	if err := controller.LaunchApp(ctx, info.Package); err != nil {
		return fmt.Errorf("failed to launch %s: %w", info.Package, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.Agent.AppLoadDelay):
	}

	client, err := vlm.NewClient(cfg.Agent.VLM, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize VLM client: %w", err)
	}

	store, closeStore, err := knowledge.New(ctx, cfg.Knowledge, cfg.Agent.DocumentationRefinement, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize knowledge store: %w", err)
	}
	defer closeStore()

	sess := session.NewController(
		*cfg,
		controller,
		decision.NewEngine(client, cfg.Agent, logger),
		grounding.NewEngine(cfg.Device.GridCellSize, logger),
		executor.New(controller, cfg.Agent.SettleDelay, logger),
		reflector.New(client, store, cfg.Agent, logger),
		store,
		logger,
	)

	task := schemas.Task{
		AppID:       info.Package,
		Instruction: instruction,
		Mode:        mode,
	}

	result, err := sess.Run(ctx, task)
	if err != nil {
		return err
	}

	if !result.Completed {
		return fmt.Errorf("session %s failed after %d rounds: %s (%s)",
			result.SessionID, result.Rounds, result.FailureKind, result.Message)
	}

	fmt.Printf("\nSession complete. ID: %s, rounds: %d\n", result.SessionID, result.Rounds)
	return nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
