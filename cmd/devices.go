package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/taskdroid/internal/device"
	"github.com/xkilldash9x/taskdroid/internal/observability"
)

// newDevicesCmd creates the `devices` command.
func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists connected Android devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			installer := device.NewInstaller(device.NewExecRunner(), observability.GetLogger())
			devices, err := installer.ListDevices(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No devices connected.")
				return nil
			}
			for _, serial := range devices {
				fmt.Println(serial)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newDevicesCmd())
}
