package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

const defaultExploreDirective = "Explore the application systematically. Visit every reachable screen, try the interactive elements, and document what each one does."

// newExploreCmd creates and configures the `explore` command.
func newExploreCmd() *cobra.Command {
	exploreCmd := &cobra.Command{
		Use:   "explore <apk_path>",
		Short: "Installs an APK and explores it to build knowledge-base coverage",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("device.serial", cmd.Flags().Lookup("serial")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			directive := viper.GetString("directive")
			if directive == "" {
				directive = defaultExploreDirective
			}
			return runSession(cmd.Context(), args[0], directive, schemas.ModeExplore)
		},
	}

	exploreCmd.Flags().StringP("serial", "s", "", "Target device serial. Defaults to the only connected device.")
	exploreCmd.Flags().StringP("directive", "i", "", "Optional focus for the exploration (e.g. \"focus on the checkout flow\").")
	exploreCmd.Flags().Bool("skip-install", false, "Skip APK installation if the package is already present.")
	return exploreCmd
}

func init() {
	rootCmd.AddCommand(newExploreCmd())
}
