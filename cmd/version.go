package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s\n",
			ephemeralvc.Version,
			ephemeralvc.CommitSHA,
			ephemeralvc.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
