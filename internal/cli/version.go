package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Fprintf(cmd.OutOrStdout(), "warden %s\ncommit: %s\nbuilt:  %s\n", bi.Version, bi.CommitHash, bi.BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
