package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sarchlab/autoinstr/kvcache"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "autoinstr %s (%s, kvcache %s)\n",
			Version, runtime.Version(), kvcache.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
