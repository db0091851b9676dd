package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/autoinstr/activation"
)

var requirementsCmd = &cobra.Command{
	Use:   "requirements",
	Short: "List the probes that apply to the installed libraries.",
	Long: "Lists the unconditional probes first, and then the conditional " +
		"probes whose library is installed in a matching version.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadRegistry(cmd)
		if err != nil {
			return err
		}

		inv, err := loadInventory(cmd)
		if err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")

		for _, d := range activation.Eligible(reg, inv) {
			if verbose {
				fmt.Fprintln(cmd.OutOrStdout(), d.String())
				continue
			}

			fmt.Fprintln(cmd.OutOrStdout(), d.Name)
		}

		return nil
	},
}

func init() {
	requirementsCmd.Flags().BoolP("verbose", "v", false,
		"print the group and requirement of each probe")
	rootCmd.AddCommand(requirementsCmd)
}
