// Package cmd provides the command-line interface of autoinstr.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/autoinstr/agent"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/registry"
)

// Version is the version of the tool. It is set at link time.
var Version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autoinstr",
	Short: "autoinstr activates instrumentation probes for the libraries a program uses.",
	Long: `autoinstr activates instrumentation probes for the libraries a ` +
		`program uses. It can list the probes that apply, check their ` +
		`requirements for conflicts, and run the activation pipeline.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. On failure, it runs the exit handlers and exits with 1.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("manifest", "",
		"plugin manifest (YAML); the built-in manifest is used when empty")
	rootCmd.PersistentFlags().String("inventory", "",
		"installed libraries as library=version lines")
}

func loadRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	path, _ := cmd.Flags().GetString("manifest")

	manifest := agent.MustParseBuiltinManifest()
	if path != "" {
		m, err := registry.LoadManifest(path)
		if err != nil {
			return nil, err
		}

		manifest = m
	}

	return registry.New(manifest)
}

func loadInventory(cmd *cobra.Command) (inventory.Inventory, error) {
	path, _ := cmd.Flags().GetString("inventory")
	if path == "" {
		return agent.BuiltinInventory(), nil
	}

	fromFile, err := inventory.FromDotenvFile(path)
	if err != nil {
		return nil, err
	}

	return fromFile, nil
}
