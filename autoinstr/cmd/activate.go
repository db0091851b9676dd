package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/autoinstr/agent"
	"github.com/sarchlab/autoinstr/config"
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Run the activation pipeline and print the records.",
	Long: "Runs the distro, configurator, and probe stages against the " +
		"built-in plugins and prints one record per plugin. Configuration " +
		"is read from the environment, the env file, and the flags, in " +
		"increasing precedence.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := activateConfig(cmd)
		if err != nil {
			return err
		}

		a, err := agent.MakeBuilder().
			WithConfig(cfg).
			WithLogWriter(cmd.ErrOrStderr()).
			Build()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		startErr := a.Start(ctx)

		fmt.Fprintln(cmd.OutOrStdout(), renderReport(a.Report()))

		if startErr == nil && a.MonitorAddress() != "" {
			fmt.Fprintf(cmd.OutOrStdout(),
				"Monitoring at %s, press Ctrl+C to stop.\n", a.MonitorAddress())

			waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			<-waitCtx.Done()
			stop()
		}

		if err := a.Shutdown(context.Background()); err != nil {
			a.Logger().Error(err, "shutdown failed")
		}

		return startErr
	},
}

func init() {
	activateCmd.Flags().String("env-file", "", "dotenv file with AUTOINSTR_* variables")
	activateCmd.Flags().String("disabled", "", "comma-separated probes to skip, or * for all")
	activateCmd.Flags().Bool("strict", false, "fail on any plugin failure")
	activateCmd.Flags().Int("monitor", 0, "serve the monitor on this port and wait")
	activateCmd.Flags().String("journal", "", "write the records into this SQLite file")
	activateCmd.Flags().String("log-level", "", "debug, info, warn, or error")
	rootCmd.AddCommand(activateCmd)
}

func activateConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(envFile, os.LookupEnv)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()

	if flags.Changed("manifest") {
		cfg.ManifestPath, _ = flags.GetString("manifest")
	}

	if flags.Changed("inventory") {
		cfg.InventoryPath, _ = flags.GetString("inventory")
	}

	if flags.Changed("disabled") {
		disabled, _ := flags.GetString("disabled")
		cfg.Disabled = config.ParseDisabled(disabled)
	}

	if flags.Changed("strict") {
		cfg.Strict, _ = flags.GetBool("strict")
	}

	if flags.Changed("monitor") {
		cfg.MonitorPort, _ = flags.GetInt("monitor")
	}

	if flags.Changed("journal") {
		cfg.JournalPath, _ = flags.GetString("journal")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return cfg, nil
}
