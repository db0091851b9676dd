package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/agent"
	"github.com/sarchlab/autoinstr/conflict"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/tracetree"
)

var errBrokenRequirements = errors.New("broken requirements")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the requirements of the applicable probes for conflicts.",
	Long: "Collects the manifest requirements and the declared requirements " +
		"of every applicable probe, and reports pairs that no single " +
		"version satisfies as well as requirements the installed libraries " +
		"break. Exits with status 1 when anything is found.",
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

		catalog := agent.BuiltinCatalog(tracetree.NewForest())
		reqs := collectRequirements(activation.Eligible(reg, inv), catalog)
		report := conflict.Check(reqs, inv)

		fmt.Fprintln(cmd.OutOrStdout(), report.String())

		if !report.OK() {
			return fmt.Errorf("%w in %d libraries",
				errBrokenRequirements, len(report.Libraries()))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func collectRequirements(
	probes []registry.Descriptor,
	catalog *activation.Catalog,
) []conflict.Requirement {
	reqs := []conflict.Requirement{}

	for _, d := range probes {
		for _, c := range d.Requirements {
			reqs = append(reqs, conflict.Requirement{Probe: d.Name, Constraint: c})
		}

		factory, err := catalog.Probe(d.Ref)
		if err != nil {
			continue
		}

		p, err := factory()
		if err != nil {
			continue
		}

		requirer, ok := p.(activation.Requirer)
		if !ok {
			continue
		}

		for _, c := range requirer.Requirements() {
			reqs = append(reqs, conflict.Requirement{Probe: d.Name, Constraint: c})
		}
	}

	return reqs
}
