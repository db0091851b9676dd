package activation

import (
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/version"
)

// Eligible returns the probes that would be activated against the inventory,
// unconditional probes first. Probes with a malformed requirement are left
// out.
func Eligible(
	reg *registry.Registry,
	inv inventory.Inventory,
) []registry.Descriptor {
	eligible := reg.Unconditional()

	for _, d := range reg.Conditional() {
		if d.RequirementErr != nil {
			continue
		}

		if satisfied(d.Requirements, inv) {
			eligible = append(eligible, d)
		}
	}

	return eligible
}

func satisfied(reqs []version.Constraint, inv inventory.Inventory) bool {
	for _, c := range reqs {
		res, err := version.Evaluate(c, inv)
		if err != nil || res.Outcome != version.Satisfied {
			return false
		}
	}

	return true
}
