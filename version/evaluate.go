package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/sarchlab/autoinstr/inventory"
)

// Outcome is the result of testing a constraint against an inventory.
type Outcome int

// Possible outcomes. UnknownLibrary is an expected result, not an error.
const (
	Satisfied Outcome = iota
	VersionMismatch
	UnknownLibrary
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "Satisfied"
	case VersionMismatch:
		return "VersionMismatch"
	case UnknownLibrary:
		return "UnknownLibrary"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result carries the outcome of an evaluation and the installed version, if
// any.
type Result struct {
	Outcome   Outcome
	Installed string
}

// Matches tells if the installed version satisfies every clause of c.
func Matches(installed string, c Constraint) (bool, error) {
	v, err := ParseVersion(installed)
	if err != nil {
		return false, err
	}

	return c.Holds(v), nil
}

// Holds tells if v satisfies every clause.
func (c Constraint) Holds(v *semver.Version) bool {
	for _, clause := range c.Clauses {
		if !clause.Holds(v) {
			return false
		}
	}

	return true
}

// Evaluate looks the library up in the inventory and tests its version.
func Evaluate(c Constraint, inv inventory.Inventory) (Result, error) {
	installed, ok := inv.Version(c.Library)
	if !ok {
		return Result{Outcome: UnknownLibrary}, nil
	}

	matched, err := Matches(installed, c)
	if err != nil {
		return Result{Outcome: VersionMismatch, Installed: installed},
			fmt.Errorf("library %s: %w", c.Library, err)
	}

	if !matched {
		return Result{Outcome: VersionMismatch, Installed: installed}, nil
	}

	return Result{Outcome: Satisfied, Installed: installed}, nil
}
