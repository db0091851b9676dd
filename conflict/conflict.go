// Package conflict confirms that a set of already-activated probes does not
// require mutually exclusive versions of the same target library.
//
// The check runs after optimistic activation. It reports problems; it never
// undoes anything by itself.
package conflict

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/version"
)

// ErrConflict is wrapped by Report.Err when the report is not clean.
var ErrConflict = errors.New("dependency conflict")

// Requirement binds a constraint to the probe that declared it.
type Requirement struct {
	Probe      string
	Constraint version.Constraint
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s requires %s", r.Probe, r.Constraint)
}

// Conflict is a pair of requirements that no single version can satisfy.
type Conflict struct {
	Library string
	A       Requirement
	B       Requirement
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s (%s) and %s (%s) are incompatible",
		c.Library,
		c.A, c.A.Constraint.Interval(),
		c.B, c.B.Constraint.Interval())
}

// Breakage is a requirement that the inventory no longer satisfies.
type Breakage struct {
	Requirement Requirement
	Outcome     version.Outcome
	Installed   string
}

func (b Breakage) String() string {
	if b.Outcome == version.UnknownLibrary {
		return fmt.Sprintf("%s, which is not installed", b.Requirement)
	}

	return fmt.Sprintf("%s, but %s %s is installed",
		b.Requirement, b.Requirement.Constraint.Library, b.Installed)
}

// Report is the result of a Check.
type Report struct {
	Conflicts []Conflict
	Breakages []Breakage
}

// OK tells if neither pass found a problem.
func (r Report) OK() bool {
	return len(r.Conflicts) == 0 && len(r.Breakages) == 0
}

// Libraries lists the libraries involved in any problem, in report order.
func (r Report) Libraries() []string {
	seen := make(map[string]bool)
	libs := []string{}

	add := func(lib string) {
		if !seen[lib] {
			seen[lib] = true
			libs = append(libs, lib)
		}
	}

	for _, c := range r.Conflicts {
		add(c.Library)
	}

	for _, b := range r.Breakages {
		add(inventory.Normalize(b.Requirement.Constraint.Library))
	}

	return libs
}

func (r Report) String() string {
	if r.OK() {
		return "No broken requirements found."
	}

	lines := make([]string, 0, len(r.Conflicts)+len(r.Breakages))
	for _, c := range r.Conflicts {
		lines = append(lines, c.String())
	}

	for _, b := range r.Breakages {
		lines = append(lines, b.String())
	}

	return strings.Join(lines, "\n")
}

// Err returns nil for a clean report and an ErrConflict otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrConflict, r.String())
}

// Check runs the pairwise pass and the consistency pass over the
// requirements of the active probes.
func Check(active []Requirement, inv inventory.Inventory) Report {
	return Report{
		Conflicts: pairwise(active),
		Breakages: consistency(active, inv),
	}
}

func pairwise(active []Requirement) []Conflict {
	order := []string{}
	byLibrary := make(map[string][]Requirement)

	for _, r := range active {
		lib := inventory.Normalize(r.Constraint.Library)
		if _, ok := byLibrary[lib]; !ok {
			order = append(order, lib)
		}

		byLibrary[lib] = append(byLibrary[lib], r)
	}

	conflicts := []Conflict{}

	for _, lib := range order {
		reqs := byLibrary[lib]
		for i := 0; i < len(reqs); i++ {
			for j := i + 1; j < len(reqs); j++ {
				a := reqs[i].Constraint.Interval()
				b := reqs[j].Constraint.Interval()

				if a.Intersect(b).Empty() {
					conflicts = append(conflicts, Conflict{
						Library: lib,
						A:       reqs[i],
						B:       reqs[j],
					})
				}
			}
		}
	}

	return conflicts
}

func consistency(active []Requirement, inv inventory.Inventory) []Breakage {
	breakages := []Breakage{}

	if inv == nil {
		return breakages
	}

	for _, r := range active {
		res, err := version.Evaluate(r.Constraint, inv)
		if err == nil && res.Outcome == version.Satisfied {
			continue
		}

		outcome := res.Outcome
		if err != nil {
			outcome = version.VersionMismatch
		}

		breakages = append(breakages, Breakage{
			Requirement: r,
			Outcome:     outcome,
			Installed:   res.Installed,
		})
	}

	return breakages
}
