package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Bound is one end of an Interval. A nil Version means unbounded.
type Bound struct {
	Version   *semver.Version
	Inclusive bool
}

// Interval is the set of versions a constraint accepts.
type Interval struct {
	Lower    Bound
	Upper    Bound
	Excluded []*semver.Version
}

// Interval converts the constraint into the version range it accepts.
func (c Constraint) Interval() Interval {
	i := Interval{}
	for _, clause := range c.Clauses {
		i = i.Intersect(clause.interval())
	}

	return i
}

func (c Clause) interval() Interval {
	v := c.Version

	switch c.Op {
	case Equal:
		return Interval{
			Lower: Bound{Version: v, Inclusive: true},
			Upper: Bound{Version: v, Inclusive: true},
		}
	case NotEqual:
		return Interval{Excluded: []*semver.Version{v}}
	case GreaterOrEqual:
		return Interval{Lower: Bound{Version: v, Inclusive: true}}
	case LessOrEqual:
		return Interval{Upper: Bound{Version: v, Inclusive: true}}
	case Greater:
		return Interval{Lower: Bound{Version: v}}
	case Less:
		return Interval{Upper: Bound{Version: v}}
	case CompatibleRelease:
		return Interval{
			Lower: Bound{Version: v, Inclusive: true},
			Upper: Bound{Version: c.compatibleCeiling()},
		}
	default:
		panic(fmt.Sprintf("unknown comparator %d", int(c.Op)))
	}
}

// compatibleCeiling is the smallest version that no longer shares the
// anchored prefix. The "-0" pre-release keeps pre-releases of the next
// series out of the range.
func (c Clause) compatibleCeiling() *semver.Version {
	if c.segments == 2 {
		return semver.New(c.Version.Major()+1, 0, 0, "0", "")
	}

	return semver.New(c.Version.Major(), c.Version.Minor()+1, 0, "0", "")
}

// Intersect returns the versions accepted by both intervals.
func (i Interval) Intersect(o Interval) Interval {
	excluded := make([]*semver.Version, 0, len(i.Excluded)+len(o.Excluded))
	excluded = append(excluded, i.Excluded...)
	excluded = append(excluded, o.Excluded...)

	return Interval{
		Lower:    tighterLower(i.Lower, o.Lower),
		Upper:    tighterUpper(i.Upper, o.Upper),
		Excluded: excluded,
	}
}

func tighterLower(a, b Bound) Bound {
	if a.Version == nil {
		return b
	}

	if b.Version == nil {
		return a
	}

	switch cmp := compare(a.Version, b.Version); {
	case cmp > 0:
		return a
	case cmp < 0:
		return b
	default:
		return Bound{Version: a.Version, Inclusive: a.Inclusive && b.Inclusive}
	}
}

func tighterUpper(a, b Bound) Bound {
	if a.Version == nil {
		return b
	}

	if b.Version == nil {
		return a
	}

	switch cmp := compare(a.Version, b.Version); {
	case cmp < 0:
		return a
	case cmp > 0:
		return b
	default:
		return Bound{Version: a.Version, Inclusive: a.Inclusive && b.Inclusive}
	}
}

// Empty tells if no version can be in the interval.
func (i Interval) Empty() bool {
	if i.Lower.Version == nil || i.Upper.Version == nil {
		return false
	}

	cmp := compare(i.Lower.Version, i.Upper.Version)
	if cmp > 0 {
		return true
	}

	if cmp < 0 {
		return false
	}

	if !i.Lower.Inclusive || !i.Upper.Inclusive {
		return true
	}

	for _, e := range i.Excluded {
		if compare(e, i.Lower.Version) == 0 {
			return true
		}
	}

	return false
}

// Contains tells if v is in the interval.
func (i Interval) Contains(v *semver.Version) bool {
	if i.Lower.Version != nil {
		cmp := compare(v, i.Lower.Version)
		if cmp < 0 || (cmp == 0 && !i.Lower.Inclusive) {
			return false
		}
	}

	if i.Upper.Version != nil {
		cmp := compare(v, i.Upper.Version)
		if cmp > 0 || (cmp == 0 && !i.Upper.Inclusive) {
			return false
		}
	}

	for _, e := range i.Excluded {
		if compare(e, v) == 0 {
			return false
		}
	}

	return true
}

func (i Interval) String() string {
	var b strings.Builder

	if i.Lower.Version == nil {
		b.WriteString("(-inf")
	} else {
		if i.Lower.Inclusive {
			b.WriteString("[")
		} else {
			b.WriteString("(")
		}
		b.WriteString(i.Lower.Version.String())
	}

	b.WriteString(", ")

	if i.Upper.Version == nil {
		b.WriteString("+inf)")
	} else {
		b.WriteString(i.Upper.Version.String())
		if i.Upper.Inclusive {
			b.WriteString("]")
		} else {
			b.WriteString(")")
		}
	}

	for _, e := range i.Excluded {
		b.WriteString(" \\ ")
		b.WriteString(e.String())
	}

	return b.String()
}
