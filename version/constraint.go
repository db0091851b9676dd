// Package version parses library requirement strings such as
// "celery>=4.0,<6.0" and tests installed versions against them.
//
// A requirement is a library name followed by zero or more comma-separated
// comparator/version pairs. All pairs must hold. There is no OR.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrMalformedConstraint is returned when a requirement string cannot be
// parsed.
var ErrMalformedConstraint = errors.New("malformed constraint")

// ErrInvalidVersion is returned when an installed version cannot be parsed.
var ErrInvalidVersion = errors.New("invalid version")

// Comparator is a version comparison operator.
type Comparator int

// Supported comparators.
const (
	Equal Comparator = iota
	NotEqual
	GreaterOrEqual
	LessOrEqual
	Greater
	Less
	CompatibleRelease
)

// Longest tokens first so that ">=" is not read as ">".
var comparatorTokens = []struct {
	token string
	op    Comparator
}{
	{"~=", CompatibleRelease},
	{"==", Equal},
	{"!=", NotEqual},
	{">=", GreaterOrEqual},
	{"<=", LessOrEqual},
	{">", Greater},
	{"<", Less},
}

func (c Comparator) String() string {
	for _, t := range comparatorTokens {
		if t.op == c {
			return t.token
		}
	}

	return fmt.Sprintf("Comparator(%d)", int(c))
}

// Clause is a single comparator/version pair.
type Clause struct {
	Op      Comparator
	Version *semver.Version

	raw      string
	segments int
}

func (c Clause) String() string {
	return c.Op.String() + c.raw
}

// Holds tells if the installed version satisfies the clause.
func (c Clause) Holds(installed *semver.Version) bool {
	cmp := compare(installed, c.Version)

	switch c.Op {
	case Equal:
		return cmp == 0
	case NotEqual:
		return cmp != 0
	case GreaterOrEqual:
		return cmp >= 0
	case LessOrEqual:
		return cmp <= 0
	case Greater:
		return cmp > 0
	case Less:
		return cmp < 0
	case CompatibleRelease:
		return cmp >= 0 && c.samePrefix(installed)
	default:
		panic(fmt.Sprintf("unknown comparator %d", int(c.Op)))
	}
}

// samePrefix checks that all but the last stated segment are equal.
func (c Clause) samePrefix(installed *semver.Version) bool {
	stated := []uint64{c.Version.Major(), c.Version.Minor(), c.Version.Patch()}
	actual := []uint64{installed.Major(), installed.Minor(), installed.Patch()}

	for i := 0; i < c.segments-1; i++ {
		if stated[i] != actual[i] {
			return false
		}
	}

	return true
}

// Constraint is a library name plus the clauses that must all hold.
type Constraint struct {
	Library string
	Clauses []Clause
}

func (c Constraint) String() string {
	clauses := make([]string, len(c.Clauses))
	for i, cl := range c.Clauses {
		clauses[i] = cl.String()
	}

	return c.Library + strings.Join(clauses, ",")
}

var (
	libraryPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]*$`)
	versionPattern = regexp.MustCompile(
		`^v?(\d+(?:\.\d+)*)(?:-([0-9A-Za-z.\-]+)|(a|b|rc)(\d+))?(?:\+[0-9A-Za-z.\-]+)?$`)
)

// Parse reads a requirement string.
func Parse(requirement string) (Constraint, error) {
	requirement = strings.TrimSpace(requirement)

	opStart := strings.IndexAny(requirement, "=<>~!")
	name := requirement
	rest := ""
	if opStart >= 0 {
		name = requirement[:opStart]
		rest = requirement[opStart:]
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Constraint{}, fmt.Errorf("%w: %q has no library name",
			ErrMalformedConstraint, requirement)
	}

	if !libraryPattern.MatchString(name) {
		return Constraint{}, fmt.Errorf("%w: invalid library name %q",
			ErrMalformedConstraint, name)
	}

	c := Constraint{Library: name}
	if opStart < 0 {
		return c, nil
	}

	for _, part := range strings.Split(rest, ",") {
		clause, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return Constraint{}, fmt.Errorf("%w: %q: %s",
				ErrMalformedConstraint, requirement, err.Error())
		}

		c.Clauses = append(c.Clauses, clause)
	}

	return c, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(requirement string) Constraint {
	c, err := Parse(requirement)
	if err != nil {
		panic(err)
	}

	return c
}

func parseClause(part string) (Clause, error) {
	if part == "" {
		return Clause{}, errors.New("empty clause")
	}

	for _, t := range comparatorTokens {
		if !strings.HasPrefix(part, t.token) {
			continue
		}

		raw := strings.TrimSpace(part[len(t.token):])

		v, segments, err := parseVersion(raw)
		if err != nil {
			return Clause{}, err
		}

		if segments > 3 {
			return Clause{}, fmt.Errorf("%s has more than three segments", raw)
		}

		if t.op == CompatibleRelease && segments < 2 {
			return Clause{}, fmt.Errorf("%s needs at least two segments", part)
		}

		return Clause{Op: t.op, Version: v, raw: raw, segments: segments}, nil
	}

	return Clause{}, fmt.Errorf("unknown comparator in %q", part)
}

// ParseVersion reads a dotted-numeric version with an optional pre-release
// suffix. Both "1.0.0-rc.1" and the short "1.0rc1" forms are accepted.
// Build metadata such as "+incompatible" is dropped. Segments after the
// third are kept as the metadata of the returned version, and the
// comparisons of this package take them into account.
func ParseVersion(s string) (*semver.Version, error) {
	v, _, err := parseVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, err.Error())
	}

	return v, nil
}

func parseVersion(s string) (*semver.Version, int, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, 0, fmt.Errorf("cannot parse version %q", s)
	}

	parts := strings.Split(m[1], ".")
	segments := len(parts)

	normalized := m[1]
	tail := ""
	if segments > 3 {
		normalized = strings.Join(parts[:3], ".")

		extra := make([]string, 0, segments-3)
		for _, p := range parts[3:] {
			n, err := strconv.ParseUint(p, 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("cannot parse version %q", s)
			}

			extra = append(extra, strconv.FormatUint(n, 10))
		}
		tail = strings.Join(extra, ".")
	}

	switch {
	case m[2] != "":
		normalized += "-" + m[2]
	case m[3] != "":
		normalized += "-" + m[3] + "." + m[4]
	}

	if tail != "" {
		normalized += "+" + tail
	}

	v, err := semver.NewVersion(normalized)
	if err != nil {
		return nil, 0, err
	}

	return v, segments, nil
}

// compare orders versions like semver.Version.Compare, except that the
// segments after the third rank above the pre-release.
func compare(a, b *semver.Version) int {
	if a.Major() != b.Major() || a.Minor() != b.Minor() || a.Patch() != b.Patch() {
		return a.Compare(b)
	}

	if c := compareTail(tailOf(a), tailOf(b)); c != 0 {
		return c
	}

	return a.Compare(b)
}

func tailOf(v *semver.Version) []uint64 {
	if v.Metadata() == "" {
		return nil
	}

	fields := strings.Split(v.Metadata(), ".")
	tail := make([]uint64, len(fields))
	for i, f := range fields {
		tail[i], _ = strconv.ParseUint(f, 10, 64)
	}

	return tail
}

func compareTail(a, b []uint64) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y uint64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}

		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}

	return 0
}
