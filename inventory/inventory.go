// Package inventory answers which target libraries are installed and at which
// version.
package inventory

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Inventory locates installed libraries.
type Inventory interface {
	// Version returns the installed version of the library. The second return
	// value is false when the library cannot be located.
	Version(library string) (string, bool)
}

// Normalize returns the canonical form of a library name. Names are compared
// case-insensitively and `_` and `.` are treated as `-`, except for module
// paths (names containing `/`), which only get lower-cased.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.Contains(name, "/") {
		return name
	}

	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

// Static is an Inventory backed by a fixed map.
type Static struct {
	versions map[string]string
}

// NewStatic creates a Static inventory from library-to-version pairs.
func NewStatic(versions map[string]string) *Static {
	s := &Static{versions: make(map[string]string, len(versions))}

	for lib, v := range versions {
		s.versions[Normalize(lib)] = strings.TrimSpace(v)
	}

	return s
}

// Version returns the version registered for the library.
func (s *Static) Version(library string) (string, bool) {
	v, ok := s.versions[Normalize(library)]
	return v, ok
}

// Libraries lists the known libraries in sorted order.
func (s *Static) Libraries() []string {
	libs := make([]string, 0, len(s.versions))
	for lib := range s.versions {
		libs = append(libs, lib)
	}

	sort.Strings(libs)

	return libs
}

// FromBuildInfo lists the modules linked into the running binary. The main
// module is included when it carries a version.
func FromBuildInfo() *Static {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return NewStatic(nil)
	}

	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) *Static {
	versions := make(map[string]string, len(info.Deps)+1)

	if info.Main.Path != "" && info.Main.Version != "" &&
		info.Main.Version != "(devel)" {
		versions[info.Main.Path] = info.Main.Version
	}

	for _, dep := range info.Deps {
		m := dep
		if dep.Replace != nil {
			m = dep.Replace
		}

		if m.Version == "" {
			continue
		}

		versions[dep.Path] = m.Version
	}

	return NewStatic(versions)
}

// FromDotenvFile reads `library=version` lines. The file uses dotenv syntax,
// so comments and quoting work as usual. The process environment is not
// touched.
func FromDotenvFile(path string) (*Static, error) {
	entries, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("inventory: reading %s: %w", path, err)
	}

	return NewStatic(entries), nil
}

type chain []Inventory

// Chain combines inventories. The first inventory that knows a library
// answers for it.
func Chain(inventories ...Inventory) Inventory {
	c := make(chain, 0, len(inventories))
	for _, inv := range inventories {
		if inv != nil {
			c = append(c, inv)
		}
	}

	return c
}

func (c chain) Version(library string) (string, bool) {
	for _, inv := range c {
		if v, ok := inv.Version(library); ok {
			return v, true
		}
	}

	return "", false
}
