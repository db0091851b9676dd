// Package idgen provides run id generators.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator produces unique run ids.
type Generator interface {
	Generate() string
}

// NewSequential returns a generator whose first emitted id is "1". The ids are
// deterministic, which suits tests.
func NewSequential() Generator {
	return &sequentialGenerator{}
}

type sequentialGenerator struct {
	next uint64
}

func (g *sequentialGenerator) Generate() string {
	return strconv.FormatUint(atomic.AddUint64(&g.next, 1), 10)
}

// NewParallel returns a generator of globally unique ids. The ids are not
// deterministic.
func NewParallel() Generator {
	return parallelGenerator{}
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}
