package hooking

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Errors returned by Site.
var (
	ErrAlreadyInstalled = errors.New("wrapper already installed")
	ErrNotInstalled     = errors.New("wrapper not installed")
)

// A Site is a replaceable function of a target library. The library always
// calls through Func, so that probes can wrap the original.
//
// Wrappers compose in installation order: the last installed wrapper is the
// outermost one. Removing a wrapper rebuilds the chain from the original, so
// the original is restored when no wrapper is left.
type Site[F any] struct {
	name     string
	original F

	mu       sync.Mutex
	wrappers []wrapper[F]
	current  atomic.Pointer[F]
}

type wrapper[F any] struct {
	owner string
	wrap  func(F) F
}

// NewSite creates a site around the original function.
func NewSite[F any](name string, original F) *Site[F] {
	s := &Site[F]{
		name:     name,
		original: original,
	}
	s.current.Store(&original)

	return s
}

// Name returns the name of the site.
func (s *Site[F]) Name() string {
	return s.name
}

// Func returns the function to call. It is safe to call concurrently with
// Install and Uninstall.
func (s *Site[F]) Func() F {
	return *s.current.Load()
}

// Original returns the unwrapped function.
func (s *Site[F]) Original() F {
	return s.original
}

// Install wraps the site on behalf of an owner. Each owner may install at most
// one wrapper.
func (s *Site[F]) Install(owner string, wrap func(F) F) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(owner) >= 0 {
		return fmt.Errorf("%s: %s: %w", s.name, owner, ErrAlreadyInstalled)
	}

	s.wrappers = append(s.wrappers, wrapper[F]{owner: owner, wrap: wrap})
	s.rebuild()

	return nil
}

// Uninstall removes the wrapper of an owner.
func (s *Site[F]) Uninstall(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(owner)
	if i < 0 {
		return fmt.Errorf("%s: %s: %w", s.name, owner, ErrNotInstalled)
	}

	s.wrappers = append(s.wrappers[:i:i], s.wrappers[i+1:]...)
	s.rebuild()

	return nil
}

// Installed returns the owners of the installed wrappers, innermost first.
func (s *Site[F]) Installed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]string, len(s.wrappers))
	for i, w := range s.wrappers {
		owners[i] = w.owner
	}

	return owners
}

func (s *Site[F]) indexOf(owner string) int {
	for i, w := range s.wrappers {
		if w.owner == owner {
			return i
		}
	}

	return -1
}

func (s *Site[F]) rebuild() {
	f := s.original
	for _, w := range s.wrappers {
		f = w.wrap(f)
	}

	s.current.Store(&f)
}
