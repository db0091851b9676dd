package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/autoinstr/config"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/version"
)

// Errors reported by the orchestrator.
var (
	// ErrDistroFailure aborts the pipeline.
	ErrDistroFailure = errors.New("distro failure")

	// ErrConfiguratorFailure aborts the pipeline.
	ErrConfiguratorFailure = errors.New("configurator failure")

	// ErrProbeActivation is recorded for a probe that failed to load or to
	// instrument. It never aborts the pipeline.
	ErrProbeActivation = errors.New("probe activation failure")

	// ErrLibraryMissing may be returned by a probe factory or by Instrument
	// when a library the probe needs is absent. The probe is then recorded
	// as SkippedMissing rather than Failed.
	ErrLibraryMissing = errors.New("library missing")

	// ErrVersionMismatch may be returned by a probe factory or by Instrument
	// when a library the probe needs has an unsupported version.
	ErrVersionMismatch = errors.New("version mismatch")

	ErrUnknownRef   = errors.New("unknown plugin reference")
	ErrUnknownProbe = errors.New("unknown probe")
	ErrNotReady     = errors.New("global setup has not completed")
)

// NoopDistro is the distro name reported when no registered distro is
// selected. It sets no defaults.
const NoopDistro = "noop"

// Env is what the orchestrator hands to configurators and probes.
type Env struct {
	// Settings are frozen once the distro has run.
	Settings *config.Settings

	Logger logr.Logger

	// Domain is where probes raise run events. Configurators attach the
	// hooks that consume them.
	Domain *hooking.HookableBase

	IDs idgen.Generator
}

// Defaulter is the view of the settings that a distro gets. It can only add
// defaults.
type Defaulter interface {
	SetDefault(key, value string) bool
	Lookup(key string) (string, bool)
}

// A Distro sets vendor defaults before anything else is configured.
type Distro interface {
	Configure(d Defaulter) error
}

// A Configurator performs the global setup that probes rely on.
type Configurator interface {
	Configure(ctx context.Context, env Env) error
}

// A Probe intercepts calls into a target library.
type Probe interface {
	Instrument(ctx context.Context, env Env) error
	Uninstrument(ctx context.Context) error
}

// A Requirer is a probe that declares the target-library versions it needs.
// The requirements join the conflict check.
type Requirer interface {
	Requirements() []version.Constraint
}

// Factories create plugins. A factory is the load step of a plugin.
type (
	DistroFactory       func() (Distro, error)
	ConfiguratorFactory func() (Configurator, error)
	ProbeFactory        func() (Probe, error)
)

// HookFunc runs before or after probe activation.
type HookFunc func(ctx context.Context, o *Orchestrator) error

// DistroFunc turns a function into a Distro.
type DistroFunc func(d Defaulter) error

// Configure calls f.
func (f DistroFunc) Configure(d Defaulter) error {
	return f(d)
}

// ConfiguratorFunc turns a function into a Configurator.
type ConfiguratorFunc func(ctx context.Context, env Env) error

// Configure calls f.
func (f ConfiguratorFunc) Configure(ctx context.Context, env Env) error {
	return f(ctx, env)
}

// A Catalog resolves the load references of the registry to factories.
type Catalog struct {
	distros       map[string]DistroFactory
	configurators map[string]ConfiguratorFactory
	probes        map[string]ProbeFactory
	hooks         map[string]HookFunc
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		distros:       make(map[string]DistroFactory),
		configurators: make(map[string]ConfiguratorFactory),
		probes:        make(map[string]ProbeFactory),
		hooks:         make(map[string]HookFunc),
	}
}

func refMustBeNew[T any](m map[string]T, ref string) {
	if ref == "" {
		panic("reference must not be empty")
	}

	if _, exists := m[ref]; exists {
		panic(fmt.Sprintf("reference %q is already registered", ref))
	}
}

// AddDistro registers a distro factory.
func (c *Catalog) AddDistro(ref string, f DistroFactory) *Catalog {
	refMustBeNew(c.distros, ref)
	c.distros[ref] = f

	return c
}

// AddConfigurator registers a configurator factory.
func (c *Catalog) AddConfigurator(ref string, f ConfiguratorFactory) *Catalog {
	refMustBeNew(c.configurators, ref)
	c.configurators[ref] = f

	return c
}

// AddProbe registers a probe factory.
func (c *Catalog) AddProbe(ref string, f ProbeFactory) *Catalog {
	refMustBeNew(c.probes, ref)
	c.probes[ref] = f

	return c
}

// AddHook registers a pre-hook or post-hook.
func (c *Catalog) AddHook(ref string, f HookFunc) *Catalog {
	refMustBeNew(c.hooks, ref)
	c.hooks[ref] = f

	return c
}

func lookup[T any](m map[string]T, ref string) (T, error) {
	f, ok := m[ref]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}

	return f, nil
}

// Distro resolves a distro reference.
func (c *Catalog) Distro(ref string) (DistroFactory, error) {
	return lookup(c.distros, ref)
}

// Configurator resolves a configurator reference.
func (c *Catalog) Configurator(ref string) (ConfiguratorFactory, error) {
	return lookup(c.configurators, ref)
}

// Probe resolves a probe reference.
func (c *Catalog) Probe(ref string) (ProbeFactory, error) {
	return lookup(c.probes, ref)
}

// Hook resolves a hook reference.
func (c *Catalog) Hook(ref string) (HookFunc, error) {
	return lookup(c.hooks, ref)
}
