// Package activation runs the one-shot startup pipeline that configures the
// agent and activates the probes.
//
// The pipeline moves through Init, DistroConfigured, SDKConfigured,
// ProbesLoaded, and Done. Only a distro or configurator failure aborts it.
// Every probe is activated in isolation: its failure is recorded, and the next
// probe is activated as if nothing happened.
//
// The disabled set of the configuration applies to every probe. Unconditional
// probes are activated without a library check, but a disabled one is still
// skipped.
package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sarchlab/autoinstr/config"
	"github.com/sarchlab/autoinstr/conflict"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/logging"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/version"
)

type entry struct {
	descriptor registry.Descriptor
	record     Record

	// busy is set while the outcome of the entry is being decided.
	busy bool

	probe        Probe
	requirements []version.Constraint
}

type outcome struct {
	state        State
	detail       string
	err          error
	probe        Probe
	requirements []version.Constraint
}

// An Orchestrator activates the plugins of a registry.
type Orchestrator struct {
	registry  *registry.Registry
	catalog   *Catalog
	inventory inventory.Inventory
	config    config.Config
	logger    logr.Logger
	domain    *hooking.HookableBase
	ids       idgen.Generator

	runOnce sync.Once
	runErr  error

	mu               sync.Mutex
	phase            Phase
	settings         *config.Settings
	records          map[string]*entry
	active           []string
	seq              int
	distroName       string
	configuratorName string
	conflicts        conflict.Report
}

// Run executes the pipeline. It runs only once; later calls return the report
// of the first run.
//
// The returned error wraps ErrDistroFailure or ErrConfiguratorFailure when
// global setup failed. In strict mode, it also wraps ErrProbeActivation when
// any plugin failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.runOnce.Do(func() {
		o.runErr = o.run(ctx)
	})

	return o.Report(), o.runErr
}

func (o *Orchestrator) run(ctx context.Context) error {
	o.logger.V(logging.Debug).Info("activation started")

	if err := o.configureDistro(); err != nil {
		return err
	}

	if err := o.configureSDK(ctx); err != nil {
		return err
	}

	o.runHooks(ctx, registry.GroupPreHook)

	for _, d := range o.registry.Unconditional() {
		o.activate(ctx, d.Name)
	}

	for _, d := range o.registry.Conditional() {
		o.activate(ctx, d.Name)
	}

	o.confirm(ctx)
	o.setPhase(PhaseProbesLoaded)

	o.runHooks(ctx, registry.GroupPostHook)
	o.setPhase(PhaseDone)

	o.logger.V(logging.Debug).Info("activation done")

	return o.strictErr()
}

func (o *Orchestrator) configureDistro() error {
	builder := config.NewSettingsBuilder(o.config.Settings)

	chosen, found := o.selectDistro()
	if found {
		err := o.safeCall(chosen.Name, func() error {
			factory, err := o.catalog.Distro(chosen.Ref)
			if err != nil {
				return err
			}

			distro, err := factory()
			if err != nil {
				return err
			}

			return distro.Configure(builder)
		})
		if err != nil {
			wrapped := fmt.Errorf("%w: %s: %w", ErrDistroFailure, chosen.Name, err)
			o.logger.Error(wrapped, "distribution failed to configure")
			o.finish(chosen.Name, Failed, err.Error(), wrapped)

			return wrapped
		}

		o.finish(chosen.Name, Active, "", nil)
	} else {
		chosen.Name = NoopDistro
	}

	o.skipRest(registry.GroupDistro, "not selected")

	o.mu.Lock()
	o.settings = builder.Freeze()
	o.distroName = chosen.Name
	o.phase = PhaseDistroConfigured
	o.mu.Unlock()

	o.logger.V(logging.Debug).Info("distribution configured",
		"distro", chosen.Name)

	return nil
}

func (o *Orchestrator) selectDistro() (registry.Descriptor, bool) {
	distros := o.registry.List(registry.GroupDistro)
	filter := o.config.DistroName

	if filter == "" {
		if len(distros) == 0 {
			return registry.Descriptor{}, false
		}

		return distros[0], true
	}

	for _, d := range distros {
		if d.Name == filter {
			return d, true
		}
	}

	logging.Warn(o.logger, "distribution not found, using the default one",
		"distro", filter)

	return registry.Descriptor{}, false
}

func (o *Orchestrator) configureSDK(ctx context.Context) error {
	env := o.Env()
	filter := o.config.ConfiguratorName
	configured := ""

	for _, d := range o.registry.List(registry.GroupConfigurator) {
		switch {
		case configured != "":
			logging.Warn(o.logger,
				"configurator skipped, another configurator is already active",
				"configurator", d.Name, "active", configured)
			o.finish(d.Name, SkippedDisabled,
				"configurator "+configured+" is already active", nil)

			continue
		case filter != "" && d.Name != filter:
			logging.Warn(o.logger, "configurator not selected",
				"configurator", d.Name, "selected", filter)
			o.finish(d.Name, SkippedDisabled, "not selected", nil)

			continue
		}

		err := o.safeCall(d.Name, func() error {
			factory, err := o.catalog.Configurator(d.Ref)
			if err != nil {
				return err
			}

			c, err := factory()
			if err != nil {
				return err
			}

			return c.Configure(ctx, env)
		})
		if err != nil {
			wrapped := fmt.Errorf("%w: %s: %w", ErrConfiguratorFailure, d.Name, err)
			o.logger.Error(wrapped, "configurator failed")
			o.finish(d.Name, Failed, err.Error(), wrapped)

			return wrapped
		}

		o.finish(d.Name, Active, "", nil)
		configured = d.Name
	}

	if filter != "" && configured == "" {
		logging.Warn(o.logger, "configurator not found",
			"configurator", filter)
	}

	o.mu.Lock()
	o.configuratorName = configured
	o.phase = PhaseSDKConfigured
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) runHooks(ctx context.Context, group registry.Group) {
	for _, d := range o.registry.List(group) {
		err := o.safeCall(d.Name, func() error {
			hook, err := o.catalog.Hook(d.Ref)
			if err != nil {
				return err
			}

			return hook(ctx, o)
		})
		if err != nil {
			o.logger.Error(err, "hook failed", "hook", d.Name, "group", group)
			o.finish(d.Name, Failed, err.Error(), err)

			continue
		}

		o.finish(d.Name, Active, "", nil)
	}
}

// ActivateProbe activates a single probe. A probe that already has an outcome
// is left as it is, and its record is returned. It fails with ErrNotReady
// before the configurator stage has completed.
func (o *Orchestrator) ActivateProbe(
	ctx context.Context,
	name string,
) (Record, error) {
	d, ok := o.registry.Lookup(name)
	if !ok || d.Group != registry.GroupProbe {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownProbe, name)
	}

	if o.Phase() < PhaseSDKConfigured {
		return Record{}, ErrNotReady
	}

	return o.activate(ctx, name), nil
}

func (o *Orchestrator) activate(ctx context.Context, name string) Record {
	o.mu.Lock()

	e := o.records[name]
	if e.record.State != Pending || e.busy {
		rec := e.record
		o.mu.Unlock()

		return rec
	}

	e.busy = true
	env := o.envLocked()
	o.mu.Unlock()

	out := o.tryActivate(ctx, e.descriptor, env)

	o.mu.Lock()
	defer o.mu.Unlock()

	e.busy = false
	e.probe = out.probe
	e.requirements = out.requirements

	if out.state == Active {
		o.active = append(o.active, name)
	}

	o.finishLocked(e, out.state, out.detail, out.err)

	return e.record
}

func (o *Orchestrator) tryActivate(
	ctx context.Context,
	d registry.Descriptor,
	env Env,
) outcome {
	if o.config.Disabled.Contains(d.Name) {
		o.logger.V(logging.Debug).Info("instrumentation explicitly disabled",
			"probe", d.Name)

		return outcome{state: SkippedDisabled, detail: "disabled"}
	}

	if d.RequirementErr != nil {
		err := fmt.Errorf("%w: %s: %w", ErrProbeActivation, d.Name, d.RequirementErr)
		o.logger.Error(err, "invalid requirement", "probe", d.Name)

		return outcome{state: Failed, detail: d.RequirementErr.Error(), err: err}
	}

	if out, ok := o.checkRequirements(d); !ok {
		return out
	}

	var probe Probe

	err := o.safeCall(d.Name, func() error {
		factory, err := o.catalog.Probe(d.Ref)
		if err != nil {
			return err
		}

		probe, err = factory()
		if err != nil {
			return err
		}

		return probe.Instrument(ctx, env)
	})
	if err != nil {
		return o.classify(d, err)
	}

	requirements := append([]version.Constraint{}, d.Requirements...)
	if r, ok := probe.(Requirer); ok {
		requirements = append(requirements, r.Requirements()...)
	}

	o.logger.V(logging.Debug).Info("instrumented", "probe", d.Name)

	return outcome{state: Active, probe: probe, requirements: requirements}
}

func (o *Orchestrator) checkRequirements(d registry.Descriptor) (outcome, bool) {
	for _, c := range d.Requirements {
		res, err := version.Evaluate(c, o.inventory)

		switch res.Outcome {
		case version.Satisfied:
			continue
		case version.UnknownLibrary:
			o.logger.V(logging.Debug).Info(
				"skipping instrumentation, library not installed",
				"probe", d.Name, "library", c.Library)

			return outcome{
				state:  SkippedMissing,
				detail: c.Library + " is not installed",
			}, false
		}

		detail := fmt.Sprintf("%s %s does not satisfy %s",
			c.Library, res.Installed, c)
		if err != nil {
			detail = err.Error()
		}

		o.logger.V(logging.Debug).Info(
			"skipping instrumentation, version mismatch",
			"probe", d.Name, "detail", detail)

		return outcome{state: SkippedVersionMismatch, detail: detail}, false
	}

	return outcome{}, true
}

func (o *Orchestrator) classify(d registry.Descriptor, err error) outcome {
	switch {
	case errors.Is(err, ErrLibraryMissing):
		o.logger.V(logging.Debug).Info("skipping instrumentation",
			"probe", d.Name, "reason", err.Error())

		return outcome{state: SkippedMissing, detail: err.Error()}
	case errors.Is(err, ErrVersionMismatch):
		o.logger.V(logging.Debug).Info("skipping instrumentation",
			"probe", d.Name, "reason", err.Error())

		return outcome{state: SkippedVersionMismatch, detail: err.Error()}
	}

	wrapped := fmt.Errorf("%w: %s: %w", ErrProbeActivation, d.Name, err)
	o.logger.Error(wrapped, "instrumenting failed", "probe", d.Name)

	return outcome{state: Failed, detail: err.Error(), err: wrapped}
}

func (o *Orchestrator) confirm(ctx context.Context) {
	o.mu.Lock()

	reqs := []conflict.Requirement{}
	for _, name := range o.active {
		for _, c := range o.records[name].requirements {
			reqs = append(reqs, conflict.Requirement{Probe: name, Constraint: c})
		}
	}

	o.mu.Unlock()

	report := conflict.Check(reqs, o.inventory)

	o.mu.Lock()
	o.conflicts = report
	o.mu.Unlock()

	if report.OK() {
		return
	}

	logging.Warn(o.logger, "dependency conflicts found",
		"libraries", report.Libraries(), "detail", report.String())

	if !o.config.RollbackOnConflict {
		return
	}

	for _, c := range report.Conflicts {
		o.rollback(ctx, c.B.Probe, c.String())
	}

	for _, b := range report.Breakages {
		o.rollback(ctx, b.Requirement.Probe, b.String())
	}
}

func (o *Orchestrator) rollback(ctx context.Context, name, detail string) {
	o.mu.Lock()
	e := o.records[name]

	if e.record.State != Active {
		o.mu.Unlock()
		return
	}

	probe := e.probe
	o.mu.Unlock()

	cause := fmt.Errorf("%w: %s", conflict.ErrConflict, detail)

	err := o.safeCall(name, func() error { return probe.Uninstrument(ctx) })
	if err != nil {
		o.logger.Error(err, "rollback failed", "probe", name)
		cause = errors.Join(cause, err)
	}

	logging.Warn(o.logger, "probe rolled back", "probe", name, "detail", detail)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.active = removeName(o.active, name)
	o.finishLocked(e, Failed, detail, cause)
}

// Shutdown uninstruments the active probes in reverse activation order. The
// probes are recorded as Deactivated and are never activated again.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	names := make([]string, len(o.active))
	for i, name := range o.active {
		names[len(names)-1-i] = name
	}
	o.mu.Unlock()

	var errs []error

	for _, name := range names {
		o.mu.Lock()
		e := o.records[name]
		probe := e.probe
		state := e.record.State
		o.mu.Unlock()

		if state != Active {
			continue
		}

		err := o.safeCall(name, func() error { return probe.Uninstrument(ctx) })

		o.mu.Lock()
		o.active = removeName(o.active, name)

		if err != nil {
			o.logger.Error(err, "uninstrumenting failed", "probe", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			o.finishLocked(e, Failed, "uninstrument: "+err.Error(), err)
		} else {
			o.finishLocked(e, Deactivated, "", nil)
		}
		o.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) strictErr() error {
	if !o.config.Strict {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	errs := []error{}

	for _, d := range o.registry.All() {
		rec := o.records[d.Name].record
		if rec.State == Failed {
			errs = append(errs, fmt.Errorf("%s: %s", rec.Name, rec.Detail))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %d plugin(s) failed: %w",
		ErrProbeActivation, len(errs), errors.Join(errs...))
}

// safeCall runs fn and turns a panic into an error.
func (o *Orchestrator) safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()

	return fn()
}

func (o *Orchestrator) finish(name string, s State, detail string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.finishLocked(o.records[name], s, detail, err)
}

func (o *Orchestrator) finishLocked(e *entry, s State, detail string, err error) {
	o.seq++

	e.record.State = s
	e.record.Detail = detail
	e.record.Err = err
	e.record.Seq = o.seq
}

func (o *Orchestrator) skipRest(group registry.Group, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, d := range o.registry.List(group) {
		e := o.records[d.Name]
		if e.record.State == Pending {
			o.finishLocked(e, SkippedDisabled, detail, nil)
		}
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p > o.phase {
		o.phase = p
	}
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i:i], names[i+1:]...)
		}
	}

	return names
}

// Phase returns the current phase of the pipeline.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.phase
}

// Env returns the environment handed to configurators and probes.
func (o *Orchestrator) Env() Env {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.envLocked()
}

func (o *Orchestrator) envLocked() Env {
	return Env{
		Settings: o.settings,
		Logger:   o.logger,
		Domain:   o.domain,
		IDs:      o.ids,
	}
}

// Settings returns the frozen settings. It is nil before the distro stage.
func (o *Orchestrator) Settings() *config.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.settings
}

// Logger returns the logger of the orchestrator.
func (o *Orchestrator) Logger() logr.Logger {
	return o.logger
}

// Registry returns the declared plugins.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Report returns a snapshot of the activation records.
func (o *Orchestrator) Report() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := &Report{
		Phase:        o.phase,
		Distro:       o.distroName,
		Configurator: o.configuratorName,
		Conflicts:    o.conflicts,
	}

	for _, d := range o.registry.All() {
		r.Records = append(r.Records, o.records[d.Name].record)
	}

	return r
}

// ActiveProbes returns the names of the active probes in activation order.
func (o *Orchestrator) ActiveProbes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, len(o.active))
	copy(names, o.active)

	return names
}
