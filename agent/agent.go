// Package agent wires the activation pipeline, the trace forest, and the
// optional journal and monitor into a process-wide instrumentation agent.
//
// The agent never takes the host process down. Errors of the pipeline are
// logged and swallowed unless the configuration asks for strict mode.
//
// Start registers Shutdown as an exit handler of github.com/tebeka/atexit.
// Programs that embed the agent must leave through atexit.Exit or
// atexit.Fatal, or call Shutdown themselves, for the probes to be removed
// and the journal to be flushed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/config"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/journal"
	"github.com/sarchlab/autoinstr/logging"
	"github.com/sarchlab/autoinstr/monitoring"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/tracetree"
)

// Builder builds an Agent.
type Builder struct {
	config    config.Config
	manifest  *registry.Manifest
	inventory inventory.Inventory
	catalog   func(*tracetree.Forest) *activation.Catalog
	logger    *logr.Logger
	logWriter io.Writer
	ids       idgen.Generator
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		config:    config.Default(),
		catalog:   BuiltinCatalog,
		logWriter: os.Stderr,
	}
}

// WithConfig sets the configuration.
func (b Builder) WithConfig(c config.Config) Builder {
	b.config = c
	return b
}

// WithManifest sets the manifest used when the configuration names none.
func (b Builder) WithManifest(m registry.Manifest) Builder {
	b.manifest = &m
	return b
}

// WithInventory sets the inventory of installed libraries. An inventory file
// named by the configuration takes precedence over it.
func (b Builder) WithInventory(inv inventory.Inventory) Builder {
	b.inventory = inv
	return b
}

// WithCatalog sets the function that creates the plugin catalog for the
// trace forest of the agent.
func (b Builder) WithCatalog(f func(*tracetree.Forest) *activation.Catalog) Builder {
	b.catalog = f
	return b
}

// WithLogger sets the logger. By default, a text logger at the configured
// level writes to the log writer.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.logger = &l
	return b
}

// WithLogWriter sets where the default logger writes.
func (b Builder) WithLogWriter(w io.Writer) Builder {
	b.logWriter = w
	return b
}

// WithIDGenerator sets the generator of run ids.
func (b Builder) WithIDGenerator(g idgen.Generator) Builder {
	b.ids = g
	return b
}

// Build creates the agent. It fails when the manifest, the inventory file, or
// the log level of the configuration cannot be used.
func (b Builder) Build() (*Agent, error) {
	logger, err := b.buildLogger()
	if err != nil {
		return nil, err
	}

	manifest, err := b.buildManifest()
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(manifest)
	if err != nil {
		return nil, err
	}

	inv, err := b.buildInventory()
	if err != nil {
		return nil, err
	}

	forestOpts := []tracetree.Option{}
	if b.config.EvictOnRootClose {
		forestOpts = append(forestOpts, tracetree.WithEvictOnRootClose())
	}

	a := &Agent{
		config: b.config,
		logger: logger,
		forest: tracetree.NewForest(forestOpts...),
		domain: hooking.NewHookableBase(),
	}

	a.orchestrator = activation.MakeBuilder().
		WithRegistry(reg).
		WithCatalog(b.catalog(a.forest)).
		WithInventory(inv).
		WithConfig(b.config).
		WithLogger(logger).
		WithDomain(a.domain).
		WithIDGenerator(b.ids).
		Build()

	return a, nil
}

func (b Builder) buildLogger() (logr.Logger, error) {
	if b.logger != nil {
		return *b.logger, nil
	}

	logger, err := logging.NewFromName(b.logWriter, b.config.LogLevel)
	if err != nil {
		return logr.Discard(), fmt.Errorf("agent: %w", err)
	}

	return logger.WithName("autoinstr"), nil
}

func (b Builder) buildManifest() (registry.Manifest, error) {
	if b.config.ManifestPath != "" {
		return registry.LoadManifest(b.config.ManifestPath)
	}

	if b.manifest != nil {
		return *b.manifest, nil
	}

	return MustParseBuiltinManifest(), nil
}

func (b Builder) buildInventory() (inventory.Inventory, error) {
	base := b.inventory
	if base == nil {
		base = BuiltinInventory()
	}

	if b.config.InventoryPath == "" {
		return base, nil
	}

	fromFile, err := inventory.FromDotenvFile(b.config.InventoryPath)
	if err != nil {
		return nil, err
	}

	return inventory.Chain(fromFile, base), nil
}

// An Agent instruments the process it runs in.
type Agent struct {
	config       config.Config
	logger       logr.Logger
	orchestrator *activation.Orchestrator
	forest       *tracetree.Forest
	domain       *hooking.HookableBase

	startOnce    sync.Once
	startErr     error
	shutdownOnce sync.Once
	shutdownErr  error

	journal *journal.Journal
	monitor *monitoring.Monitor
}

// Start runs the activation pipeline. It runs once.
//
// A pipeline error is returned only in strict mode. Otherwise, it is logged
// and the process continues with whatever was activated.
func (a *Agent) Start(ctx context.Context) error {
	a.startOnce.Do(func() {
		a.startErr = a.start(ctx)
	})

	return a.startErr
}

func (a *Agent) start(ctx context.Context) error {
	a.startMonitor()

	report, runErr := a.orchestrator.Run(ctx)

	if err := a.writeJournal(report); err != nil {
		a.logger.Error(err, "cannot write activation journal",
			"path", a.config.JournalPath)
	}

	atexit.Register(func() {
		_ = a.Shutdown(context.Background())
	})

	if runErr == nil {
		return nil
	}

	if a.config.Strict {
		return runErr
	}

	a.logger.Error(runErr, "instrumentation is incomplete")

	return nil
}

func (a *Agent) startMonitor() {
	if a.config.MonitorPort == 0 && !a.config.OpenBrowser {
		return
	}

	monitor := monitoring.NewMonitor().
		WithPortNumber(a.config.MonitorPort).
		WithBrowser(a.config.OpenBrowser).
		WithLogger(a.logger.WithName("monitoring"))
	monitor.RegisterReportSource(a.orchestrator)
	monitor.RegisterForest(a.forest)

	if _, err := monitor.StartServer(); err != nil {
		a.logger.Error(err, "cannot start monitoring server")
		return
	}

	a.monitor = monitor
}

func (a *Agent) writeJournal(report *activation.Report) error {
	if a.config.JournalPath == "" {
		return nil
	}

	j, err := journal.Open(a.config.JournalPath)
	if err != nil {
		return err
	}

	a.journal = j

	return a.journalRecords(report)
}

func (a *Agent) journalRecords(report *activation.Report) error {
	if a.journal == nil {
		return nil
	}

	for _, rec := range report.Records {
		err := a.journal.Record(journal.Entry{
			Seq:    rec.Seq,
			Name:   rec.Name,
			Grp:    string(rec.Group),
			State:  rec.State.String(),
			Detail: rec.Detail,
		})
		if err != nil {
			return err
		}
	}

	return a.journal.Flush()
}

// Shutdown uninstruments the active probes in reverse order, and then stops
// the monitor and closes the journal. It runs once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})

	return a.shutdownErr
}

func (a *Agent) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.journal != nil {
		deactivated := &activation.Report{}
		for _, rec := range a.orchestrator.Report().Records {
			if rec.State == activation.Deactivated {
				deactivated.Records = append(deactivated.Records, rec)
			}
		}

		if err := a.journalRecords(deactivated); err != nil {
			errs = append(errs, err)
		}

		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.monitor != nil {
		if err := a.monitor.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Forest returns the trace forest of the agent.
func (a *Agent) Forest() *tracetree.Forest {
	return a.forest
}

// Report returns a snapshot of the activation records.
func (a *Agent) Report() *activation.Report {
	return a.orchestrator.Report()
}

// Orchestrator returns the activation orchestrator.
func (a *Agent) Orchestrator() *activation.Orchestrator {
	return a.orchestrator
}

// Domain returns where the probes raise run events.
func (a *Agent) Domain() *hooking.HookableBase {
	return a.domain
}

// Logger returns the logger of the agent.
func (a *Agent) Logger() logr.Logger {
	return a.logger
}

// MonitorAddress returns the address of the monitoring server, or the empty
// string when the monitor is off.
func (a *Agent) MonitorAddress() string {
	if a.monitor == nil {
		return ""
	}

	return a.monitor.Address()
}
