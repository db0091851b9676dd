package agent

import (
	"context"
	"fmt"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/kvcache"
	"github.com/sarchlab/autoinstr/logging"
	"github.com/sarchlab/autoinstr/probes/kvcacheprobe"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/tracetree"
)

// Keys of the settings that the built-in plugins read.
const (
	SettingServiceName = "service_name"
	SettingLogSummary  = "log_summary"
)

// BuiltinManifest declares the plugins shipped with the agent.
const BuiltinManifest = `
distros:
  - default
configurators:
  - sdk
post_hooks:
  - summary
conditional:
  - library: "kvcache>=1.0"
    probe: kvcache
`

// MustParseBuiltinManifest returns the decoded BuiltinManifest.
func MustParseBuiltinManifest() registry.Manifest {
	m, err := registry.ParseManifest([]byte(BuiltinManifest))
	if err != nil {
		panic(err)
	}

	return m
}

// BuiltinInventory returns the libraries that are linked into the binary.
func BuiltinInventory() inventory.Inventory {
	return inventory.Chain(
		inventory.NewStatic(map[string]string{
			kvcacheprobe.Name: kvcache.Version,
		}),
		inventory.FromBuildInfo(),
	)
}

// BuiltinCatalog returns the factories of the shipped plugins. The sdk
// configurator records runs into the forest.
func BuiltinCatalog(forest *tracetree.Forest) *activation.Catalog {
	return activation.NewCatalog().
		AddDistro("default", func() (activation.Distro, error) {
			return activation.DistroFunc(defaultDistro), nil
		}).
		AddConfigurator("sdk", func() (activation.Configurator, error) {
			return &SDKConfigurator{Forest: forest}, nil
		}).
		AddProbe(kvcacheprobe.Name, kvcacheprobe.Factory).
		AddHook("summary", logSummary)
}

func defaultDistro(d activation.Defaulter) error {
	d.SetDefault(SettingServiceName, "unknown_service")
	d.SetDefault(SettingLogSummary, "true")

	return nil
}

// SDKConfigurator connects the probes to a trace forest.
type SDKConfigurator struct {
	Forest *tracetree.Forest
}

// Configure attaches a recorder of the forest to the domain of the probes.
func (c *SDKConfigurator) Configure(_ context.Context, env activation.Env) error {
	if c.Forest == nil {
		return fmt.Errorf("sdk configurator: no forest")
	}

	if env.Domain == nil {
		return fmt.Errorf("sdk configurator: no domain")
	}

	logger := env.Logger.WithName("tracetree")
	recorder := tracetree.NewRecorder(c.Forest, tracetree.WithLogger(logger))
	env.Domain.AcceptHook(recorder)

	logger.V(logging.Debug).Info("recording runs",
		"service", env.Settings.Get(SettingServiceName))

	return nil
}

func logSummary(_ context.Context, o *activation.Orchestrator) error {
	if o.Settings().Get(SettingLogSummary) == "false" {
		return nil
	}

	report := o.Report()
	skipped := report.Count(activation.SkippedMissing) +
		report.Count(activation.SkippedVersionMismatch) +
		report.Count(activation.SkippedDisabled)

	o.Logger().Info("activation summary",
		"distro", report.Distro,
		"configurator", report.Configurator,
		"active", report.Count(activation.Active),
		"skipped", skipped,
		"failed", report.Count(activation.Failed),
		"conflicts", len(report.Conflicts.Conflicts))

	return nil
}
