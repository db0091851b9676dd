package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/config"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/kvcache"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/tracetree"
)

func stateOf(a *Agent, name string) activation.State {
	rec, ok := a.Report().Record(name)
	Expect(ok).To(BeTrue(), "no record for %s", name)

	return rec.State
}

var _ = Describe("Agent", func() {
	var (
		ctx     context.Context
		cfg     config.Config
		builder Builder
		a       *Agent
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.Default()
		builder = MakeBuilder().
			WithLogWriter(GinkgoWriter).
			WithIDGenerator(idgen.NewSequential())
	})

	AfterEach(func() {
		if a != nil {
			_ = a.Shutdown(ctx)
			a = nil
		}
	})

	build := func() *Agent {
		agent, err := builder.WithConfig(cfg).Build()
		Expect(err).NotTo(HaveOccurred())

		return agent
	}

	It("should activate the built-in plugins", func() {
		a = build()

		Expect(a.Start(ctx)).To(Succeed())

		report := a.Report()
		Expect(report.Phase).To(Equal(activation.PhaseDone))
		Expect(report.Distro).To(Equal("default"))
		Expect(report.Configurator).To(Equal("sdk"))
		Expect(stateOf(a, "kvcache")).To(Equal(activation.Active))
		Expect(stateOf(a, "summary")).To(Equal(activation.Active))
		Expect(report.Conflicts.OK()).To(BeTrue())
		Expect(a.MonitorAddress()).To(BeEmpty())
		Expect(a.Orchestrator().Settings().Get(SettingServiceName)).
			To(Equal("unknown_service"))
	})

	It("should record kvcache calls into the forest", func() {
		a = build()
		Expect(a.Start(ctx)).To(Succeed())

		client := kvcache.NewClient("localhost", 6379)
		Expect(client.Set(ctx, "k", "v")).To(Succeed())

		_, err := client.Get(ctx, "missing")
		Expect(err).To(MatchError(kvcache.ErrNotFound))

		roots := a.Forest().Roots()
		Expect(roots).To(Equal([]string{"1", "2"}))

		set, _ := a.Forest().Lookup("1")
		Expect(set.Name).To(Equal("kvcache.set"))
		Expect(set.Status).To(Equal(tracetree.Closed))

		get, _ := a.Forest().Lookup("2")
		Expect(get.Status).To(Equal(tracetree.Errored))
	})

	It("should stop recording after shutdown", func() {
		a = build()
		Expect(a.Start(ctx)).To(Succeed())
		Expect(a.Shutdown(ctx)).To(Succeed())
		Expect(stateOf(a, "kvcache")).To(Equal(activation.Deactivated))

		client := kvcache.NewClient("localhost", 6379)
		Expect(client.Set(ctx, "k", "v")).To(Succeed())

		Expect(a.Forest().Len()).To(Equal(0))
		Expect(kvcache.Execute.Installed()).To(BeEmpty())
	})

	It("should evict finished trees when configured", func() {
		cfg.EvictOnRootClose = true
		a = build()
		Expect(a.Start(ctx)).To(Succeed())

		client := kvcache.NewClient("localhost", 6379)
		Expect(client.Set(ctx, "k", "v")).To(Succeed())

		Expect(a.Forest().Len()).To(Equal(0))
	})

	It("should skip disabled probes", func() {
		cfg.Disabled = config.ParseDisabled("kvcache")
		a = build()

		Expect(a.Start(ctx)).To(Succeed())
		Expect(stateOf(a, "kvcache")).To(Equal(activation.SkippedDisabled))
	})

	It("should skip probes of missing libraries", func() {
		a, _ = builder.
			WithConfig(cfg).
			WithInventory(inventory.NewStatic(nil)).
			Build()

		Expect(a.Start(ctx)).To(Succeed())
		Expect(stateOf(a, "kvcache")).To(Equal(activation.SkippedMissing))
	})

	It("should prefer the inventory file of the configuration", func() {
		path := filepath.Join(GinkgoT().TempDir(), "libs.env")
		Expect(os.WriteFile(path, []byte("kvcache=0.9\n"), 0o600)).To(Succeed())

		cfg.InventoryPath = path
		a = build()

		Expect(a.Start(ctx)).To(Succeed())
		Expect(stateOf(a, "kvcache")).
			To(Equal(activation.SkippedVersionMismatch))
	})

	Context("when a probe fails", func() {
		broken := errors.New("broken")

		BeforeEach(func() {
			builder = builder.
				WithManifest(registry.Manifest{
					Distros:       []string{"default"},
					Configurators: []string{"sdk"},
					Unconditional: []string{"broken"},
				}).
				WithCatalog(func(f *tracetree.Forest) *activation.Catalog {
					return BuiltinCatalog(f).
						AddProbe("broken", func() (activation.Probe, error) {
							return nil, broken
						})
				})
		})

		It("should swallow the error", func() {
			a = build()

			Expect(a.Start(ctx)).To(Succeed())
			Expect(stateOf(a, "broken")).To(Equal(activation.Failed))
		})

		It("should return the error in strict mode", func() {
			cfg.Strict = true
			a = build()

			err := a.Start(ctx)
			Expect(err).To(MatchError(activation.ErrProbeActivation))
			Expect(a.Start(ctx)).To(Equal(err))
		})
	})

	It("should swallow a configurator failure", func() {
		builder = builder.
			WithManifest(registry.Manifest{
				Configurators: []string{"missing"},
			})
		a = build()

		Expect(a.Start(ctx)).To(Succeed())
		Expect(a.Report().Phase).To(Equal(activation.PhaseDistroConfigured))
	})

	It("should write the journal", func() {
		cfg.JournalPath = filepath.Join(GinkgoT().TempDir(), "journal.sqlite3")
		a = build()

		Expect(a.Start(ctx)).To(Succeed())

		entries, err := a.journal.Entries(ctx, a.journal.Session())
		Expect(err).NotTo(HaveOccurred())

		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name)
		}

		Expect(names).To(ConsistOf("default", "sdk", "kvcache", "summary"))
	})

	It("should fail to build with a bad log level", func() {
		cfg.LogLevel = "loud"

		_, err := builder.WithConfig(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("should fail to build with a missing manifest file", func() {
		cfg.ManifestPath = filepath.Join(GinkgoT().TempDir(), "nope.yaml")

		_, err := builder.WithConfig(cfg).Build()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Builtin", func() {
	It("should declare the kvcache probe as conditional", func() {
		reg := registry.MustNew(MustParseBuiltinManifest())

		d, ok := reg.Lookup("kvcache")
		Expect(ok).To(BeTrue())
		Expect(d.Conditional()).To(BeTrue())
		Expect(d.RequirementText).To(Equal("kvcache>=1.0"))
	})

	It("should list the kvcache version", func() {
		v, ok := BuiltinInventory().Version("kvcache")

		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(kvcache.Version))
	})

	It("should reject a configurator without a forest", func() {
		c := &SDKConfigurator{}

		Expect(c.Configure(context.Background(), activation.Env{})).
			NotTo(Succeed())
	})
})
