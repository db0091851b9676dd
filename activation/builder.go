package activation

import (
	"github.com/go-logr/logr"

	"github.com/sarchlab/autoinstr/config"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/inventory"
	"github.com/sarchlab/autoinstr/registry"
)

// Builder can be used to build an Orchestrator.
type Builder struct {
	registry  *registry.Registry
	catalog   *Catalog
	inventory inventory.Inventory
	config    config.Config
	logger    logr.Logger
	domain    *hooking.HookableBase
	ids       idgen.Generator
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		config: config.Default(),
		logger: logr.Discard(),
	}
}

// WithRegistry sets the declared plugins.
func (b Builder) WithRegistry(r *registry.Registry) Builder {
	b.registry = r
	return b
}

// WithCatalog sets the factories that the registry references resolve to.
func (b Builder) WithCatalog(c *Catalog) Builder {
	b.catalog = c
	return b
}

// WithInventory sets the source of installed library versions.
func (b Builder) WithInventory(inv inventory.Inventory) Builder {
	b.inventory = inv
	return b
}

// WithConfig sets the startup configuration.
func (b Builder) WithConfig(c config.Config) Builder {
	b.config = c
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.logger = l
	return b
}

// WithDomain sets the hookable object that probes raise run events on.
func (b Builder) WithDomain(d *hooking.HookableBase) Builder {
	b.domain = d
	return b
}

// WithIDGenerator sets the generator of run ids handed to probes.
func (b Builder) WithIDGenerator(g idgen.Generator) Builder {
	b.ids = g
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.registry == nil {
		panic("registry is not set")
	}

	if b.catalog == nil {
		panic("catalog is not set")
	}

	if b.inventory == nil {
		panic("inventory is not set")
	}
}

// Build builds the orchestrator.
func (b Builder) Build() *Orchestrator {
	b.parametersMustBeValid()

	o := &Orchestrator{
		registry:  b.registry,
		catalog:   b.catalog,
		inventory: b.inventory,
		config:    b.config,
		logger:    b.logger.WithName("activation"),
		domain:    b.domain,
		ids:       b.ids,
		records:   make(map[string]*entry),
	}

	if o.domain == nil {
		o.domain = hooking.NewHookableBase()
	}

	if o.ids == nil {
		o.ids = idgen.NewParallel()
	}

	for _, d := range b.registry.All() {
		o.records[d.Name] = &entry{
			descriptor: d,
			record:     Record{Name: d.Name, Group: d.Group, State: Pending},
		}
	}

	return o
}
