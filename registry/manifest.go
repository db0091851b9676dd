package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest declares every plugin known to the agent. Entries are either
// "name" or "name=ref"; the ref defaults to the name.
type Manifest struct {
	Distros       []string           `yaml:"distros"`
	Configurators []string           `yaml:"configurators"`
	PreHooks      []string           `yaml:"pre_hooks"`
	PostHooks     []string           `yaml:"post_hooks"`
	Unconditional []string           `yaml:"unconditional"`
	Conditional   []ConditionalEntry `yaml:"conditional"`
}

// ConditionalEntry maps a target-library requirement to the probe that
// instruments the library.
type ConditionalEntry struct {
	Library string `yaml:"library"`
	Probe   string `yaml:"probe"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	m := Manifest{}

	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("registry: decoding manifest: %w", err)
	}

	return m, nil
}

// LoadManifest reads and decodes a YAML manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("registry: reading manifest: %w", err)
	}

	return ParseManifest(data)
}

func splitEntry(entry string) (name, ref string) {
	name, ref, found := strings.Cut(entry, "=")
	name = strings.TrimSpace(name)
	ref = strings.TrimSpace(ref)

	if !found || ref == "" {
		ref = name
	}

	return name, ref
}
