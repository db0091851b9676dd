// Package config assembles the agent configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrInvalidValue is returned when a variable cannot be converted.
var ErrInvalidValue = errors.New("invalid configuration value")

// Variable names.
const (
	EnvDistro             = "AUTOINSTR_DISTRO"
	EnvConfigurator       = "AUTOINSTR_CONFIGURATOR"
	EnvDisabled           = "AUTOINSTR_DISABLED_INSTRUMENTATIONS"
	EnvStrict             = "AUTOINSTR_STRICT"
	EnvManifest           = "AUTOINSTR_MANIFEST"
	EnvInventory          = "AUTOINSTR_INVENTORY"
	EnvMonitorPort        = "AUTOINSTR_MONITOR_PORT"
	EnvOpenBrowser        = "AUTOINSTR_OPEN_BROWSER"
	EnvJournal            = "AUTOINSTR_JOURNAL"
	EnvLogLevel           = "AUTOINSTR_LOG_LEVEL"
	EnvEvictOnRootClose   = "AUTOINSTR_EVICT_ON_ROOT_CLOSE"
	EnvRollbackOnConflict = "AUTOINSTR_ROLLBACK_ON_CONFLICT"

	// SettingPrefix marks variables that become explicit settings. The rest
	// of the name, lowercased, is the setting key.
	SettingPrefix = "AUTOINSTR_SETTING_"
)

// Config is the startup configuration. It is not mutated after Load.
type Config struct {
	DistroName         string
	ConfiguratorName   string
	Disabled           DisabledSet
	Strict             bool
	ManifestPath       string
	InventoryPath      string
	MonitorPort        int
	OpenBrowser        bool
	JournalPath        string
	LogLevel           string
	EvictOnRootClose   bool
	RollbackOnConflict bool

	// Settings are the explicit values that the distro cannot override.
	Settings map[string]string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Disabled: ParseDisabled(""),
		LogLevel: "info",
		Settings: map[string]string{},
	}
}

// Load reads the env file, if given, and then applies lookup on top of it.
// The lookup function is usually os.LookupEnv.
func Load(
	envFile string,
	lookup func(string) (string, bool),
) (Config, error) {
	values := map[string]string{}

	if envFile != "" {
		fileValues, err := godotenv.Read(envFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", envFile, err)
		}

		values = fileValues
	}

	get := func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(key); ok {
				return v, true
			}
		}

		v, ok := values[key]

		return v, ok
	}

	return build(values, get)
}

// FromMap builds a configuration from a plain map. It is handy in tests and
// for embedding the agent.
func FromMap(values map[string]string) (Config, error) {
	return build(values, func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	})
}

func build(
	fileValues map[string]string,
	get func(string) (string, bool),
) (Config, error) {
	c := Default()

	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvDistro, &c.DistroName)
	str(EnvConfigurator, &c.ConfiguratorName)
	str(EnvManifest, &c.ManifestPath)
	str(EnvInventory, &c.InventoryPath)
	str(EnvJournal, &c.JournalPath)
	str(EnvLogLevel, &c.LogLevel)

	if v, ok := get(EnvDisabled); ok {
		c.Disabled = ParseDisabled(v)
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{EnvStrict, &c.Strict},
		{EnvOpenBrowser, &c.OpenBrowser},
		{EnvEvictOnRootClose, &c.EvictOnRootClose},
		{EnvRollbackOnConflict, &c.RollbackOnConflict},
	}

	for _, f := range flags {
		v, ok := get(f.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}

		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidValue, f.key, v)
		}

		*f.dst = b
	}

	if v, ok := get(EnvMonitorPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidValue, EnvMonitorPort, v)
		}

		c.MonitorPort = port
	}

	for key := range fileValues {
		if !strings.HasPrefix(key, SettingPrefix) {
			continue
		}

		if v, ok := get(key); ok {
			name := strings.ToLower(strings.TrimPrefix(key, SettingPrefix))
			c.Settings[name] = v
		}
	}

	return c, nil
}

// DisabledSet is the set of probe names that must not be activated.
type DisabledSet struct {
	all   bool
	names map[string]bool
}

// ParseDisabled parses a comma-separated list of probe names. Entries are
// trimmed and empty entries are ignored. The entry "*" disables every probe.
func ParseDisabled(list string) DisabledSet {
	s := DisabledSet{names: map[string]bool{}}

	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)

		switch entry {
		case "":
			continue
		case "*":
			s.all = true
		default:
			s.names[entry] = true
		}
	}

	return s
}

// Contains tells if the named probe is disabled.
func (s DisabledSet) Contains(name string) bool {
	return s.all || s.names[name]
}

// All tells if the wildcard was given.
func (s DisabledSet) All() bool {
	return s.all
}

// Names returns the explicitly listed names, sorted.
func (s DisabledSet) Names() []string {
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func (s DisabledSet) String() string {
	names := s.Names()
	if s.all {
		names = append([]string{"*"}, names...)
	}

	return strings.Join(names, ",")
}
