package config

import (
	"sort"
	"sync"
)

// Source tells where a setting value came from.
type Source int

// Setting sources.
const (
	SourceUnset Source = iota
	SourceExplicit
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourceDefault:
		return "default"
	}

	return "unset"
}

type setting struct {
	value  string
	source Source
}

// A SettingsBuilder collects settings before they are frozen. Explicit values
// are given at construction. Defaults never override them.
type SettingsBuilder struct {
	mu     sync.Mutex
	values map[string]setting
	frozen bool
}

// NewSettingsBuilder creates a builder seeded with explicit values.
func NewSettingsBuilder(explicit map[string]string) *SettingsBuilder {
	b := &SettingsBuilder{values: make(map[string]setting, len(explicit))}

	for k, v := range explicit {
		b.values[k] = setting{value: v, source: SourceExplicit}
	}

	return b
}

// SetDefault sets the value of a key only if the key has no value yet. It
// returns true if the default was taken. After Freeze, it always returns
// false.
func (b *SettingsBuilder) SetDefault(key, value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return false
	}

	if _, ok := b.values[key]; ok {
		return false
	}

	b.values[key] = setting{value: value, source: SourceDefault}

	return true
}

// Lookup returns the current value of a key.
func (b *SettingsBuilder) Lookup(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.values[key]

	return s.value, ok
}

// Freeze returns the immutable settings. Later SetDefault calls are ignored.
func (b *SettingsBuilder) Freeze() *Settings {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true

	values := make(map[string]setting, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}

	return &Settings{values: values}
}

// Settings is a read-only set of key/value pairs.
type Settings struct {
	values map[string]setting
}

// Get returns the value of a key, or an empty string.
func (s *Settings) Get(key string) string {
	v, _ := s.Lookup(key)
	return v
}

// Lookup returns the value of a key and whether it is set.
func (s *Settings) Lookup(key string) (string, bool) {
	if s == nil {
		return "", false
	}

	v, ok := s.values[key]

	return v.value, ok
}

// Source returns where the value of a key came from.
func (s *Settings) Source(key string) Source {
	if s == nil {
		return SourceUnset
	}

	return s.values[key].source
}

// Keys returns the sorted keys.
func (s *Settings) Keys() []string {
	if s == nil {
		return nil
	}

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
