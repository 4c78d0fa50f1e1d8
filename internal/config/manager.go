package config

import (
	"bytes"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager owns the current configuration. A *Config handed out by Snapshot
// is never mutated; updates build and validate a new document and swap it in.
type Manager struct {
	mu   sync.RWMutex
	cur  *Config
	path string
}

// NewManager wraps an already validated configuration. When path is not
// empty, accepted updates are written back to it.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{cur: cfg, path: path}
}

// Snapshot returns the current configuration.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update merges a partial YAML or JSON document over the current
// configuration. The merged result is validated as a whole; on any error
// the previous configuration is retained.
func (m *Manager) Update(patch []byte) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := ApplyPatch(m.cur, patch)
	if err != nil {
		return nil, err
	}
	if m.path != "" {
		if err := next.Save(m.path); err != nil {
			return nil, err
		}
	}
	m.cur = next
	return next, nil
}

// SetActiveMode selects a mode profile by name.
func (m *Manager) SetActiveMode(name string) (*Config, error) {
	patch, err := yaml.Marshal(map[string]string{"activeMode": name})
	if err != nil {
		return nil, err
	}
	return m.Update(patch)
}

// ApplyPatch returns a new Config equal to base with patch deep-merged on top.
// Nested maps merge key by key; scalars and lists replace.
func ApplyPatch(base *Config, patch []byte) (*Config, error) {
	var overlay map[string]any
	if err := yaml.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("%w: parsing patch: %v", ErrInvalid, err)
	}
	if len(overlay) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalid)
	}

	raw, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encoding current config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding current config: %w", err)
	}
	mergeInto(doc, overlay)

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding merged config: %w", err)
	}
	next := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dv, sv)
			continue
		}
		dst[k] = v
	}
}
