package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// SeedWriter inserts a key only when it does not exist yet.
type SeedWriter interface {
	SetIfAbsent(ctx context.Context, key, value, description string) (bool, error)
}

// SeedEntry is one key in a seed file. A bare scalar is accepted as the value.
type SeedEntry struct {
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
}

// UnmarshalYAML accepts either `KEY: value` or `KEY: {value: ..., description: ...}`.
func (e *SeedEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Value = node.Value
		return nil
	}
	type plain SeedEntry
	return node.Decode((*plain)(e))
}

// LoadSeed reads a YAML mapping of initial configuration values.
func LoadSeed(path string) (map[string]SeedEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy seed %s: %w", path, err)
	}
	entries := make(map[string]SeedEntry)
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse policy seed %s: %w", path, err)
	}
	return entries, nil
}

// Seed writes entries that are not already configured. Existing values are
// never overwritten, so admin changes survive restarts.
func Seed(ctx context.Context, w SeedWriter, entries map[string]SeedEntry) (int, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var inserted int
	for _, k := range keys {
		e := entries[k]
		ok, err := w.SetIfAbsent(ctx, k, e.Value, e.Description)
		if err != nil {
			return inserted, fmt.Errorf("failed to seed %s: %w", k, err)
		}
		if ok {
			inserted++
			slog.Info("seeded policy value", "key", k)
		}
	}
	return inserted, nil
}
