package tier

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Tiers []*Tier `yaml:"tiers"`
}

// LoadSeed parses a YAML tier catalog. Levels must be unique and within
// [MinLevel, MaxLevel].
func LoadSeed(r io.Reader) ([]*Tier, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode tier seed: %w", err)
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("tier seed defines no tiers")
	}
	seen := make(map[int]bool, len(f.Tiers))
	for _, t := range f.Tiers {
		if !ValidLevel(t.Level) {
			return nil, fmt.Errorf("tier %q: level %d outside %d..%d", t.Name, t.Level, MinLevel, MaxLevel)
		}
		if seen[t.Level] {
			return nil, fmt.Errorf("tier level %d defined twice", t.Level)
		}
		if t.Name == "" {
			return nil, fmt.Errorf("tier level %d: name is required", t.Level)
		}
		seen[t.Level] = true
	}
	return f.Tiers, nil
}

// Seed upserts tiers by level and returns how many were written.
func Seed(ctx context.Context, repo Repository, tiers []*Tier) (int, error) {
	for i, t := range tiers {
		if err := repo.Upsert(ctx, t); err != nil {
			return i, fmt.Errorf("upsert tier level %d: %w", t.Level, err)
		}
	}
	return len(tiers), nil
}
