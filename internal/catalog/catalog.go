// Package catalog holds the capability registry: which (model, provider)
// pairs exist, what each can do and what it costs. A Snapshot is immutable
// once built; Registry swaps snapshots atomically on reload.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// fileFormat is the on-disk YAML layout.
type fileFormat struct {
	Models []modelSpec `yaml:"models"`
}

type modelSpec struct {
	ID          Model            `yaml:"id"`
	Quality     float64          `yaml:"quality"`
	ToolQuality float64          `yaml:"tool_quality"`
	Deployments []deploymentSpec `yaml:"deployments"`
}

type deploymentSpec struct {
	Provider          Provider `yaml:"provider"`
	Name              string   `yaml:"name"`
	SupportsTools     bool     `yaml:"supports_tools"`
	SupportsStreaming bool     `yaml:"supports_streaming"`
	MaxContextTokens  int      `yaml:"max_context_tokens"`
	InputPer1M        float64  `yaml:"input_per_1m"`
	OutputPer1M       float64  `yaml:"output_per_1m"`
	Quality           *float64 `yaml:"quality"`
	Priority          *int     `yaml:"priority"`
}

// Snapshot is one immutable, validated view of the catalog.
type Snapshot struct {
	version  string
	source   string
	loadedAt time.Time

	entries    []Entry
	index      map[Pair]int
	maxBlended float64
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte, source string) (*Snapshot, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog %s: parse: %w", source, err)
	}

	var entries []Entry
	for _, m := range f.Models {
		for _, d := range m.Deployments {
			e := Entry{
				Pair: Pair{Model: m.ID, Provider: d.Provider},
				Capability: Capability{
					SupportsTools:     d.SupportsTools,
					SupportsStreaming: d.SupportsStreaming,
					MaxContextTokens:  d.MaxContextTokens,
				},
				ProviderModel: d.Name,
				InputPer1M:    d.InputPer1M,
				OutputPer1M:   d.OutputPer1M,
				Quality:       m.Quality,
				ToolQuality:   m.ToolQuality,
				Priority:      len(entries),
			}
			if d.Quality != nil {
				e.Quality = *d.Quality
			}
			if d.Priority != nil {
				e.Priority = *d.Priority
			}
			if e.ProviderModel == "" {
				e.ProviderModel = string(m.ID)
			}
			entries = append(entries, e)
		}
	}

	sum := sha256.Sum256(data)
	s, err := build(entries, source, hex.EncodeToString(sum[:])[:12])
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", source, err)
	}
	return s, nil
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, path)
}

// Default returns the built-in catalog.
func Default() *Snapshot {
	s, err := Parse(defaultCatalog, "builtin")
	if err != nil {
		panic(err)
	}
	return s
}

// New builds a snapshot from explicit entries. Entries keep their Priority
// as given.
func New(entries []Entry) (*Snapshot, error) {
	return build(append([]Entry(nil), entries...), "inline", "inline")
}

func build(entries []Entry, source, version string) (*Snapshot, error) {
	if len(entries) == 0 {
		return nil, errors.New("no deployments declared")
	}
	s := &Snapshot{
		version:  version,
		source:   source,
		loadedAt: time.Now().UTC(),
		entries:  entries,
		index:    make(map[Pair]int, len(entries)),
	}
	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if _, dup := s.index[e.Pair]; dup {
			return nil, fmt.Errorf("duplicate deployment %s", e.Pair)
		}
		s.index[e.Pair] = i
		if b := e.BlendedPrice(); b > s.maxBlended {
			s.maxBlended = b
		}
	}
	return s, nil
}

func validateEntry(e Entry) error {
	switch {
	case e.Model == "":
		return errors.New("model id is required")
	case !e.Provider.Valid():
		return fmt.Errorf("%s: unknown provider %q", e.Model, e.Provider)
	case e.MaxContextTokens <= 0:
		return fmt.Errorf("%s: max_context_tokens must be > 0", e.Pair)
	case e.InputPer1M < 0 || e.OutputPer1M < 0:
		return fmt.Errorf("%s: prices must be >= 0", e.Pair)
	case e.Quality < 0 || e.Quality > 1:
		return fmt.Errorf("%s: quality must be in [0,1], got %g", e.Pair, e.Quality)
	case e.ToolQuality < 0 || e.ToolQuality > 1:
		return fmt.Errorf("%s: tool_quality must be in [0,1], got %g", e.Pair, e.ToolQuality)
	}
	return nil
}

// Version is a short content hash of the source document.
func (s *Snapshot) Version() string { return s.version }

// Source names where the snapshot was loaded from.
func (s *Snapshot) Source() string { return s.source }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of pairs.
func (s *Snapshot) Len() int { return len(s.entries) }

// Entries returns all entries in declaration order. The slice is a copy.
func (s *Snapshot) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Lookup returns the entry for p.
func (s *Snapshot) Lookup(p Pair) (Entry, bool) {
	i, ok := s.index[p]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// MaxBlendedPrice is the largest blended price in the snapshot, used to
// normalize cost across the whole universe.
func (s *Snapshot) MaxBlendedPrice() float64 { return s.maxBlended }

// Providers lists the distinct providers referenced, sorted.
func (s *Snapshot) Providers() []Provider {
	seen := make(map[Provider]bool)
	var out []Provider
	for _, e := range s.entries {
		if !seen[e.Provider] {
			seen[e.Provider] = true
			out = append(out, e.Provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Models lists the distinct models in declaration order.
func (s *Snapshot) Models() []Model {
	seen := make(map[Model]bool)
	var out []Model
	for _, e := range s.entries {
		if !seen[e.Model] {
			seen[e.Model] = true
			out = append(out, e.Model)
		}
	}
	return out
}
