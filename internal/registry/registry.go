// Package registry holds the immutable catalogues of known source artifacts
// and reduction profiles.
//
// Both registries are built once at startup and only read afterwards, so
// they are safe for concurrent use without synchronization. Lookups fold
// case so "llama2_7b" resolves to the canonical "Llama2_7b".
package registry

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"ggmlforge/internal/config"
	"ggmlforge/internal/services"
)

// SourceName identifies a source artifact by its canonical spelling.
type SourceName string

// Profile identifies a reduction profile by its canonical spelling.
type Profile string

const (
	Llama2_7b       SourceName = "Llama2_7b"
	Llama2Chat7b    SourceName = "Llama2Chat7b"
	Llama2Chinese7b SourceName = "Llama2Chinese7b"
)

const (
	Q4  Profile = "Q4"
	Q8  Profile = "Q8"
	F16 Profile = "F16"
	F32 Profile = "F32"
)

// Entry pairs a registry key with its value.
type Entry struct {
	Name  string
	Value string
}

var seedSources = []Entry{
	{Name: string(Llama2_7b), Value: "https://huggingface.co/meta-llama/Llama-2-7b-hf"},
	{Name: string(Llama2Chat7b), Value: "https://huggingface.co/meta-llama/Llama-2-7b-chat-hf"},
	{Name: string(Llama2Chinese7b), Value: "https://huggingface.co/LinkSoul/Chinese-Llama-2-7b"},
}

var seedProfiles = []Entry{
	{Name: string(Q4), Value: "q4_0"},
	{Name: string(Q8), Value: "q8_0"},
	{Name: string(F16), Value: "f16"},
	{Name: string(F32), Value: "f32"},
}

// table is a case-insensitive, insertion-ordered lookup table.
type table struct {
	entries []Entry
	index   map[string]int
}

func newTable(entries []Entry) (*table, error) {
	t := &table{index: make(map[string]int, len(entries))}
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		value := strings.TrimSpace(entry.Value)
		if name == "" || value == "" {
			return nil, fmt.Errorf("registry entry requires name and value (name=%q)", entry.Name)
		}
		key := fold(name)
		if idx, ok := t.index[key]; ok {
			t.entries[idx] = Entry{Name: name, Value: value}
			continue
		}
		t.index[key] = len(t.entries)
		t.entries = append(t.entries, Entry{Name: name, Value: value})
	}
	return t, nil
}

func (t *table) lookup(name string) (Entry, bool) {
	idx, ok := t.index[fold(strings.TrimSpace(name))]
	if !ok {
		return Entry{}, false
	}
	return t.entries[idx], true
}

func (t *table) list() []Entry {
	return slices.Clone(t.entries)
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// Artifacts maps source names to retrieval locations.
type Artifacts struct {
	t *table
}

// NewArtifacts builds an artifact registry from the seed set followed by extra.
// Extra entries override seeds that fold to the same name.
func NewArtifacts(extra ...Entry) (*Artifacts, error) {
	entries := append(slices.Clone(seedSources), extra...)
	t, err := newTable(entries)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "registry", "build artifacts", "", err)
	}
	return &Artifacts{t: t}, nil
}

// Resolve returns the canonical name and location for name.
func (a *Artifacts) Resolve(name string) (SourceName, string, bool) {
	entry, ok := a.t.lookup(name)
	if !ok {
		return "", "", false
	}
	return SourceName(entry.Name), entry.Value, true
}

// Location returns the retrieval location of a source.
func (a *Artifacts) Location(name SourceName) (string, bool) {
	_, location, ok := a.Resolve(string(name))
	return location, ok
}

// List returns every registered source in registration order.
func (a *Artifacts) List() []Entry {
	return a.t.list()
}

// Profiles maps reduction profiles to the quantize tool's canonical tags.
type Profiles struct {
	t *table
}

// NewProfiles builds the profile registry from the fixed profile set.
func NewProfiles() *Profiles {
	t, err := newTable(seedProfiles)
	if err != nil {
		panic(err)
	}
	return &Profiles{t: t}
}

// Resolve returns the canonical profile and its tag for name.
func (p *Profiles) Resolve(name string) (Profile, string, bool) {
	entry, ok := p.t.lookup(name)
	if !ok {
		return "", "", false
	}
	return Profile(entry.Name), entry.Value, true
}

// Tag returns the canonical tag of a profile.
func (p *Profiles) Tag(profile Profile) (string, bool) {
	_, tag, ok := p.Resolve(string(profile))
	return tag, ok
}

// List returns every profile in declaration order.
func (p *Profiles) List() []Entry {
	return p.t.list()
}

// Registry bundles both catalogues.
type Registry struct {
	Artifacts *Artifacts
	Profiles  *Profiles
}

// FromConfig builds the registries from the seed set plus configured sources.
func FromConfig(cfg *config.Config) (*Registry, error) {
	var extra []Entry
	if cfg != nil {
		extra = make([]Entry, 0, len(cfg.Sources))
		for _, source := range cfg.Sources {
			extra = append(extra, Entry{Name: source.Name, Value: source.Location})
		}
	}
	artifacts, err := NewArtifacts(extra...)
	if err != nil {
		return nil, err
	}
	return &Registry{Artifacts: artifacts, Profiles: NewProfiles()}, nil
}
