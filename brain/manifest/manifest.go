// Package manifest implements the Manifest capability named as an external
// collaborator in spec.md §6 (`resolve(identifier) → Brain`, `list()`,
// `search(q)`). spec.md only sketches the interface; SPEC_FULL §12 supplies
// the concrete, in-process registry the Runner and HTTP Control API resolve
// brains through. Grounded on the teacher's runtime/registry/registry.go
// manager/cache shape, simplified down to the narrow read-mostly contract
// this capability needs: a title-keyed map guarded by a single mutex, no
// background refresh.
package manifest

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/brainyard/brainrun/brain/api"
	"github.com/brainyard/brainrun/brain/ir"
)

// ErrUnknownBrain is returned by Resolve when identifier matches neither a
// registered brain's title nor any of its aliases (spec.md §7's
// ErrUnknownBrain kind).
var ErrUnknownBrain = errors.New("manifest: unknown brain")

type entry struct {
	brain   *ir.Brain
	aliases map[string]struct{}
}

// StaticManifest is the in-memory Manifest implementation: brains are
// registered once at startup (from Go code, mirroring how a brain's
// blocks are themselves plain Go values) and never mutated afterward.
// Concurrent Resolve/List/Search calls only ever read.
type StaticManifest struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty StaticManifest.
func New() *StaticManifest {
	return &StaticManifest{entries: make(map[string]*entry)}
}

// Register adds brain to the manifest under its own title, plus any
// additional aliases it should also be resolvable by (e.g. a short slug
// used in create-run requests). Registering a brain whose title is already
// present replaces the prior entry; this is expected at process startup
// when tests or a local dev loop rebuild a manifest.
func (m *StaticManifest) Register(brain *ir.Brain, aliases ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{brain: brain, aliases: make(map[string]struct{}, len(aliases))}
	for _, a := range aliases {
		e.aliases[a] = struct{}{}
	}
	m.entries[brain.Title] = e
}

// Resolve returns the brain registered under identifier, matching its title
// first and then its aliases.
func (m *StaticManifest) Resolve(identifier string) (*ir.Brain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[identifier]; ok {
		return e.brain, nil
	}
	for _, e := range m.entries {
		if _, ok := e.aliases[identifier]; ok {
			return e.brain, nil
		}
	}
	return nil, ErrUnknownBrain
}

// List returns every registered brain as a BrainSummary, sorted by title for
// a stable GET /brains response.
func (m *StaticManifest) List() []api.BrainSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]api.BrainSummary, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, api.BrainSummary{Title: e.brain.Title, Description: e.brain.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Search returns every registered brain whose title or description contains
// q (case-insensitive substring match); an empty q matches every brain.
func (m *StaticManifest) Search(q string) []api.BrainSummary {
	if q == "" {
		return m.List()
	}
	needle := strings.ToLower(q)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.BrainSummary
	for _, e := range m.entries {
		if strings.Contains(strings.ToLower(e.brain.Title), needle) ||
			strings.Contains(strings.ToLower(e.brain.Description), needle) {
			out = append(out, api.BrainSummary{Title: e.brain.Title, Description: e.brain.Description})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// aliasDoc is one entry of a YAML-authored alias manifest: a brain's title
// plus the extra identifiers it should resolve under. Brain IR itself
// (blocks, actions) always comes from Go code — YAML only supplies
// alternate identifiers for already-registered brains.
type aliasDoc struct {
	Title   string   `yaml:"title"`
	Aliases []string `yaml:"aliases"`
}

// LoadAliasesYAML parses data as a list of aliasDoc entries and attaches
// each one's aliases to the already-registered brain matching its title.
// An aliasDoc naming a title with no matching registration is skipped
// (the YAML file is optional deployment config, not the source of IR truth,
// so a stale entry is not fatal).
func (m *StaticManifest) LoadAliasesYAML(data []byte) error {
	var docs []aliasDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		e, ok := m.entries[d.Title]
		if !ok {
			continue
		}
		for _, a := range d.Aliases {
			e.aliases[a] = struct{}{}
		}
	}
	return nil
}
