package pipeline

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// snapshot is an immutable view of the loaded definitions indexed by ID and
// by source classification.
type snapshot struct {
	byID     map[string]Definition
	bySource map[string]Definition
	checksum string
}

// Registry is a read-optimized, thread-safe store of pipeline definitions.
// It uses atomic pointer swap for lock-free concurrent reads, so a reload
// never blocks in-flight orchestrator runs.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions. The last
// definition for a source wins when duplicates exist.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []Definition) {
	s := &snapshot{
		byID:     make(map[string]Definition, len(defs)),
		bySource: make(map[string]Definition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.byID[def.ID] = def
		s.bySource[strings.ToLower(def.Source)] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (Definition, bool) {
	d, ok := r.current().byID[id]
	return d, ok
}

// ForSource returns the definition serving a source classification.
func (r *Registry) ForSource(source string) (Definition, bool) {
	d, ok := r.current().bySource[strings.ToLower(source)]
	return d, ok
}

// All returns all definitions, sorted by ID.
func (r *Registry) All() []Definition {
	s := r.current()
	defs := make([]Definition, 0, len(s.byID))
	for _, d := range s.byID {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
