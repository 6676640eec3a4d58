package steerd

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrConfiguration is returned when the redirect map cannot be built
	// from the supplied entry configuration. Fatal at setup.
	ErrConfiguration = errors.New("invalid redirect map configuration")

	// ErrInvalidDestination is returned by Lookup for an id outside the
	// map. On the data path this is never fatal: the frame is dropped and
	// counted.
	ErrInvalidDestination = errors.New("invalid destination id")
)

// EntryConfig describes one destination entry at map construction time.
type EntryConfig struct {
	// Core is the CPU the entry's consumer worker is pinned to.
	Core int

	// Capacity is the entry queue's fixed depth.
	Capacity int

	// Hook is the optional secondary classifier run by the consumer.
	Hook Classifier
}

// Map is the redirect map: a fixed array of destination entries indexed by
// destination id. It is immutable after construction; reconfiguration means
// building a new map.
type Map struct {
	entries []*Entry

	// invalidRedirects counts ingress redirect verdicts naming an id
	// outside the map. Hook-side invalid redirects are counted on the
	// entry whose hook produced them.
	invalidRedirects atomic.Uint64
}

// NewMap builds every entry and its queue up front. It fails if the entry
// list is empty, any capacity is non-positive, or a core binding repeats.
func NewMap(configs []EntryConfig) (*Map, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrConfiguration)
	}

	cores := make(map[int]int, len(configs))
	m := &Map{entries: make([]*Entry, len(configs))}
	for id, cfg := range configs {
		if cfg.Capacity <= 0 {
			return nil, fmt.Errorf("%w: entry %d capacity %d is not positive", ErrConfiguration, id, cfg.Capacity)
		}
		if prev, dup := cores[cfg.Core]; dup {
			return nil, fmt.Errorf("%w: entries %d and %d both bind core %d", ErrConfiguration, prev, id, cfg.Core)
		}
		cores[cfg.Core] = id
		m.entries[id] = newEntry(id, cfg)
	}

	return m, nil
}

// Lookup resolves a destination id to its entry in constant time.
func (m *Map) Lookup(id int) (*Entry, error) {
	if id < 0 || id >= len(m.entries) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidDestination, id, len(m.entries))
	}
	return m.entries[id], nil
}

// Size is the fixed number of destination entries.
func (m *Map) Size() int {
	return len(m.entries)
}

// Entries returns the map's entries in id order. The slice is shared; the
// map's shape never changes, so read-only iteration is safe anywhere.
func (m *Map) Entries() []*Entry {
	return m.entries
}

// InvalidRedirects is the count of ingress verdicts that named a
// destination outside the map.
func (m *Map) InvalidRedirects() uint64 {
	return m.invalidRedirects.Load()
}
