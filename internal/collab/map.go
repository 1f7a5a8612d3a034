package collab

import (
	"fmt"
	"sync"
)

// mapEntry is one last-writer-wins register
type mapEntry struct {
	value   string
	stamp   OpID
	deleted bool
}

// Map is a last-writer-wins replicated key/value structure used for shared
// session metadata (language mode, annotations, save markers). Concurrent
// writes to the same key converge on the one with the highest stamp; the
// losing write is counted as a resolved structural conflict.
type Map struct {
	mu        sync.RWMutex
	entries   map[string]mapEntry
	clock     uint64
	conflicts uint64
}

// NewMap creates an empty replicated map
func NewMap() *Map {
	return &Map{entries: make(map[string]mapEntry)}
}

// Set writes key locally and returns the operation to journal and broadcast
func (m *Map) Set(peer, key, value string) Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	stamp := OpID{Clock: m.clock, Peer: peer}
	m.entries[key] = mapEntry{value: value, stamp: stamp}
	return Op{Action: OpMapSet, Key: key, Value: value, Stamp: stamp}
}

// Delete removes key locally and returns the operation
func (m *Map) Delete(peer, key string) Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	stamp := OpID{Clock: m.clock, Peer: peer}
	m.entries[key] = mapEntry{stamp: stamp, deleted: true}
	return Op{Action: OpMapDelete, Key: key, Stamp: stamp}
}

// Apply integrates a remote (or replayed) map operation
func (m *Map) Apply(op Op) error {
	if op.Action != OpMapSet && op.Action != OpMapDelete {
		return fmt.Errorf("unknown map operation %q", op.Action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Stamp.Clock > m.clock {
		m.clock = op.Stamp.Clock
	}

	cur, exists := m.entries[op.Key]
	if exists && !stampLess(cur.stamp, op.Stamp) {
		if cur.stamp != op.Stamp {
			// a concurrent write lost to the current value
			m.conflicts++
		}
		return nil
	}

	m.entries[op.Key] = mapEntry{
		value:   op.Value,
		stamp:   op.Stamp,
		deleted: op.Action == OpMapDelete,
	}
	return nil
}

// Get returns the value for key
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.deleted {
		return "", false
	}
	return e.value, true
}

// Keys returns all live keys
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of live keys
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// TakeConflicts drains the count of concurrent writes resolved since the
// last call
func (m *Map) TakeConflicts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.conflicts
	m.conflicts = 0
	return n
}

// stampLess orders operation stamps by clock, tiebreaking on peer
func stampLess(a, b OpID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Peer < b.Peer
}
