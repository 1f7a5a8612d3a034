package collab

import (
	"fmt"
	"sort"
	"sync"
)

// posBase is the digit range for dense positions. Large enough that
// sequential typing rarely needs to deepen the position tree.
const posBase = 1 << 15

// OpID identifies one CRDT operation: a lamport clock paired with the peer
// that produced it
type OpID struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer"`
}

// Char is a single character in the replicated sequence. Position is a
// dense path that totally orders characters together with the ID tiebreak.
type Char struct {
	ID       OpID   `json:"id"`
	Value    string `json:"value"`
	Position []int  `json:"position"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Op actions
const (
	OpInsert    = "insert"
	OpDelete    = "delete"
	OpMapSet    = "map_set"
	OpMapDelete = "map_delete"
)

// Op is one replicated operation, the unit of journaling and broadcast
type Op struct {
	Action string `json:"action"`
	Char   *Char  `json:"char,omitempty"`   // insert
	Target *OpID  `json:"target,omitempty"` // delete
	Key    string `json:"key,omitempty"`    // map ops
	Value  string `json:"value,omitempty"`  // map_set
	Stamp  OpID   `json:"stamp"`
}

// Document is the replicated text primitive. Implementations must make
// Apply commutative for concurrent operations so replicas converge
// regardless of delivery order.
type Document interface {
	Insert(peer string, index int, text string) ([]Op, error)
	Delete(peer string, index, count int) ([]Op, error)
	Apply(op Op) error
	Content() string
	Len() int
}

// Text is the operation-based sequence CRDT backing collaborative editing.
// Deleted characters remain as tombstones so late-arriving operations still
// find their targets.
type Text struct {
	mu    sync.RWMutex
	chars []Char
	ids   map[OpID]struct{}
	// deletes that arrived before their target's insert
	pendingDeletes map[OpID]struct{}
	clock          uint64
}

// NewText creates an empty replicated text
func NewText() *Text {
	return &Text{
		ids:            make(map[OpID]struct{}),
		pendingDeletes: make(map[OpID]struct{}),
	}
}

// Insert applies a local insertion at the visible index and returns the
// operations to journal and broadcast
func (t *Text) Insert(peer string, index int, text string) ([]Op, error) {
	if text == "" {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	visible := t.visibleIndexesLocked()
	if index < 0 || index > len(visible) {
		return nil, fmt.Errorf("insert index %d out of range [0, %d]", index, len(visible))
	}

	var left []int
	var right []int
	if index > 0 {
		left = t.chars[visible[index-1]].Position
	}
	if index < len(visible) {
		right = t.chars[visible[index]].Position
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		t.clock++
		c := Char{
			ID:       OpID{Clock: t.clock, Peer: peer},
			Value:    string(r),
			Position: positionBetween(left, right),
		}
		t.insertCharLocked(c)
		left = c.Position
		ops = append(ops, Op{Action: OpInsert, Char: cloneChar(c), Stamp: c.ID})
	}
	return ops, nil
}

// Delete removes count visible characters starting at index and returns the
// tombstone operations
func (t *Text) Delete(peer string, index, count int) ([]Op, error) {
	if count <= 0 {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	visible := t.visibleIndexesLocked()
	if index < 0 || index+count > len(visible) {
		return nil, fmt.Errorf("delete range [%d, %d) out of range [0, %d]", index, index+count, len(visible))
	}

	ops := make([]Op, 0, count)
	for i := 0; i < count; i++ {
		c := &t.chars[visible[index+i]]
		c.Deleted = true
		t.clock++
		target := c.ID
		ops = append(ops, Op{Action: OpDelete, Target: &target, Stamp: OpID{Clock: t.clock, Peer: peer}})
	}
	return ops, nil
}

// Apply integrates a remote (or replayed) operation. Duplicate delivery is
// a no-op; a delete arriving before its insert is parked until the insert
// shows up.
func (t *Text) Apply(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op.Stamp.Clock > t.clock {
		t.clock = op.Stamp.Clock
	}

	switch op.Action {
	case OpInsert:
		if op.Char == nil {
			return fmt.Errorf("insert op without char")
		}
		if _, seen := t.ids[op.Char.ID]; seen {
			return nil
		}
		c := *op.Char
		if _, pending := t.pendingDeletes[c.ID]; pending {
			c.Deleted = true
			delete(t.pendingDeletes, c.ID)
		}
		if c.ID.Clock > t.clock {
			t.clock = c.ID.Clock
		}
		t.insertCharLocked(c)
	case OpDelete:
		if op.Target == nil {
			return fmt.Errorf("delete op without target")
		}
		if _, seen := t.ids[*op.Target]; !seen {
			t.pendingDeletes[*op.Target] = struct{}{}
			return nil
		}
		for i := range t.chars {
			if t.chars[i].ID == *op.Target {
				t.chars[i].Deleted = true
				break
			}
		}
	default:
		return fmt.Errorf("unknown text operation %q", op.Action)
	}
	return nil
}

// Content returns the visible text
func (t *Text) Content() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []byte
	for _, c := range t.chars {
		if !c.Deleted {
			out = append(out, c.Value...)
		}
	}
	return string(out)
}

// Len returns the number of visible characters
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, c := range t.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

// Size returns the total sequence length including tombstones
func (t *Text) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chars)
}

func (t *Text) visibleIndexesLocked() []int {
	idx := make([]int, 0, len(t.chars))
	for i, c := range t.chars {
		if !c.Deleted {
			idx = append(idx, i)
		}
	}
	return idx
}

func (t *Text) insertCharLocked(c Char) {
	at := sort.Search(len(t.chars), func(i int) bool {
		return charLess(c, t.chars[i])
	})
	t.chars = append(t.chars, Char{})
	copy(t.chars[at+1:], t.chars[at:])
	t.chars[at] = c
	t.ids[c.ID] = struct{}{}
}

// charLess orders characters by position path, then peer, then clock. The
// tiebreak makes the order total, so every replica sorts concurrent
// same-position inserts identically.
func charLess(a, b Char) bool {
	pa, pb := a.Position, b.Position
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	if len(pa) != len(pb) {
		return len(pa) < len(pb)
	}
	if a.ID.Peer != b.ID.Peer {
		return a.ID.Peer < b.ID.Peer
	}
	return a.ID.Clock < b.ID.Clock
}

// positionBetween generates a dense path strictly between left and right.
// Missing digits read as 0 on the left and posBase on the right.
func positionBetween(left, right []int) []int {
	var pos []int
	for i := 0; ; i++ {
		l := 0
		if i < len(left) {
			l = left[i]
		}
		r := posBase
		if i < len(right) {
			r = right[i]
		}
		if r-l > 1 {
			return append(pos, l+1)
		}
		pos = append(pos, l)
	}
}

func cloneChar(c Char) *Char {
	cp := c
	cp.Position = append([]int(nil), c.Position...)
	return &cp
}
