package divergence

import (
	"maps"
	"slices"
)

// NodeID identifies a signal (a BTOR2 node) of the hardware model. It is unique
// within one model instance and otherwise opaque.
type NodeID int64

// Value is the valuation of a signal at one cycle. The engine only compares
// values for equality; it never interprets them.
//
// Bit-vectors wider than 64 bits do not fit a Value; a Snapshot keeps those in
// Wide instead.
type Value int64

// Snapshot is the valuation of a model at a single cycle.
//
// Model need not be exhaustive: absent signals take a default value, which
// depends on whether the signal is monitored or a shadow (see Policy). IsStart
// marks the first cycle of an execution; it is carried through untouched.
//
// Wide holds the signals whose value is out of the range of Value, as canonical
// decimal integers (no sign for positive values, no leading zeros). A signal is
// in Model or in Wide, never both. Monitored signals are compared across both
// maps; shadows only ever hold a Value.
type Snapshot struct {
	Model   map[NodeID]Value
	Wide    map[NodeID]string
	IsStart bool
}

// Clone returns a deep copy of s. Nil maps stay nil.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Model:   maps.Clone(s.Model),
		Wide:    maps.Clone(s.Wide),
		IsStart: s.IsStart,
	}
}

// lookup returns the value of id in s, or def if Model does not mention id.
func (s Snapshot) lookup(id NodeID, def Value) Value {
	if v, ok := s.Model[id]; ok {
		return v
	}
	return def
}

// A reading is the value of a monitored signal, narrow or wide. Readings are
// comparable; an absent signal reads as the zero reading, equal to Value 0.
type reading struct {
	v    Value
	wide string
}

// read returns the reading of id in s.
func (s Snapshot) read(id NodeID) reading {
	if v, ok := s.Model[id]; ok {
		return reading{v: v}
	}
	if w, ok := s.Wide[id]; ok {
		return reading{wide: w}
	}
	return reading{}
}

// Trace is an ordered sequence of snapshots (a clip). Its order is the order of
// cycles, so it must never be reordered.
type Trace []Snapshot

// Last returns the final snapshot of t, or false if t is empty.
func (t Trace) Last() (Snapshot, bool) {
	if len(t) == 0 {
		return Snapshot{}, false
	}
	return t[len(t)-1], true
}

// Clone returns a deep copy of t.
func (t Trace) Clone() Trace {
	if t == nil {
		return nil
	}
	c := make(Trace, len(t))
	for i := range t {
		c[i] = t[i].Clone()
	}
	return c
}

// sortedIDs returns the keys of m in ascending order.
func sortedIDs[V any](m map[NodeID]V) []NodeID {
	return slices.Sorted(maps.Keys(m))
}
