package divergence

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
)

// ErrConflictingPair is returned by NewPairTable when two pairs share a
// monitored signal or a shadow signal.
var ErrConflictingPair = errors.New("conflicting signal pair")

// SignalPair associates a monitored signal with the shadow signal that records
// its divergence.
type SignalPair struct {
	Monitored NodeID
	Shadow    NodeID
}

func (p SignalPair) String() string {
	return fmt.Sprintf("(%d->%d)", p.Monitored, p.Shadow)
}

// PairTable is the immutable set of signal pairs of one checking session.
//
// The zero value is an empty table. An empty table annotates nothing: traces
// pass through the engine unchanged.
type PairTable struct {
	pairs   []SignalPair // sorted by Monitored
	shadows map[NodeID]struct{}
}

// NewPairTable returns a table holding the given pairs. Repeated pairs collapse
// into one. It fails with ErrConflictingPair if a monitored signal maps to two
// different shadows, or if a shadow records two different monitored signals.
func NewPairTable(pairs ...SignalPair) (PairTable, error) {
	var (
		byMonitored = make(map[NodeID]NodeID, len(pairs))
		byShadow    = make(map[NodeID]NodeID, len(pairs))
		unique      = make([]SignalPair, 0, len(pairs))
	)
	for _, p := range pairs {
		if shadow, ok := byMonitored[p.Monitored]; ok {
			if shadow == p.Shadow {
				continue
			}
			return PairTable{}, fmt.Errorf("%w: monitored %d maps to shadows %d and %d", ErrConflictingPair, p.Monitored, shadow, p.Shadow)
		}
		if monitored, ok := byShadow[p.Shadow]; ok {
			return PairTable{}, fmt.Errorf("%w: shadow %d records monitored %d and %d", ErrConflictingPair, p.Shadow, monitored, p.Monitored)
		}
		byMonitored[p.Monitored] = p.Shadow
		byShadow[p.Shadow] = p.Monitored
		unique = append(unique, p)
	}

	slices.SortFunc(unique, func(a, b SignalPair) int {
		return cmp.Compare(a.Monitored, b.Monitored)
	})
	shadows := make(map[NodeID]struct{}, len(unique))
	for _, p := range unique {
		shadows[p.Shadow] = struct{}{}
	}
	return PairTable{pairs: unique, shadows: shadows}, nil
}

// MustPairTable is like NewPairTable but panics on conflicts. It simplifies
// initialisation of tables known at compile time.
func MustPairTable(pairs ...SignalPair) PairTable {
	t, err := NewPairTable(pairs...)
	if err != nil {
		panic("divergence: " + err.Error())
	}
	return t
}

// Len returns the number of pairs in t.
func (t PairTable) Len() int { return len(t.pairs) }

// Pairs returns a copy of the pairs in t, ordered by monitored signal.
func (t PairTable) Pairs() []SignalPair {
	return slices.Clone(t.pairs)
}

// All iterates over the pairs in t, ordered by monitored signal.
func (t PairTable) All() iter.Seq[SignalPair] {
	return slices.Values(t.pairs)
}

// IsShadow reports whether id is the shadow signal of some pair in t.
func (t PairTable) IsShadow(id NodeID) bool {
	_, ok := t.shadows[id]
	return ok
}

// ShadowOf returns the shadow signal recording the given monitored signal.
func (t PairTable) ShadowOf(monitored NodeID) (NodeID, bool) {
	i, ok := slices.BinarySearchFunc(t.pairs, monitored, func(p SignalPair, id NodeID) int {
		return cmp.Compare(p.Monitored, id)
	})
	if !ok {
		return 0, false
	}
	return t.pairs[i].Shadow, true
}
