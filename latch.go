package divergence

import (
	"iter"
	"maps"
)

// LatchState carries the divergence fold of one checking session across the
// snapshots of a clip, and from one clip to the next.
//
// Every pair is either watching (its shadow may still latch) or settled (its
// shadow is fixed for the rest of the session). A settled pair never returns to
// watching. The state also remembers the last observed value of every monitored
// signal, regardless of settlement, so that a continued session compares the
// first snapshot of a clip against the last snapshot of the previous one.
//
// A LatchState is not safe for concurrent use; folds are sequential by nature.
type LatchState struct {
	policy Policy
	pairs  PairTable

	latched  map[NodeID]Value // shadow -> current value
	previous map[NodeID]reading // monitored -> last observed value
	// primed is false until the fold has a preceding value to compare against.
	// Only a fresh PolicyOR state starts unprimed.
	primed bool
	// watching indexes pairs.pairs; settled pairs are dropped and never revisited.
	watching []int
}

// NewLatchState returns the fresh state of a session that has no previous clip.
//
// Under PolicyOR all shadows start at 0 and the first observed snapshot only
// seeds the preceding values. Under PolicyAND all shadows start at 1 and every
// monitored signal is assumed to have been 0 before the first snapshot.
func NewLatchState(policy Policy, pairs PairTable) *LatchState {
	s := &LatchState{
		policy:   policy,
		pairs:    pairs,
		latched:  make(map[NodeID]Value, pairs.Len()),
		previous: make(map[NodeID]reading, pairs.Len()),
		watching: make([]int, pairs.Len()),
	}
	for i, p := range pairs.pairs {
		s.latched[p.Shadow] = policy.Initial()
		s.watching[i] = i
	}
	if policy == PolicyAND {
		for _, p := range pairs.pairs {
			s.previous[p.Monitored] = reading{}
		}
		s.primed = true
	}
	return s
}

// Policy returns the latching policy of s.
func (s *LatchState) Policy() Policy { return s.policy }

// Pairs returns the pair table s annotates.
func (s *LatchState) Pairs() PairTable { return s.pairs }

// Value returns the current value of the given shadow signal.
func (s *LatchState) Value(shadow NodeID) (Value, bool) {
	v, ok := s.latched[shadow]
	return v, ok
}

// Shadows returns a copy of the current value of every shadow signal.
func (s *LatchState) Shadows() map[NodeID]Value {
	return maps.Clone(s.latched)
}

// IsSettled reports whether the pair recorded by the given shadow has latched.
func (s *LatchState) IsSettled(shadow NodeID) bool {
	v, ok := s.latched[shadow]
	return ok && v == s.policy.Settled()
}

// Watching returns the number of pairs whose shadow may still latch.
func (s *LatchState) Watching() int { return len(s.watching) }

// Settled returns the number of pairs whose shadow has latched.
func (s *LatchState) Settled() int { return s.pairs.Len() - len(s.watching) }

// Observe folds a single snapshot into s and writes the value of every shadow
// signal into snap.Model, overwriting previous entries of Model and Wide. It
// returns the number of pairs that latched on this snapshot.
//
// A pair latches when its monitored value differs from the value observed on
// the preceding snapshot, wide values included; absent monitored signals read
// as 0. With an empty
// pair table Observe leaves snap untouched.
func (s *LatchState) Observe(snap *Snapshot) (settled int) {
	if s.pairs.Len() == 0 {
		return 0
	}

	if s.primed {
		to := s.policy.Settled()
		keep := s.watching[:0]
		for _, i := range s.watching {
			p := s.pairs.pairs[i]
			if snap.read(p.Monitored) != s.previous[p.Monitored] {
				s.latched[p.Shadow] = to
				settled++
				continue
			}
			keep = append(keep, i)
		}
		s.watching = keep
	}
	s.primed = true

	for _, p := range s.pairs.pairs {
		s.previous[p.Monitored] = snap.read(p.Monitored)
	}

	if snap.Model == nil {
		snap.Model = make(map[NodeID]Value, len(s.latched))
	}
	for shadow, v := range s.latched {
		snap.Model[shadow] = v
		delete(snap.Wide, shadow)
	}
	return settled
}

// Stream annotates snapshots one at a time as they are pulled from seq. Each
// yielded snapshot is a copy; the snapshots of seq are not modified.
//
// Stream is equivalent to Annotate without holding the clip in memory. The
// state advances as the returned sequence is consumed, so it must be consumed
// at most once.
func (s *LatchState) Stream(seq iter.Seq[Snapshot]) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for snap := range seq {
			out := snap.Clone()
			s.Observe(&out)
			if !yield(out) {
				return
			}
		}
	}
}
