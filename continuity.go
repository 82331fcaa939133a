package divergence

import "errors"

// ErrMissingContinuity reports that a clip needs the output of a previous clip
// to seed its state, but there is none.
var ErrMissingContinuity = errors.New("missing previous clip to continue from")

// Seed rebuilds the state of a session from the final annotated snapshot of the
// previous clip. A nil prev means there is no previous clip and yields the fresh
// state of NewLatchState.
//
// For every pair the preceding monitored value is read from prev (0 if absent)
// and the shadow value is read from prev (the policy's initial value if absent
// or wide).
// A pair whose shadow already holds the policy's settled value starts settled,
// so continuity never reopens a latched pair.
func Seed(policy Policy, pairs PairTable, prev *Snapshot) *LatchState {
	s := NewLatchState(policy, pairs)
	if prev == nil {
		return s
	}

	s.primed = true
	s.watching = s.watching[:0]
	for i, p := range pairs.pairs {
		s.previous[p.Monitored] = prev.read(p.Monitored)
		v := prev.lookup(p.Shadow, policy.Initial())
		s.latched[p.Shadow] = v
		if v != policy.Settled() {
			s.watching = append(s.watching, i)
		}
	}
	return s
}

// Continue seeds the state of a clip from the annotated output of the previous
// clip.
//
// An empty previous clip carries no final snapshot. Under PolicyOR the clip
// then starts fresh; under PolicyAND there is nothing valid to decay from and
// Continue returns ErrMissingContinuity.
func Continue(policy Policy, pairs PairTable, prevClip Trace) (*LatchState, error) {
	last, ok := prevClip.Last()
	if !ok {
		if policy == PolicyAND {
			return nil, ErrMissingContinuity
		}
		return NewLatchState(policy, pairs), nil
	}
	return Seed(policy, pairs, &last), nil
}
