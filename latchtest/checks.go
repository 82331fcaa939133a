package latchtest

import (
	"fmt"
	"maps"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/go-divergence"
)

// An outcome is everything a check may inspect after annotating a clip.
type outcome struct {
	in    divergence.Trace
	out   divergence.Trace
	state *divergence.LatchState
}

// A check is any function that returns unexpected problems with the given
// outcome.
type check func(outcome) (problem string)

// Checks that the given shadow signal reads exactly the wanted values, one per
// annotated snapshot.
func shadows(shadow divergence.NodeID, want ...divergence.Value) check {
	return func(o outcome) string {
		if len(o.out) != len(want) {
			return fmt.Sprintf("len(out) = %v, want %v", len(o.out), len(want))
		}
		if len(want) == 0 {
			return ""
		}
		got := make([]divergence.Value, len(o.out))
		for i, snap := range o.out {
			v, ok := snap.Model[shadow]
			if !ok {
				return fmt.Sprintf("out[%d] lacks shadow %d", i, shadow)
			}
			got[i] = v
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Sprintf("shadow %d mismatch (-want +got):\n%v", shadow, diff)
		}
		return ""
	}
}

// Checks that the annotated clip equals the input clip; an empty pair table
// annotates nothing.
func unchanged() check {
	return func(o outcome) string {
		if diff := cmp.Diff(o.in, o.out); diff != "" {
			return fmt.Sprintf("out differs from in (-in +out):\n%v", diff)
		}
		return ""
	}
}

// Checks that IsStart and every signal that is not a shadow, narrow or wide, are
// copied as is, and that nothing but shadows is added.
func passThrough() check {
	return func(o outcome) string {
		if len(o.out) != len(o.in) {
			return fmt.Sprintf("len(out) = %v, want %v", len(o.out), len(o.in))
		}
		pairs := o.state.Pairs()
		for i := range o.in {
			if o.in[i].IsStart != o.out[i].IsStart {
				return fmt.Sprintf("out[%d].IsStart = %v, want %v", i, o.out[i].IsStart, o.in[i].IsStart)
			}
			want := maps.Clone(o.in[i].Model)
			got := maps.Clone(o.out[i].Model)
			maps.DeleteFunc(want, func(id divergence.NodeID, _ divergence.Value) bool { return pairs.IsShadow(id) })
			maps.DeleteFunc(got, func(id divergence.NodeID, _ divergence.Value) bool { return pairs.IsShadow(id) })
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				return fmt.Sprintf("out[%d] non-shadow signals differ (-in +out):\n%v", i, diff)
			}
			for id, w := range o.in[i].Wide {
				if pairs.IsShadow(id) {
					continue
				}
				if o.out[i].Wide[id] != w {
					return fmt.Sprintf("out[%d] wide signal %d = %q, want %q", i, id, o.out[i].Wide[id], w)
				}
			}
		}
		return ""
	}
}

// Checks that once a shadow reads the policy's settled value, it reads that
// value in every later snapshot.
func monotone() check {
	return func(o outcome) string {
		policy := o.state.Policy()
		for p := range o.state.Pairs().All() {
			latched := false
			for i, snap := range o.out {
				v := snap.Model[p.Shadow]
				if latched && v != policy.Settled() {
					return fmt.Sprintf("out[%d] shadow %d = %v after latching to %v", i, p.Shadow, v, policy.Settled())
				}
				latched = latched || v == policy.Settled()
			}
		}
		return ""
	}
}

// Checks the state left behind after the clip: how many pairs still watch, and
// the final value of every shadow.
func finalState(watching int, values map[divergence.NodeID]divergence.Value) check {
	return func(o outcome) string {
		if got := o.state.Watching(); got != watching {
			return fmt.Sprintf("Watching() = %v, want %v", got, watching)
		}
		if diff := cmp.Diff(values, o.state.Shadows()); diff != "" {
			return fmt.Sprintf("Shadows() mismatch (-want +got):\n%v", diff)
		}
		return ""
	}
}
