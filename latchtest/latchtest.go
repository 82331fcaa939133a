/*
Package latchtest provides a suite of tests designed to assess implementations
of the divergence latch engine (e.g. the batch divergence.Annotate, or the
streaming LatchState.Stream).

The tests operate on the implementation through an AnnotateFunc to check
functional correctness and compliance with the behaviours defined by the
divergence package:

	func TestAnnotate(t *testing.T) {
		latchtest.Run(t, divergence.Annotate)
	}

The test cases in this suite focus on the observable contract of the engine:

  - Latching under both policies, including the first snapshot of fresh runs.
  - Defaults for absent monitored and shadow signals.
  - Continuity across clips, including composability with a single long clip.
  - Pass-through of everything that is not a shadow signal.

Implementations are encouraged to perform additional tests which are specific
to the way they consume and produce snapshots.
*/
package latchtest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-divergence"
)

// AnnotateFunc annotates a clip under the given state, advancing the state, and
// returns the annotated clip. It must not modify the given clip.
type AnnotateFunc func(ctx context.Context, state *divergence.LatchState, clip divergence.Trace) divergence.Trace

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	policy   divergence.Policy
	pairs    []divergence.SignalPair
	// The final snapshot of the previous clip; nil for a fresh run.
	seed *divergence.Snapshot
	clip divergence.Trace
	// A list of checks to run on the annotated clip.
	checks []check
}

// snap is shorthand for a snapshot that is not the start of an execution.
func snap(kv ...divergence.Value) divergence.Snapshot {
	if len(kv)%2 != 0 {
		panic("latchtest: odd number of arguments to snap")
	}
	m := make(map[divergence.NodeID]divergence.Value, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[divergence.NodeID(kv[i])] = kv[i+1]
	}
	return divergence.Snapshot{Model: m}
}

func seed(kv ...divergence.Value) *divergence.Snapshot {
	s := snap(kv...)
	return &s
}

var single = []divergence.SignalPair{{Monitored: 10, Shadow: 20}}

// wideMax is the largest 128-bit value, out of the range of divergence.Value.
const wideMax = "340282366920938463463374607431768211455"

var cases = []testCase{
	{
		name:     "or-single-clip",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip:     divergence.Trace{snap(10, 0), snap(10, 0), snap(10, 1), snap(10, 1)},
		checks: []check{
			shadows(20, 0, 0, 1, 1),
			monotone(),
			passThrough(),
			finalState(0, map[divergence.NodeID]divergence.Value{20: 1}),
		},
	},
	{
		name:     "or-wide-values",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip: divergence.Trace{
			{Wide: map[divergence.NodeID]string{10: wideMax, 11: wideMax}},
			{Wide: map[divergence.NodeID]string{10: wideMax, 11: "-" + wideMax}},
			{Wide: map[divergence.NodeID]string{10: "18446744073709551616"}},
		},
		checks: []check{
			shadows(20, 0, 0, 1),
			monotone(),
			passThrough(),
			finalState(0, map[divergence.NodeID]divergence.Value{20: 1}),
		},
	},
	{
		name:     "and-continued",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    single,
		seed:     seed(10, 5, 20, 1),
		clip:     divergence.Trace{snap(10, 5), snap(10, 6), snap(10, 6)},
		checks: []check{
			shadows(20, 1, 0, 0),
			monotone(),
			passThrough(),
			finalState(0, map[divergence.NodeID]divergence.Value{20: 0}),
		},
	},
	{
		name:     "or-empty-table",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		clip:     divergence.Trace{snap(10, 0, 20, 7), snap(10, 1), {IsStart: true}},
		checks:   []check{unchanged()},
	},
	{
		name:     "and-empty-table",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		seed:     seed(10, 1),
		clip:     divergence.Trace{snap(10, 0, 20, 7), snap(10, 1)},
		checks:   []check{unchanged()},
	},
	{
		name:     "absent-monitored-reads-zero",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip:     divergence.Trace{snap(), snap(10, 0), snap(11, 4), snap(10, 1)},
		checks: []check{
			shadows(20, 0, 0, 0, 1),
			passThrough(),
		},
	},
	{
		name:     "absent-shadow-seed-and",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    single,
		seed:     seed(10, 3),
		clip:     divergence.Trace{snap(10, 3), snap(10, 3)},
		checks: []check{
			shadows(20, 1, 1),
			finalState(1, map[divergence.NodeID]divergence.Value{20: 1}),
		},
	},
	{
		name:     "absent-shadow-seed-or",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		seed:     seed(10, 3),
		clip:     divergence.Trace{snap(10, 3), snap(10, 3)},
		checks: []check{
			shadows(20, 0, 0),
			finalState(1, map[divergence.NodeID]divergence.Value{20: 0}),
		},
	},
	{
		name:     "or-first-snapshot-never-latches",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip:     divergence.Trace{snap(10, 7), snap(10, 7)},
		checks: []check{
			shadows(20, 0, 0),
			finalState(1, map[divergence.NodeID]divergence.Value{20: 0}),
		},
	},
	{
		name:     "and-fresh-assumes-zero",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    []divergence.SignalPair{{Monitored: 1, Shadow: 101}, {Monitored: 2, Shadow: 102}},
		clip:     divergence.Trace{snap(1, 1, 2, 0), snap(1, 1, 2, 0)},
		checks: []check{
			shadows(101, 0, 0),
			shadows(102, 1, 1),
			monotone(),
		},
	},
	{
		name:     "or-continued-settled-stays",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		seed:     seed(10, 1, 20, 1),
		clip:     divergence.Trace{snap(10, 1), snap(10, 1)},
		checks: []check{
			shadows(20, 1, 1),
			finalState(0, map[divergence.NodeID]divergence.Value{20: 1}),
		},
	},
	{
		name:     "and-continued-settled-never-reopens",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    single,
		seed:     seed(10, 0, 20, 0),
		clip:     divergence.Trace{snap(10, 0), snap(10, 0)},
		checks: []check{
			shadows(20, 0, 0),
			finalState(0, map[divergence.NodeID]divergence.Value{20: 0}),
		},
	},
	{
		name:     "or-change-across-boundary",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		seed:     seed(10, 0, 20, 0),
		clip:     divergence.Trace{snap(10, 1)},
		checks: []check{
			shadows(20, 1),
		},
	},
	{
		name:     "revert-keeps-latch",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip:     divergence.Trace{snap(10, 0), snap(10, 1), snap(10, 0), snap(10, 0)},
		checks: []check{
			shadows(20, 0, 1, 1, 1),
			monotone(),
		},
	},
	{
		name:     "independent-pairs",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    []divergence.SignalPair{{Monitored: 1, Shadow: 101}, {Monitored: 2, Shadow: 102}},
		clip:     divergence.Trace{snap(1, 0, 2, 0), snap(1, 1, 2, 0), snap(1, 1, 2, 1)},
		checks: []check{
			shadows(101, 0, 1, 1),
			shadows(102, 0, 0, 1),
			monotone(),
			finalState(0, map[divergence.NodeID]divergence.Value{101: 1, 102: 1}),
		},
	},
	{
		name:     "overwrites-stale-shadows",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		clip:     divergence.Trace{snap(10, 0, 20, 9), snap(10, 0, 20, 1)},
		checks: []check{
			shadows(20, 0, 0),
		},
	},
	{
		name:     "keeps-start-markers-and-signals",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    single,
		seed:     seed(10, 0, 20, 1),
		clip: divergence.Trace{
			{IsStart: true, Model: map[divergence.NodeID]divergence.Value{10: 0, 30: 4, 31: 5}},
			{Model: map[divergence.NodeID]divergence.Value{30: 3}},
			{IsStart: true},
		},
		checks: []check{
			shadows(20, 1, 1, 1),
			passThrough(),
		},
	},
	{
		name:     "opaque-values",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    single,
		seed:     seed(10, -3, 20, 1),
		clip:     divergence.Trace{snap(10, -3), snap(10, 1<<40)},
		checks: []check{
			shadows(20, 1, 0),
		},
	},
	{
		name:     "empty-clip",
		location: locateSource(),
		policy:   divergence.PolicyOR,
		pairs:    single,
		seed:     seed(10, 2, 20, 0),
		clip:     divergence.Trace{},
		checks: []check{
			shadows(20),
			finalState(1, map[divergence.NodeID]divergence.Value{20: 0}),
		},
	},
	{
		name:     "constant-signals-keep-seed",
		location: locateSource(),
		policy:   divergence.PolicyAND,
		pairs:    []divergence.SignalPair{{Monitored: 1, Shadow: 101}, {Monitored: 2, Shadow: 102}},
		seed:     seed(1, 4, 101, 1, 2, 4, 102, 0),
		clip:     divergence.Trace{snap(1, 4, 2, 4), snap(1, 4, 2, 4), snap(1, 4, 2, 4)},
		checks: []check{
			shadows(101, 1, 1, 1),
			shadows(102, 0, 0, 0),
		},
	},
}

// Run executes every test-case of the suite with the given AnnotateFunc, then
// checks that annotating two consecutive clips composes like annotating their
// concatenation.
//
// Each test-case runs on its own LatchState, built with divergence.Seed from the
// case's seed snapshot.
func Run(t *testing.T, annotate AnnotateFunc) {
	t.Helper()

	// The suite checks correctness, not performance; implementations should not
	// depend on context values.
	ctx := context.Background()

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// We encourage developers to read the source code directly, especially when
			// failures are not clear enough.
			t.Logf("Read the source for test-case %v at %v", c.name, c.location)

			pairs, err := divergence.NewPairTable(c.pairs...)
			if err != nil {
				t.Fatalf("NewPairTable(%v): %v", c.pairs, err)
			}
			state := divergence.Seed(c.policy, pairs, c.seed)

			in := c.clip.Clone()
			out := annotate(ctx, state, in)
			if diff := cmp.Diff(c.clip, in); diff != "" {
				t.Errorf("Annotate modified its input (-before +after):\n%v", diff)
			}
			for _, check := range c.checks {
				if problem := check(outcome{in: c.clip, out: out, state: state}); problem != "" {
					t.Error(problem)
				}
			}
		})
	}

	t.Run("composability", func(t *testing.T) {
		for _, policy := range []divergence.Policy{divergence.PolicyOR, divergence.PolicyAND} {
			t.Run(policy.String(), func(t *testing.T) {
				testComposability(t, annotate, policy)
			})
		}
	})
}

// testComposability annotates random clips C1 and C2 twice: once as two clips,
// C2 continued from the annotated tail of C1, and once as the single clip C1++C2.
// Both runs must produce identical snapshots.
func testComposability(t *testing.T, annotate AnnotateFunc, policy divergence.Policy) {
	ctx := context.Background()
	// A fixed seed keeps failures reproducible.
	r := rand.New(rand.NewPCG(0xd1ff, uint64(policy)))

	pairs := divergence.MustPairTable(
		divergence.SignalPair{Monitored: 1, Shadow: 101},
		divergence.SignalPair{Monitored: 2, Shadow: 102},
		divergence.SignalPair{Monitored: 3, Shadow: 103},
	)

	for round := range 50 {
		c1 := randomClip(r, 1+r.IntN(8))
		c2 := randomClip(r, r.IntN(8))
		whole := append(c1.Clone(), c2.Clone()...)

		out1 := annotate(ctx, divergence.NewLatchState(policy, pairs), c1)
		state, err := divergence.Continue(policy, pairs, out1)
		if err != nil {
			t.Fatalf("round %d: Continue: %v", round, err)
		}
		out2 := annotate(ctx, state, c2)
		outWhole := annotate(ctx, divergence.NewLatchState(policy, pairs), whole)

		got := append(out1, out2...)
		if diff := cmp.Diff(outWhole, got); diff != "" {
			t.Fatalf("round %d: clips do not compose (-whole +split):\n%v", round, diff)
		}
	}
}

// randomClip returns n snapshots over signals 1 to 3 and an unrelated signal 9.
// Values are drawn from a small range so that both changes and long constant
// runs are likely. Signals are sometimes absent.
func randomClip(r *rand.Rand, n int) divergence.Trace {
	clip := make(divergence.Trace, n)
	for i := range clip {
		m := make(map[divergence.NodeID]divergence.Value)
		for _, id := range []divergence.NodeID{1, 2, 3, 9} {
			if r.IntN(5) == 0 {
				continue
			}
			if r.IntN(4) == 0 {
				m[id] = divergence.Value(r.IntN(2))
			} else {
				m[id] = 0
			}
		}
		clip[i] = divergence.Snapshot{Model: m, IsStart: i == 0}
	}
	return clip
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of latch engines to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
