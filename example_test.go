package divergence_test

import (
	"context"
	"fmt"

	"github.com/go-digitaltwin/go-divergence"
)

// The monitored signal 10 flips on the third cycle. Under the OR policy its
// shadow 20 latches to 1 on that cycle and stays there, although signal 10
// flips back.
func ExampleAnnotate() {
	pairs := divergence.MustPairTable(divergence.SignalPair{Monitored: 10, Shadow: 20})
	clip := divergence.Trace{
		{Model: map[divergence.NodeID]divergence.Value{10: 0}, IsStart: true},
		{Model: map[divergence.NodeID]divergence.Value{10: 0}},
		{Model: map[divergence.NodeID]divergence.Value{10: 1}},
		{Model: map[divergence.NodeID]divergence.Value{10: 0}},
	}

	state := divergence.NewLatchState(divergence.PolicyOR, pairs)
	for _, snap := range divergence.Annotate(context.Background(), state, clip) {
		fmt.Println(snap.Model[10], snap.Model[20])
	}
	// Output:
	// 0 0
	// 0 0
	// 1 1
	// 0 1
}

// A second clip continues from the final snapshot of the first. Under the AND
// policy every shadow starts at 1 and decays to 0 once its signal changes.
func ExampleSeed() {
	pairs := divergence.MustPairTable(
		divergence.SignalPair{Monitored: 1, Shadow: 101},
		divergence.SignalPair{Monitored: 2, Shadow: 102},
	)
	ctx := context.Background()

	first := divergence.Annotate(ctx, divergence.NewLatchState(divergence.PolicyAND, pairs), divergence.Trace{
		{Model: map[divergence.NodeID]divergence.Value{1: 1, 2: 0}},
	})
	last, _ := first.Last()
	fmt.Println("first:", last.Model[101], last.Model[102])

	second := divergence.Annotate(ctx, divergence.Seed(divergence.PolicyAND, pairs, &last), divergence.Trace{
		{Model: map[divergence.NodeID]divergence.Value{1: 1, 2: 1}},
	})
	fmt.Println("second:", second[0].Model[101], second[0].Model[102])
	// Output:
	// first: 0 1
	// second: 0 0
}
