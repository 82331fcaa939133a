package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/pairtable"
	"github.com/go-digitaltwin/go-divergence/tracefile"
)

func newORCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "or TRACE MAPPING OUT",
		Short: "Annotate a trace with latching OR shadows, starting fresh",
		Long: `Annotate a trace with latching OR shadows. Every shadow starts at 0 and
latches 1 once its monitored signal changes between consecutive snapshots.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return annotateFile(cmd.Context(), args[0], args[1], args[2], func(pairs divergence.PairTable) (*divergence.LatchState, error) {
				return divergence.NewLatchState(divergence.PolicyOR, pairs), nil
			})
		},
	}
}

func newANDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "and PREV TRACE MAPPING OUT",
		Short: "Annotate a trace with decaying AND shadows, continuing from a previous output",
		Long: `Annotate a trace with decaying AND shadows. The latch state is seeded from the
final snapshot of PREV, the annotated output of the previous clip. Every shadow
that has not yet decayed stays 1 until its monitored signal changes.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, err := readTrace(args[0])
			if err != nil {
				return fmt.Errorf("previous clip: %w", err)
			}
			return annotateFile(cmd.Context(), args[1], args[2], args[3], func(pairs divergence.PairTable) (*divergence.LatchState, error) {
				return divergence.Continue(divergence.PolicyAND, pairs, prev)
			})
		},
	}
}

// annotateFile annotates the trace at tracePath under the pair table at
// mappingPath and writes the result to outPath. The latch state is built by
// seed once the pair table is known.
func annotateFile(ctx context.Context, tracePath, mappingPath, outPath string, seed func(divergence.PairTable) (*divergence.LatchState, error)) error {
	logger := component.Logger(ctx)

	pairs, err := loadMapping(ctx, mappingPath)
	if err != nil {
		return err
	}
	trace, err := readTrace(tracePath)
	if err != nil {
		return err
	}
	state, err := seed(pairs)
	if err != nil {
		return err
	}

	out := divergence.Annotate(ctx, state, trace)
	if err := writeTrace(outPath, out); err != nil {
		return err
	}
	logger.Info("Annotated trace",
		slog.String("output", outPath),
		slog.String("policy", state.Policy().String()),
		slog.Int("pairs", pairs.Len()),
		slog.Int("snapshots", len(out)),
		slog.Int("settled", state.Settled()),
	)
	return nil
}

func loadMapping(ctx context.Context, path string) (divergence.PairTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return divergence.PairTable{}, fmt.Errorf("mapping: %w", err)
	}
	defer f.Close()
	pairs, report, err := pairtable.Load(ctx, f)
	if err != nil {
		return divergence.PairTable{}, fmt.Errorf("mapping %s: %w", path, err)
	}
	if err := report.Err(); err != nil {
		component.Logger(ctx).Debug("Discarded mapping entries", slog.String("mapping", path), slog.Any("problems", err))
	}
	return pairs, nil
}

func readTrace(path string) (divergence.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := tracefile.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func writeTrace(path string, t divergence.Trace) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if err := tracefile.Encode(f, t); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
