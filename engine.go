package divergence

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Annotate folds a clip into state and returns the annotated clip: a copy of
// clip in which every snapshot carries the latched value of every shadow signal
// of the state's pair table. All other signals and IsStart are copied as is.
//
// The snapshots of clip are not modified. On return, state reflects the whole
// clip and may seed the next clip directly, or be discarded in favour of Seed on
// the last returned snapshot; both are equivalent.
//
// An empty clip returns an empty clip and leaves state unchanged. An empty pair
// table returns a copy of clip.
func Annotate(ctx context.Context, state *LatchState, clip Trace) Trace {
	ctx, span := tracer.Start(ctx, "divergence.Annotate", trace.WithAttributes(
		attribute.Stringer("policy", state.policy),
		attribute.Int("pairs", state.pairs.Len()),
		attribute.Int("snapshots", len(clip)),
	))
	defer span.End()

	start := time.Now()
	out := make(Trace, len(clip))
	var settled int
	for i := range clip {
		out[i] = clip[i].Clone()
		settled += state.Observe(&out[i])
	}
	measureAnnotation(ctx, state.policy, len(clip), settled, time.Since(start))
	span.SetAttributes(attribute.Int("settled", settled))

	component.Logger(ctx).Debug("Annotated clip",
		slog.String("policy", state.policy.String()),
		slog.Int("snapshots", len(clip)),
		slog.Int("latched", settled),
		slog.Int("watching", state.Watching()),
	)
	return out
}
