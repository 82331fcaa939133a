package divergence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-divergence")
var meter = otel.Meter("github.com/go-digitaltwin/go-divergence")

const (
	// policyKey is the attribute key associating each record with the latching
	// policy of the annotated clip, so OR and AND clips can be analysed apart.
	policyKey = "policy"
)

var (
	// annotationDuration measures the duration of annotating a single clip.
	annotationDuration metric.Float64Histogram
	// annotatedSnapshots counts the snapshots folded by the engine.
	annotatedSnapshots metric.Int64Counter
	// latchedPairs counts the pairs that latched (i.e. diverged) while annotating.
	latchedPairs metric.Int64Counter
)

func init() {
	var err error
	annotationDuration, err = meter.Float64Histogram(
		"clip.annotate.duration",
		metric.WithDescription("The duration of annotating a single clip with shadow values."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("divergence: failed to init 'clip.annotate.duration' instrument")
	}

	annotatedSnapshots, err = meter.Int64Counter(
		"clip.snapshots",
		metric.WithDescription("The number of snapshots annotated with shadow values."),
	)
	if err != nil {
		panic("divergence: failed to init 'clip.snapshots' instrument")
	}

	latchedPairs, err = meter.Int64Counter(
		"clip.divergences",
		metric.WithDescription("The number of signal pairs that latched because their monitored signal diverged."),
	)
	if err != nil {
		panic("divergence: failed to init 'clip.divergences' instrument")
	}
}

// measureAnnotation records the instruments above for one annotated clip. Each
// record is labelled with the clip's policy.
func measureAnnotation(ctx context.Context, policy Policy, snapshots, settled int, d time.Duration) {
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String(policyKey, policy.String())))
	// Floating-point division keeps sub-millisecond precision for short clips.
	annotationDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	annotatedSnapshots.Add(ctx, int64(snapshots), attrs)
	latchedPairs.Add(ctx, int64(settled), attrs)
}
