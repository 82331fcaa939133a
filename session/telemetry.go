package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-divergence/session")
var meter = otel.Meter("github.com/go-digitaltwin/go-divergence/session")

const (
	// policyKey labels each record with the policy of the clip.
	policyKey = "policy"
	// successKey labels each record with the outcome of running the clip, so
	// failures can be told apart from slow clips.
	successKey = "success"
	// continuedKey labels each record with whether the clip continued from the
	// tail of an earlier clip.
	continuedKey = "continued"
)

var (
	// clipDuration measures the duration of running a single clip: loading its
	// input, annotating it, and storing its output and the journal.
	clipDuration metric.Float64Histogram
)

func init() {
	var err error
	clipDuration, err = meter.Float64Histogram(
		"session.clip.duration",
		metric.WithDescription("The duration of running a single clip of a checking session."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("session: failed to init 'session.clip.duration' instrument")
	}
}

func measureClip(ctx context.Context, clip Clip, continued, success bool, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String(policyKey, clip.Policy.String()),
		attribute.Bool(continuedKey, continued),
		attribute.Bool(successKey, success),
	)
	clipDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
