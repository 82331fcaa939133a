package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-divergence/journal"
)

// ClipReady requests the annotation of the next clip of a session, whose input
// was just stored in the bucket.
type ClipReady struct {
	// Session is the prefix of the session the clip belongs to.
	Session string
	// Journal overrides the key of the session journal (see Config.Journal).
	Journal string
	Clip    Clip
}

// ClipAnnotated notifies that a clip of a session was annotated and stored.
// Consecutive notifications of a session chain through their Baseline and Tail
// hashes (see package journal).
type ClipAnnotated struct {
	Session string
	journal.Entry
}

// HandleClipReady annotates the clip requested by ready, continuing the session
// recorded in the bucket. A clip the journal already records is not annotated
// again, so redelivered requests are harmless.
func (r *Runner) HandleClipReady(ctx context.Context, ready ClipReady) error {
	ctx, span := tracer.Start(ctx, "session.handleClipReady", trace.WithAttributes(
		attribute.String("session", ready.Session),
		attribute.String("clip", ready.Clip.Name),
	))
	defer span.End()

	cfg := Config{
		Prefix:   ready.Session,
		Journal:  ready.Journal,
		Prefetch: 1,
		Resume:   true,
		Clips:    []Clip{ready.Clip},
	}
	if _, err := r.Run(ctx, cfg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Serve returns a component.Proc that annotates the clips requested by the
// ClipReady messages received from sub, one message at a time.
//
// The proc stops on the first message it cannot decode or annotate, and records
// the error in failure (which may be nil). A session that cannot continue, such
// as an AND clip with nothing to decay from, is such an error.
func (r *Runner) Serve(sub *pubsub.Subscription, failure *Failure) component.Proc {
	source := NewEventSource(sub, ClipReady{})
	return source.Stream(func(ctx context.Context, msg any) error {
		return r.HandleClipReady(ctx, msg.(ClipReady))
	}, failure)
}

// EventSource wraps a pubsub subscription and decodes incoming gob messages
// into typed events.
type EventSource struct {
	subscription *pubsub.Subscription
	eventType    reflect.Type
	decoder      func(p []byte, v reflect.Value) error
}

// NewEventSource returns an EventSource decoding the messages of sub into
// values of the same type as event.
func NewEventSource(sub *pubsub.Subscription, event any) EventSource {
	return EventSource{
		subscription: sub,
		eventType:    reflect.TypeOf(event),
		decoder: func(p []byte, v reflect.Value) error {
			return gob.NewDecoder(bytes.NewReader(p)).DecodeValue(v)
		},
	}
}

// EventHandler is a function that processes a decoded event message.
type EventHandler func(ctx context.Context, msg any) error

// Stream returns a component.Proc that passes every event received from the
// subscription to h. Messages are acknowledged before they are handled, so a
// message that stops the proc is not redelivered to the next one.
//
// The proc returns once its context is done or the subscription is shut down.
// Any other error stops it and is recorded in failure.
func (s EventSource) Stream(h EventHandler, failure *Failure) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := s.subscription.Receive(l.GraceContext())
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			case gcerrors.Code(err) == gcerrors.FailedPrecondition:
				logger.Info("Subscription shut down; stopping", slog.String("event", s.eventType.Name()))
				return
			default:
				failure.fatal(l, fmt.Errorf("receive %s: %w", s.eventType.Name(), err))
			}
			msg.Ack()

			v := reflect.New(s.eventType)
			if err := s.decoder(msg.Body, v); err != nil {
				failure.fatal(l, fmt.Errorf("decode %s: %w", s.eventType.Name(), err))
			}
			if err := h(l.Context(), v.Elem().Interface()); err != nil {
				failure.fatal(l, fmt.Errorf("handle %s: %w", s.eventType.Name(), err))
			}
		}
	}
}

// Failure records the error that stopped a proc, so that whoever ran the proc
// can report it. The zero value is ready to use; a nil *Failure records nothing.
//
// Failure is safe for concurrent use.
type Failure struct {
	mu  sync.Mutex
	err error
}

// Err returns the first recorded error, or nil if the proc was not stopped by
// an error.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fatal records err, logs it and terminates the lifecycle of l. It must be
// called from the goroutine running l.
func (f *Failure) fatal(l *component.L, err error) {
	if f != nil {
		f.mu.Lock()
		if f.err == nil {
			f.err = err
		}
		f.mu.Unlock()
	}
	component.Logger(l.Context()).Error("Stopped on error", slog.Any("error", err))
	l.Fatal(err)
}

// decodeEvent decodes a gob message body into a value of type T.
func decodeEvent[T any](body []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&v); err != nil {
		return v, fmt.Errorf("decode gob: %w", err)
	}
	return v, nil
}
