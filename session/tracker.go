package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"

	"github.com/danielorbach/go-component"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-divergence/journal"
)

// Tracker keeps the latest ClipAnnotated notification of every session it
// observes, and checks that consecutive clips of a session chain.
//
// Tracker is safe for concurrent use. The zero value is ready to use.
type Tracker struct {
	mu     sync.Mutex
	latest map[string]ClipAnnotated
	// tails holds the last non-empty clip of every session; empty clips do not
	// move the tail.
	tails map[string]ClipAnnotated
}

// Find returns the latest notification of the given session. If no clip of the
// session was observed, Find indicates that by returning ok == false.
func (t *Tracker) Find(session string) (ev ClipAnnotated, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok = t.latest[session]
	return ev, ok
}

// Iter iterates over a snapshot of the observed sessions and their latest
// notification, in no particular order.
func (t *Tracker) Iter() iter.Seq2[string, ClipAnnotated] {
	t.mu.Lock()
	m := maps.Clone(t.latest)
	t.mu.Unlock()
	return maps.All(m)
}

// Update records ev as the latest notification of its session. If ev continues
// from a tail other than the one last observed for the session, Update rejects
// it with an error wrapping journal.ErrBrokenChain and leaves the tracker
// unchanged.
func (t *Tracker) Update(ev ClipAnnotated) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		t.latest = make(map[string]ClipAnnotated)
		t.tails = make(map[string]ClipAnnotated)
	}

	if prev, ok := t.tails[ev.Session]; ok && ev.Continued && ev.Baseline != prev.Tail {
		return fmt.Errorf("%w: session %q: clip %q continues from %v, last tail %v (clip %q)",
			journal.ErrBrokenChain, ev.Session, ev.Clip, ev.Baseline, prev.Tail, prev.Clip)
	}
	t.latest[ev.Session] = ev
	if !ev.Empty() {
		t.tails[ev.Session] = ev
	}
	return nil
}

// Track returns a component.Proc that tracks the ClipAnnotated notifications
// received from source and keeps the given Tracker up to date.
//
// The proc stops on the first discontinuity: a clip that does not continue from
// the tail last observed for its session means notifications were lost or a
// session was rerun from a different state. The discontinuity, or a
// notification that cannot be decoded, is recorded in failure (which may be
// nil).
func Track(t *Tracker, source *pubsub.Subscription, failure *Failure) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := source.Receive(l.GraceContext())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if gcerrors.Code(err) == gcerrors.FailedPrecondition {
					logger.Info("Subscription shut down; stopping tracking")
					return
				}
				l.Errorf("receive: %v", err)
				continue
			}
			ev, err := decodeEvent[ClipAnnotated](msg.Body)
			if err != nil {
				failure.fatal(l, fmt.Errorf("clip notification: %w", err))
			}

			if err := t.Update(ev); err != nil {
				failure.fatal(l, err)
			}
			logger.Info("Tracked annotated clip",
				slog.String("session", ev.Session),
				slog.String("clip", ev.Clip),
				slog.String("policy", ev.Policy.String()),
				slog.Int("settled", ev.Settled),
				slog.Any("tail", ev.Tail),
			)
			msg.Ack()
		}
	}
}
