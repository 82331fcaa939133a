package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/internal/blobtest"
)

// sendEvent publishes v as a gob message on topic.
func sendEvent(t *testing.T, topic *pubsub.Topic, v any) {
	t.Helper()
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		t.Fatalf("Failed to encode %T: %v", v, err)
	}
	if err := topic.Send(context.Background(), &pubsub.Message{Body: b.Bytes()}); err != nil {
		t.Fatalf("Failed to send %T: %v", v, err)
	}
}

// receiveEvent waits for the next gob message of sub and decodes it.
func receiveEvent[T any](t *testing.T, sub *pubsub.Subscription) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Failed to receive %T: %v", *new(T), err)
	}
	msg.Ack()
	v, err := decodeEvent[T](msg.Body)
	if err != nil {
		t.Fatalf("Failed to decode %T: %v", v, err)
	}
	return v
}

// runProc runs proc under ctx in the background. The returned channel is closed
// once the proc completes.
func runProc(ctx context.Context, proc component.Proc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		component.RunProc(proc, component.WithContext(ctx))
	}()
	return done
}

// awaitProc fails the test if the proc does not complete in time.
func awaitProc(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Proc did not complete in time")
	}
}

func TestHandleClipReady(t *testing.T) {
	ctx := context.Background()
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0), snap(1, 1)})
	blobtest.WriteTrace(t, b, "c2.yaml", divergence.Trace{snap(1, 1), snap(2, 1)})

	r := Runner{Bucket: b, Pairs: pairs}

	// Nothing to continue from yet.
	err := r.HandleClipReady(ctx, ClipReady{Session: "s", Clip: clip("c2", divergence.PolicyAND)})
	if !errors.Is(err, divergence.ErrMissingContinuity) {
		t.Fatalf("HandleClipReady(and first) error = %v, want %v", err, divergence.ErrMissingContinuity)
	}

	for _, ready := range []ClipReady{
		{Session: "s", Clip: clip("c1", divergence.PolicyOR)},
		{Session: "s", Clip: clip("c2", divergence.PolicyAND)},
		// Redelivered.
		{Session: "s", Clip: clip("c2", divergence.PolicyAND)},
	} {
		if err := r.HandleClipReady(ctx, ready); err != nil {
			t.Fatalf("HandleClipReady(%s): %v", ready.Clip.Name, err)
		}
	}

	entries, err := r.loadJournal(ctx, "s_journal.gob")
	if err != nil {
		t.Fatalf("loadJournal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(journal) = %d, want 2", len(entries))
	}
	if !entries[1].Continued {
		t.Error("c2 did not continue from c1")
	}

	// c1 latched 101 under OR, so AND reads it as undecayed; signal 1 then drops
	// to 0 in the second snapshot of c2 (absent signals read as 0).
	out := blobtest.ReadTrace(t, b, "c2_shadow.yaml")
	if got := shadowValues(out, 101); got[0] != 1 || got[1] != 0 {
		t.Errorf("c2 shadow 101 = %v, want [1 0]", got)
	}
}

func TestServe(t *testing.T) {
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0), snap(1, 1)})
	blobtest.WriteTrace(t, b, "c2.yaml", divergence.Trace{snap(1, 1), snap(2, 1)})
	requests, sub := blobtest.MemTopic(t)
	notify, annotated := blobtest.MemTopic(t)
	r := Runner{Bucket: b, Pairs: pairs, Notify: notify}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var failure Failure
	done := runProc(ctx, r.Serve(sub, &failure))

	// Requests are sent one at a time: the subscription does not keep their order.
	var got []string
	for _, ready := range []ClipReady{
		{Session: "s", Clip: clip("c1", divergence.PolicyOR)},
		{Session: "s", Clip: clip("c2", divergence.PolicyAND)},
	} {
		sendEvent(t, requests, ready)
		ev := receiveEvent[ClipAnnotated](t, annotated)
		got = append(got, ev.Session+"/"+ev.Clip)
	}
	cancel()
	awaitProc(t, done)

	if err := failure.Err(); err != nil {
		t.Errorf("Serve stopped on error: %v", err)
	}
	if diff := cmp.Diff([]string{"s/c1", "s/c2"}, got); diff != "" {
		t.Errorf("ClipAnnotated mismatch (-want +got):\n%s", diff)
	}
	out := blobtest.ReadTrace(t, b, "c2_shadow.yaml")
	if got := shadowValues(out, 101); got[0] != 1 || got[1] != 0 {
		t.Errorf("c2 shadow 101 = %v, want [1 0]", got)
	}
}

func TestServeStopsOnError(t *testing.T) {
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 1)})
	requests, sub := blobtest.MemTopic(t)
	r := Runner{Bucket: b, Pairs: pairs}

	t.Run("missing continuity", func(t *testing.T) {
		var failure Failure
		done := runProc(context.Background(), r.Serve(sub, &failure))
		sendEvent(t, requests, ClipReady{Session: "s", Clip: clip("c1", divergence.PolicyAND)})
		awaitProc(t, done)

		err := failure.Err()
		if !errors.Is(err, ErrConfig) || !errors.Is(err, divergence.ErrMissingContinuity) {
			t.Errorf("Serve error = %v, want %v and %v", err, ErrConfig, divergence.ErrMissingContinuity)
		}
		if ok, _ := b.Exists(context.Background(), "c1_shadow.yaml"); ok {
			t.Error("Serve stored the output of a clip it could not annotate")
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		var failure Failure
		done := runProc(context.Background(), r.Serve(sub, &failure))
		if err := requests.Send(context.Background(), &pubsub.Message{Body: []byte("not gob")}); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
		awaitProc(t, done)

		if failure.Err() == nil {
			t.Error("Serve did not fail on an undecodable request")
		}
	})
}

func TestServeStopsOnShutdown(t *testing.T) {
	_, sub := blobtest.MemTopic(t)
	if err := sub.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	r := Runner{Bucket: blobtest.MemBucket(t), Pairs: pairs}

	var failure Failure
	component.RunProc(r.Serve(sub, &failure))
	if err := failure.Err(); err != nil {
		t.Errorf("Serve error = %v, want nil", err)
	}
}

func TestFailureNil(t *testing.T) {
	var f *Failure
	if err := f.Err(); err != nil {
		t.Errorf("(*Failure)(nil).Err() = %v, want nil", err)
	}
}
