package blobtest

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/tracefile"
)

// MemBucket returns an in-memory bucket that is closed during cleanup of the
// provided [testing.TB].
func MemBucket(tb testing.TB) *blob.Bucket {
	tb.Helper()
	b := memblob.OpenBucket(nil)
	tb.Cleanup(func() {
		if err := b.Close(); err != nil {
			tb.Error("Encountered an error during cleanup; close bucket:", err)
		}
	})
	return b
}

// SetupBucket returns a bucket backed by a fresh temporary directory. The
// bucket is closed and the directory removed during cleanup of the provided
// [*testing.T], unless the test failed and Inspect is set.
func SetupBucket(t *testing.T) *blob.Bucket {
	t.Helper()

	dir, err := os.MkdirTemp("", "blobtest-")
	if err != nil {
		t.Fatal("Failed to create bucket directory:", err)
	}
	// Registered first, so it runs after the bucket is closed.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Bucket directory %s is kept for inspection (Ctrl+C to remove)...", dir)
			waitForInspection()
		}
		if err := os.RemoveAll(dir); err != nil {
			t.Error("Encountered an error during cleanup; remove bucket directory:", err)
		}
	})

	b, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		t.Fatal("Failed to open file bucket:", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Error("Encountered an error during cleanup; close bucket:", err)
		}
	})
	return b
}

// MemTopic returns an in-memory topic and a subscription to it, both shut down
// during cleanup of the provided [testing.TB]. Only messages sent after the
// subscription exists are delivered to it.
func MemTopic(tb testing.TB) (*pubsub.Topic, *pubsub.Subscription) {
	tb.Helper()
	topic := mempubsub.NewTopic()
	sub := mempubsub.NewSubscription(topic, time.Minute)
	tb.Cleanup(func() {
		ctx := context.Background()
		// Tests may shut the subscription down themselves.
		if err := sub.Shutdown(ctx); err != nil && gcerrors.Code(err) != gcerrors.FailedPrecondition {
			tb.Error("Encountered an error during cleanup; shutdown subscription:", err)
		}
		if err := topic.Shutdown(ctx); err != nil {
			tb.Error("Encountered an error during cleanup; shutdown topic:", err)
		}
	})
	return topic, sub
}

// WriteTrace stores trace under key, failing the test on error.
func WriteTrace(tb testing.TB, b *blob.Bucket, key string, trace divergence.Trace) {
	tb.Helper()
	var buf bytes.Buffer
	if err := tracefile.Encode(&buf, trace); err != nil {
		tb.Fatalf("Failed to encode trace %q: %v", key, err)
	}
	if err := b.WriteAll(context.Background(), key, buf.Bytes(), nil); err != nil {
		tb.Fatalf("Failed to write trace %q: %v", key, err)
	}
}

// ReadTrace loads the trace stored under key, failing the test on error.
func ReadTrace(tb testing.TB, b *blob.Bucket, key string) divergence.Trace {
	tb.Helper()
	data, err := b.ReadAll(context.Background(), key)
	if err != nil {
		tb.Fatalf("Failed to read trace %q: %v", key, err)
	}
	trace, err := tracefile.Decode(bytes.NewReader(data))
	if err != nil {
		tb.Fatalf("Failed to decode trace %q: %v", key, err)
	}
	return trace
}
