package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gocloud.dev/blob"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/internal/blobtest"
	"github.com/go-digitaltwin/go-divergence/journal"
)

var pairs = divergence.MustPairTable(
	divergence.SignalPair{Monitored: 1, Shadow: 101},
	divergence.SignalPair{Monitored: 2, Shadow: 102},
)

// snap builds a snapshot from alternating signal and value arguments.
func snap(kv ...int64) divergence.Snapshot {
	m := make(map[divergence.NodeID]divergence.Value, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[divergence.NodeID(kv[i])] = divergence.Value(kv[i+1])
	}
	return divergence.Snapshot{Model: m}
}

// shadowValues reads the given shadow from every snapshot of t.
func shadowValues(t divergence.Trace, shadow divergence.NodeID) []divergence.Value {
	vs := make([]divergence.Value, len(t))
	for i, s := range t {
		vs[i] = s.Model[shadow]
	}
	return vs
}

func clip(name string, policy divergence.Policy) Clip {
	return Clip{Name: name, Input: name + ".yaml", Output: name + "_shadow.yaml", Policy: policy}
}

// ignoreTimestamps drops journal timestamps from comparisons.
var ignoreTimestamps = cmpopts.IgnoreFields(journal.Entry{}, "Timestamp")

// mixedSession stores the inputs of a session exercising every continuity rule
// and returns its config.
func mixedSession(t *testing.T, b *blob.Bucket) Config {
	t.Helper()
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0, 2, 0), snap(1, 1, 2, 0)})
	blobtest.WriteTrace(t, b, "c2.yaml", divergence.Trace{snap(1, 1, 2, 0), snap(1, 0, 2, 1)})
	blobtest.WriteTrace(t, b, "c3.yaml", divergence.Trace{})
	blobtest.WriteTrace(t, b, "c4.yaml", divergence.Trace{snap(1, 0, 2, 0), snap(1, 0, 2, 1)})
	return Config{
		Prefix: "s",
		Clips: []Clip{
			clip("c1", divergence.PolicyOR),
			clip("c2", divergence.PolicyAND),
			clip("c3", divergence.PolicyAND),
			clip("c4", divergence.PolicyOR),
		},
	}
}

func TestRun(t *testing.T) {
	b := blobtest.MemBucket(t)
	topic, sub := blobtest.MemTopic(t)
	cfg := mixedSession(t, b)

	r := Runner{Bucket: b, Pairs: pairs, Notify: topic}
	entries, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	outputs := map[string]divergence.Trace{}
	for _, c := range cfg.Clips {
		outputs[c.Name] = blobtest.ReadTrace(t, b, c.Output)
	}

	// Shadow values per clip, per pair.
	want := map[string][2][]divergence.Value{
		"c1": {{0, 1}, {0, 0}}, // fresh OR
		"c2": {{1, 0}, {0, 0}}, // AND continues; 102 was settled by c1's 0
		"c3": {{}, {}},         // empty
		"c4": {{0, 0}, {0, 1}}, // OR after AND starts fresh
	}
	for name, w := range want {
		got := [2][]divergence.Value{shadowValues(outputs[name], 101), shadowValues(outputs[name], 102)}
		if diff := cmp.Diff(w, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("clip %s shadows mismatch (-want +got):\n%s", name, diff)
		}
	}

	c1Tail := divergence.TailHash(outputs["c1"])
	c2Tail := divergence.TailHash(outputs["c2"])
	wantEntries := []journal.Entry{
		{Clip: "c1", Output: "c1_shadow.yaml", Policy: divergence.PolicyOR, Snapshots: 2, Settled: 1, Tail: c1Tail},
		{Clip: "c2", Output: "c2_shadow.yaml", Policy: divergence.PolicyAND, Snapshots: 2, Settled: 2, Continued: true, Baseline: c1Tail, Tail: c2Tail},
		{Clip: "c3", Output: "c3_shadow.yaml", Policy: divergence.PolicyAND, Snapshots: 0, Settled: 2, Continued: true, Baseline: c2Tail},
		{Clip: "c4", Output: "c4_shadow.yaml", Policy: divergence.PolicyOR, Snapshots: 2, Settled: 1, Tail: divergence.TailHash(outputs["c4"])},
	}
	if diff := cmp.Diff(wantEntries, entries, ignoreTimestamps); diff != "" {
		t.Errorf("journal mismatch (-want +got):\n%s", diff)
	}
	if err := journal.Verify(entries); err != nil {
		t.Errorf("Verify(journal): %v", err)
	}

	data, err := b.ReadAll(context.Background(), cfg.JournalKey())
	if err != nil {
		t.Fatalf("read stored journal: %v", err)
	}
	stored, err := journal.Decode(data)
	if err != nil {
		t.Fatalf("decode stored journal: %v", err)
	}
	if diff := cmp.Diff(entries, stored); diff != "" {
		t.Errorf("stored journal mismatch (-want +got):\n%s", diff)
	}

	// Every clip is announced, in order, and the announcements chain.
	var tracker Tracker
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range wantEntries {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		msg.Ack()
		ev, err := decodeEvent[ClipAnnotated](msg.Body)
		if err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		if ev.Session != "s" || ev.Clip != e.Clip {
			t.Errorf("notification = %s/%s, want s/%s", ev.Session, ev.Clip, e.Clip)
		}
		if err := tracker.Update(ev); err != nil {
			t.Errorf("Tracker.Update(%s): %v", ev.Clip, err)
		}
	}
	if latest, ok := tracker.Find("s"); !ok || latest.Clip != "c4" {
		t.Errorf("Tracker.Find(s) = %q, %v; want c4, true", latest.Clip, ok)
	}
}

func TestRunFileBucket(t *testing.T) {
	b := blobtest.SetupBucket(t)
	cfg := mixedSession(t, b)

	r := Runner{Bucket: b, Pairs: pairs}
	entries, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entries) != len(cfg.Clips) {
		t.Errorf("len(journal) = %d, want %d", len(entries), len(cfg.Clips))
	}
}

func TestRunEmptyPairTable(t *testing.T) {
	b := blobtest.MemBucket(t)
	in := divergence.Trace{snap(1, 0), snap(1, 1)}
	in[0].IsStart = true
	blobtest.WriteTrace(t, b, "c1.yaml", in)

	r := Runner{Bucket: b}
	if _, err := r.Run(context.Background(), Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyOR)}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff(in, blobtest.ReadTrace(t, b, "c1_shadow.yaml")); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFirstClipDecays(t *testing.T) {
	r := Runner{Bucket: blobtest.MemBucket(t), Pairs: pairs}
	_, err := r.Run(context.Background(), Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyAND)}})
	if !errors.Is(err, ErrConfig) || !errors.Is(err, divergence.ErrMissingContinuity) {
		t.Errorf("Run() error = %v, want %v and %v", err, ErrConfig, divergence.ErrMissingContinuity)
	}
}

func TestRunLoadError(t *testing.T) {
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0)})
	cfg := Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyOR), clip("missing", divergence.PolicyAND)}}

	r := Runner{Bucket: b, Pairs: pairs}
	entries, err := r.Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("Run() succeeded with a missing input, want error")
	}
	// The first clip may or may not have been annotated before the load failed.
	for _, e := range entries {
		if e.Clip != "c1" {
			t.Errorf("journal records clip %q", e.Clip)
		}
	}
}

func TestRunResume(t *testing.T) {
	ctx := context.Background()
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0, 2, 0), snap(1, 0, 2, 1)})
	blobtest.WriteTrace(t, b, "c2.yaml", divergence.Trace{snap(1, 0, 2, 1)})
	blobtest.WriteTrace(t, b, "c3.yaml", divergence.Trace{snap(1, 1, 2, 1)})

	r := Runner{Bucket: b, Pairs: pairs}
	first := Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyOR), clip("c2", divergence.PolicyOR)}}
	if _, err := r.Run(ctx, first); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Completed clips are not read again.
	if err := b.Delete(ctx, "c1.yaml"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	resumed := first
	resumed.Resume = true
	resumed.Clips = append(resumed.Clips, clip("c3", divergence.PolicyAND))
	entries, err := r.Run(ctx, resumed)
	if err != nil {
		t.Fatalf("Run(resume): %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(journal) = %d, want 3", len(entries))
	}
	c2 := blobtest.ReadTrace(t, b, "c2_shadow.yaml")
	if got := entries[2]; !got.Continued || got.Baseline != divergence.TailHash(c2) {
		t.Errorf("c3 entry = %+v, want continued from %v", got, divergence.TailHash(c2))
	}

	// c1 latched 102 under OR; AND reads that 1 as "not yet decayed" and 101's
	// 0 as settled. c3 then changes signal 1 only.
	c3 := blobtest.ReadTrace(t, b, "c3_shadow.yaml")
	got := [2][]divergence.Value{shadowValues(c3, 101), shadowValues(c3, 102)}
	if diff := cmp.Diff([2][]divergence.Value{{0}, {1}}, got); diff != "" {
		t.Errorf("c3 shadows mismatch (-want +got):\n%s", diff)
	}

	// Resuming a finished session does nothing.
	again, err := r.Run(ctx, resumed)
	if err != nil {
		t.Fatalf("Run(resume finished): %v", err)
	}
	if diff := cmp.Diff(entries, again); diff != "" {
		t.Errorf("journal changed (-want +got):\n%s", diff)
	}
}

func TestRunResumeBrokenTail(t *testing.T) {
	ctx := context.Background()
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0)})
	blobtest.WriteTrace(t, b, "c2.yaml", divergence.Trace{snap(1, 0)})

	r := Runner{Bucket: b, Pairs: pairs}
	cfg := Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyOR)}}
	if _, err := r.Run(ctx, cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	blobtest.WriteTrace(t, b, "c1_shadow.yaml", divergence.Trace{snap(1, 5)})

	cfg.Resume = true
	cfg.Clips = append(cfg.Clips, clip("c2", divergence.PolicyAND))
	if _, err := r.Run(ctx, cfg); !errors.Is(err, journal.ErrBrokenChain) {
		t.Errorf("Run(resume) error = %v, want %v", err, journal.ErrBrokenChain)
	}
}

func TestRunPrefetchOrder(t *testing.T) {
	b := blobtest.MemBucket(t)
	cfg := Config{Prefix: "s", Prefetch: 3}
	var want []string
	for i := range 10 {
		name := string(rune('a' + i))
		// Signal 1 changes on odd clips only; 2 never changes.
		blobtest.WriteTrace(t, b, name+".yaml", divergence.Trace{snap(1, int64(i/2), 2, 0)})
		cfg.Clips = append(cfg.Clips, clip(name, divergence.PolicyOR))
		want = append(want, name)
	}

	r := Runner{Bucket: b, Pairs: pairs}
	entries, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Clip)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("clip order mismatch (-want +got):\n%s", diff)
	}
	// Signal 1 first changes between clips "b" and "c".
	for i, name := range want {
		out := blobtest.ReadTrace(t, b, name+"_shadow.yaml")
		wantShadow := divergence.Value(0)
		if i >= 2 {
			wantShadow = 1
		}
		if got := out[0].Model[101]; got != wantShadow {
			t.Errorf("clip %s shadow 101 = %v, want %v", name, got, wantShadow)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	b := blobtest.MemBucket(t)
	blobtest.WriteTrace(t, b, "c1.yaml", divergence.Trace{snap(1, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := Runner{Bucket: b, Pairs: pairs}
	if _, err := r.Run(ctx, Config{Prefix: "s", Clips: []Clip{clip("c1", divergence.PolicyOR)}}); err == nil {
		t.Error("Run() with a canceled context succeeded, want error")
	}
}
