package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/journal"
	"github.com/go-digitaltwin/go-divergence/tracefile"
)

// Runner annotates the clips of sessions stored in Bucket under the pair table
// Pairs. A Runner holds no session state between calls; everything it needs to
// continue a session is in the bucket.
type Runner struct {
	Bucket *blob.Bucket
	Pairs  divergence.PairTable
	// Notify, if not nil, receives a ClipAnnotated notification per clip.
	Notify *pubsub.Topic
}

// tail is the final annotated snapshot of a session so far, and the policy of
// the clip that produced it.
type tail struct {
	snap   divergence.Snapshot
	policy divergence.Policy
}

// Run annotates the clips of cfg in order and returns the session journal.
//
// Clip inputs are fetched and decoded concurrently, up to cfg.Prefetch ahead of
// the clip being annotated; annotation itself is sequential. After every clip,
// Run stores the output and the journal before moving to the next clip, so a
// failed session may be resumed from the last stored clip.
//
// On error, the returned journal holds the clips completed so far.
func (r *Runner) Run(ctx context.Context, cfg Config) ([]journal.Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := component.Logger(ctx).With(slog.String("session", cfg.Prefix))

	var (
		rec  journal.Recorder
		last *tail
	)
	if cfg.Resume {
		entries, err := r.loadJournal(ctx, cfg.JournalKey())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			rec.Record(e)
		}
		if last, err = r.loadTail(ctx, &rec); err != nil {
			return nil, err
		}
		logger.Debug("Resuming session", slog.Int("completed", len(entries)), slog.Bool("tail", last != nil))
	}

	completed := make(map[string]struct{})
	for name := range journal.Completed(rec.Entries()) {
		completed[name] = struct{}{}
	}
	var pending []Clip
	for _, clip := range cfg.Clips {
		if _, ok := completed[clip.Name]; ok {
			logger.Debug("Skipping completed clip", slog.String("clip", clip.Name))
			continue
		}
		pending = append(pending, clip)
	}
	if len(pending) == 0 {
		logger.Info("All clips of the session are already annotated")
		return rec.Entries(), nil
	}

	inputs := r.prefetch(ctx, pending, cfg.prefetch())
	defer inputs.stop()

	for i, clip := range pending {
		input, err := inputs.next(i)
		if err != nil {
			return rec.Entries(), err
		}

		entry, out, err := r.runClip(ctx, clip, input, last)
		if err != nil {
			return rec.Entries(), fmt.Errorf("clip %q: %w", clip.Name, err)
		}
		rec.Record(entry)
		if err := r.storeJournal(ctx, cfg.JournalKey(), rec.Entries()); err != nil {
			return rec.Entries(), err
		}
		if snap, ok := out.Last(); ok {
			last = &tail{snap: snap, policy: clip.Policy}
		}

		if err := r.notify(ctx, ClipAnnotated{Session: cfg.Prefix, Entry: entry}); err != nil {
			return rec.Entries(), fmt.Errorf("clip %q: %w", clip.Name, err)
		}
		logger.Info("Clip annotated",
			slog.String("clip", clip.Name),
			slog.String("policy", clip.Policy.String()),
			slog.Int("snapshots", entry.Snapshots),
			slog.Int("settled", entry.Settled),
			slog.Bool("continued", entry.Continued),
		)
	}
	return rec.Entries(), nil
}

// runClip annotates a single clip, continuing from last where the policy of the
// clip calls for it, and stores the output.
func (r *Runner) runClip(ctx context.Context, clip Clip, input divergence.Trace, last *tail) (entry journal.Entry, out divergence.Trace, err error) {
	ctx, span := tracer.Start(ctx, "session.runClip", trace.WithAttributes(
		attribute.String("clip", clip.Name),
		attribute.Stringer("policy", clip.Policy),
		attribute.Int("snapshots", len(input)),
	))
	defer span.End()

	seed, err := continueFrom(clip.Policy, last)
	defer func(start time.Time) {
		measureClip(ctx, clip, seed != nil, err == nil, time.Since(start))
	}(time.Now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return journal.Entry{}, nil, err
	}

	state := divergence.Seed(clip.Policy, r.Pairs, seed)
	out = divergence.Annotate(ctx, state, input)
	if err := r.storeTrace(ctx, clip.Output, out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return journal.Entry{}, nil, err
	}

	entry = journal.Entry{
		Clip:      clip.Name,
		Output:    clip.Output,
		Policy:    clip.Policy,
		Snapshots: len(out),
		Settled:   state.Settled(),
		Continued: seed != nil,
		Tail:      divergence.TailHash(out),
		Timestamp: time.Now().UTC(),
	}
	if seed != nil {
		entry.Baseline = divergence.HashSnapshot(*seed)
	}
	return entry, out, nil
}

// continueFrom returns the snapshot a clip of the given policy is seeded from,
// or nil if the clip starts fresh.
func continueFrom(policy divergence.Policy, last *tail) (*divergence.Snapshot, error) {
	if last == nil {
		if policy == divergence.PolicyAND {
			return nil, fmt.Errorf("%w: %w", ErrConfig, divergence.ErrMissingContinuity)
		}
		return nil, nil
	}
	if policy == divergence.PolicyOR && last.policy != divergence.PolicyOR {
		return nil, nil
	}
	return &last.snap, nil
}

// loadTail reloads the tail of a resumed session from the output of the last
// non-empty clip in rec, and checks it against the recorded hash.
func (r *Runner) loadTail(ctx context.Context, rec *journal.Recorder) (*tail, error) {
	e, ok := rec.Tail()
	if !ok {
		return nil, nil
	}
	out, err := r.loadTrace(ctx, e.Output)
	if err != nil {
		return nil, fmt.Errorf("reload tail of clip %q: %w", e.Clip, err)
	}
	snap, ok := out.Last()
	if !ok || divergence.HashSnapshot(snap) != e.Tail {
		return nil, fmt.Errorf("%w: output %q of clip %q no longer ends in %v", journal.ErrBrokenChain, e.Output, e.Clip, e.Tail)
	}
	return &tail{snap: snap, policy: e.Policy}, nil
}

func (r *Runner) loadJournal(ctx context.Context, key string) ([]journal.Entry, error) {
	data, err := r.Bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	entries, err := journal.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if err := journal.Verify(entries); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

func (r *Runner) storeJournal(ctx context.Context, key string, entries []journal.Entry) error {
	data, err := journal.Encode(entries)
	if err != nil {
		return fmt.Errorf("store journal: %w", err)
	}
	if err := r.Bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("store journal: %w", err)
	}
	return nil
}

func (r *Runner) loadTrace(ctx context.Context, key string) (divergence.Trace, error) {
	rd, err := r.Bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	defer rd.Close()
	t, err := tracefile.Decode(rd)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", key, err)
	}
	return t, nil
}

func (r *Runner) storeTrace(ctx context.Context, key string, t divergence.Trace) error {
	// Cancelling the context before closing the writer discards a partial write.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := r.Bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/yaml"})
	if err != nil {
		return fmt.Errorf("create %q: %w", key, err)
	}
	if err := tracefile.Encode(w, t); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, event ClipAnnotated) error {
	if r.Notify == nil {
		return nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(event); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	msg := &pubsub.Message{
		Body: b.Bytes(),
		Metadata: map[string]string{
			"session": event.Session,
			"clip":    event.Clip,
		},
	}
	if err := r.Notify.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
