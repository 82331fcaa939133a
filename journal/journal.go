/*
Package journal records the progress of a checking session, one entry per
annotated clip, so that a session can be resumed and audited across processes.

The package provides a [Recorder] for collecting entries while clips are
annotated, and [Encode] and [Decode] for storing the entries alongside the
annotated traces. Entries chain clips by content address: a continued clip
records the hash of the snapshot it was seeded from (its baseline), which
[Verify] checks against the hash of the final snapshot (the tail) of the clip
before it.
*/
package journal

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/go-digitaltwin/go-divergence"
)

// ErrBrokenChain reports a continued clip whose baseline is not the tail of the
// clip before it.
var ErrBrokenChain = errors.New("broken clip chain")

// Entry describes one annotated clip of a session.
type Entry struct {
	// Clip names the clip within its session.
	Clip string
	// Output is the key the annotated trace was written to.
	Output string
	Policy divergence.Policy
	// Snapshots is the length of the clip.
	Snapshots int
	// Settled is the number of pairs settled at the end of the clip.
	Settled int
	// Continued reports whether the clip was seeded from the tail of an earlier
	// clip, rather than starting fresh.
	Continued bool
	// Baseline is the hash of the snapshot the clip was seeded from, or zero if
	// the clip started fresh.
	Baseline divergence.SnapshotHash
	// Tail is the hash of the final annotated snapshot, or zero for an empty
	// clip.
	Tail      divergence.SnapshotHash
	Timestamp time.Time
}

// Empty reports whether the clip of e had no snapshots. An empty clip leaves
// the tail of the session unchanged.
func (e Entry) Empty() bool { return e.Snapshots == 0 }

// Encode serialises entries into a byte array for storage. It uses gob encoding
// to keep entries consistent across processes.
func Encode(entries []Entry) (data []byte, err error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs entries previously serialised with Encode.
func Decode(data []byte) (entries []Entry, err error) {
	var e []Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return e, nil
}

// Recorder collects the entries of a session in the order clips are
// annotated.
//
// The zero value of Recorder is ready to use. Do not copy a non-zero Recorder.
type Recorder struct {
	entries []Entry
}

// Record appends e to the journal.
func (r *Recorder) Record(e Entry) {
	r.entries = append(r.entries, e)
}

// Reset clears all recorded entries, so the Recorder may start a new session.
func (r *Recorder) Reset() {
	r.entries = nil
}

// Entries returns a copy of the recorded entries. Modifying the returned slice
// does not affect the Recorder.
func (r *Recorder) Entries() []Entry {
	e := make([]Entry, len(r.entries))
	copy(e, r.entries)
	return e
}

// Tail returns the last non-empty entry, whose tail the next clip continues
// from, or false if every recorded clip was empty.
func (r *Recorder) Tail() (Entry, bool) {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !r.entries[i].Empty() {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// Verify checks that every continued entry is seeded from the tail of the last
// non-empty entry before it. It returns the first break, wrapping
// ErrBrokenChain.
//
// The first continued entry may have no predecessor in entries, since a session
// may be seeded from a trace outside the journal; it is trusted as is.
func Verify(entries []Entry) error {
	var (
		tail    divergence.SnapshotHash
		hasTail bool
	)
	for i, e := range entries {
		if e.Continued && hasTail && e.Baseline != tail {
			return fmt.Errorf("%w: entry #%d (%s) continues from %v, want %v", ErrBrokenChain, i, e.Clip, e.Baseline, tail)
		}
		if !e.Empty() {
			tail, hasTail = e.Tail, true
		}
	}
	return nil
}

// Completed iterates over the names of the clips recorded in entries, yielding
// each name once.
func Completed(entries []Entry) iter.Seq[string] {
	return func(yield func(string) bool) {
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if _, ok := seen[e.Clip]; ok {
				continue
			}
			seen[e.Clip] = struct{}{}
			if !yield(e.Clip) {
				return
			}
		}
	}
}
