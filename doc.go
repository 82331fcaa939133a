// Package divergence annotates execution traces of a miter (a gold reference
// model checked against a modified gate model) with shadow bits that record
// whether a monitored signal has ever diverged.
//
// A trace arrives as a sequence of clips; each clip is a Trace of per-cycle
// Snapshots. A PairTable names which signals are monitored and which shadow
// signal records each of them. The engine folds over a clip in temporal order,
// latching every shadow one-way according to a Policy:
//
//   - PolicyOR latches a shadow from 0 to 1 the first time its monitored signal
//     changes value.
//   - PolicyAND decays a shadow from 1 to 0 the first time its monitored signal
//     changes value.
//
// Once latched, a shadow never moves again, neither within the clip nor in any
// later clip. A LatchState carries the fold from one clip to the next; Seed
// rebuilds it from nothing but the final annotated Snapshot of the previous clip,
// so clips can be processed by different processes at different times.
//
// The session package orchestrates multi-clip runs over cloud buckets, the
// pairtable and tracefile packages read and write the external formats.
package divergence
