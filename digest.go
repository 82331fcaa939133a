package divergence

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// SnapshotHash is a consistent hash (i.e. content address) over a snapshot.
// Two snapshots with the same valuation (narrow and wide) and the same IsStart
// marker have the same hash, regardless of the order in which their maps were
// populated.
//
// Clips are chained by hash: a continued clip remembers the hash of the
// snapshot it was seeded from, which must equal the hash of the final snapshot
// of the clip before it.
type SnapshotHash [sha1.Size]byte

// HashSnapshot computes the SnapshotHash of s. A nil Model and an empty Model
// hash alike.
func HashSnapshot(s Snapshot) SnapshotHash {
	h := sha1.New()
	if s.IsStart {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	// Sorting by signal keeps the hash independent of map iteration order. Signed
	// varints keep it independent of the architecture as well.
	buf := make([]byte, 2*binary.MaxVarintLen64)
	for _, id := range sortedIDs(s.Model) {
		n := binary.PutVarint(buf, int64(id))
		n += binary.PutVarint(buf[n:], int64(s.Model[id]))
		h.Write(buf[:n])
	}
	// Wide values, if any, follow a marker byte.
	if len(s.Wide) > 0 {
		h.Write([]byte{0xff})
		for _, id := range sortedIDs(s.Wide) {
			n := binary.PutVarint(buf, int64(id))
			n += binary.PutUvarint(buf[n:], uint64(len(s.Wide[id])))
			h.Write(buf[:n])
			h.Write([]byte(s.Wide[id]))
		}
	}
	return SnapshotHash(h.Sum(nil))
}

// TailHash returns the hash of the final snapshot of t, or the zero hash if t is
// empty.
func TailHash(t Trace) SnapshotHash {
	last, ok := t.Last()
	if !ok {
		return SnapshotHash{}
	}
	return HashSnapshot(last)
}

func (h SnapshotHash) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(text, h[:])
	return text, nil
}

func (h *SnapshotHash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) > len(h) {
		return fmt.Errorf("too many bytes: got %d hex digits", len(text))
	}
	n, err := hex.Decode(h[:], text)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	if n != len(h) {
		return fmt.Errorf("not enough bytes: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

func (h SnapshotHash) String() string {
	return "snapshot(" + hex.EncodeToString(h[:]) + ")"
}

// IsZero reports whether h is the zero value of the type.
func (h SnapshotHash) IsZero() bool {
	return h == SnapshotHash{}
}
