package divergence

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewPairTable(t *testing.T) {
	table, err := NewPairTable(SignalPair{3, 103}, SignalPair{1, 101}, SignalPair{3, 103}, SignalPair{2, 102})
	if err != nil {
		t.Fatalf("NewPairTable: %v", err)
	}
	want := []SignalPair{{1, 101}, {2, 102}, {3, 103}}
	if diff := cmp.Diff(want, table.Pairs()); diff != "" {
		t.Errorf("Pairs() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, slices.Collect(table.All())); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}

	if shadow, ok := table.ShadowOf(2); !ok || shadow != 102 {
		t.Errorf("ShadowOf(2) = %v, %v; want 102, true", shadow, ok)
	}
	if _, ok := table.ShadowOf(4); ok {
		t.Error("ShadowOf(4) found a shadow, want none")
	}
	if !table.IsShadow(101) || table.IsShadow(1) {
		t.Error("IsShadow confuses monitored and shadow signals")
	}
}

func TestNewPairTableConflicts(t *testing.T) {
	tests := map[string][]SignalPair{
		"monitored": {{1, 101}, {1, 102}},
		"shadow":    {{1, 101}, {2, 101}},
	}
	for name, pairs := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewPairTable(pairs...); !errors.Is(err, ErrConflictingPair) {
				t.Errorf("NewPairTable(%v) error = %v, want %v", pairs, err, ErrConflictingPair)
			}
		})
	}
}

func TestPairTableZero(t *testing.T) {
	var table PairTable
	if table.Len() != 0 || table.IsShadow(0) {
		t.Error("zero PairTable is not empty")
	}
	if _, ok := table.ShadowOf(0); ok {
		t.Error("zero PairTable has a shadow")
	}
}
