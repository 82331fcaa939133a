// Package pairtable reads the signal pairs of a checking session from the
// mapping files produced by the shadow instrumentation.
//
// Two formats are understood. A triples file lists one "<gate> <gold> <shadow>"
// line per instrumented gate; the gate is the monitored signal and the gold
// signal is informational. A BTOR2 model may instead be scanned for state and
// input declarations named "shadow_<name>", each recording the declaration
// named "<name>".
package pairtable

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-divergence"
)

// ErrMalformedLine reports a line of a triples file that is not three integers.
var ErrMalformedLine = errors.New("malformed mapping line")

// ShadowPrefix prefixes the name of every shadow declaration in a BTOR2 model.
const ShadowPrefix = "shadow_"

// Format names the format a pair table was read from.
type Format string

const (
	FormatTriples Format = "triples"
	FormatBTOR2   Format = "btor2"
)

// Triple is one line of a triples file.
type Triple struct {
	Gate   divergence.NodeID
	Gold   divergence.NodeID
	Shadow divergence.NodeID
}

// Pair returns the signal pair recorded by t: the gate is monitored.
func (t Triple) Pair() divergence.SignalPair {
	return divergence.SignalPair{Monitored: t.Gate, Shadow: t.Shadow}
}

// A LineError describes a line that was discarded while parsing.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Report describes how a pair table was assembled and what was left out of it.
// Nothing in a report is fatal.
type Report struct {
	Format Format
	// Skipped lists the lines that could not be parsed.
	Skipped []*LineError
	// Conflicts lists the pairs discarded because an earlier pair already claimed
	// their monitored or shadow signal.
	Conflicts []divergence.SignalPair
	// Unmatched lists the shadow declarations of a BTOR2 model that name no other
	// declaration.
	Unmatched []string
}

// Err joins the problems in r into a single error, or returns nil if there are
// none.
func (r Report) Err() error {
	var errs []error
	for _, e := range r.Skipped {
		errs = append(errs, e)
	}
	for _, p := range r.Conflicts {
		errs = append(errs, fmt.Errorf("%w: %v", divergence.ErrConflictingPair, p))
	}
	for _, name := range r.Unmatched {
		errs = append(errs, fmt.Errorf("unmatched shadow %q", name))
	}
	return errors.Join(errs...)
}

// ParseTriples reads the triples of r. Blank lines and comments (starting with
// ';') are ignored; any other line that is not exactly three integers is
// skipped and returned as a LineError.
func ParseTriples(r io.Reader) ([]Triple, []*LineError, error) {
	var (
		triples []Triple
		skipped []*LineError
	)
	err := scanLines(r, func(n int, line string) {
		t, err := parseTriple(line)
		if err != nil {
			skipped = append(skipped, &LineError{Line: n, Text: line, Err: err})
			return
		}
		triples = append(triples, t)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read triples: %w", err)
	}
	return triples, skipped, nil
}

func parseTriple(line string) (Triple, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Triple{}, fmt.Errorf("%w: got %d fields, want 3", ErrMalformedLine, len(fields))
	}
	var ids [3]divergence.NodeID
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Triple{}, fmt.Errorf("%w: field %d: %w", ErrMalformedLine, i+1, err)
		}
		ids[i] = divergence.NodeID(v)
	}
	return Triple{Gate: ids[0], Gold: ids[1], Shadow: ids[2]}, nil
}

// declaration matches the state and input declarations of a BTOR2 model, with
// an optional escape before the symbol name.
var declaration = regexp.MustCompile(`^\s*(\d+)\s+(state|input)\s+\d+\s+\\?(.+?)\s*$`)

// ParseBTOR2 scans a BTOR2 model for shadow declarations and pairs each with
// the declaration it names. Shadows that name no declaration are returned as
// unmatched. The pairs are ordered as their shadows are declared.
func ParseBTOR2(r io.Reader) (pairs []divergence.SignalPair, unmatched []string, err error) {
	type decl struct {
		name string
		id   divergence.NodeID
	}
	var (
		originals = make(map[string]divergence.NodeID)
		shadows   []decl
	)
	err = scanLines(r, func(_ int, line string) {
		m := declaration.FindStringSubmatch(line)
		if m == nil {
			return
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return // out of range; not a node we could pair anyway
		}
		if strings.HasPrefix(m[3], ShadowPrefix) {
			shadows = append(shadows, decl{m[3], divergence.NodeID(id)})
		} else {
			originals[m[3]] = divergence.NodeID(id)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read btor2: %w", err)
	}

	for _, s := range shadows {
		id, ok := originals[strings.TrimPrefix(s.name, ShadowPrefix)]
		if !ok {
			unmatched = append(unmatched, s.name)
			continue
		}
		pairs = append(pairs, divergence.SignalPair{Monitored: id, Shadow: s.id})
	}
	return pairs, unmatched, nil
}

// Load reads a pair table from r, in either format. If r holds at least one
// valid triple it is read as a triples file, otherwise it is scanned as a BTOR2
// model. Pairs that conflict with an earlier pair are discarded and reported.
//
// An empty table is not an error: a session with an empty table passes its
// traces through unchanged. Load logs a warning in that case.
func Load(ctx context.Context, r io.Reader) (divergence.PairTable, Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return divergence.PairTable{}, Report{}, fmt.Errorf("read mapping: %w", err)
	}

	var (
		report Report
		pairs  []divergence.SignalPair
	)
	triples, skipped, err := ParseTriples(bytes.NewReader(data))
	if err != nil {
		return divergence.PairTable{}, Report{}, err
	}
	if len(triples) > 0 {
		report.Format = FormatTriples
		report.Skipped = skipped
		for _, t := range triples {
			pairs = append(pairs, t.Pair())
		}
	} else {
		report.Format = FormatBTOR2
		pairs, report.Unmatched, err = ParseBTOR2(bytes.NewReader(data))
		if err != nil {
			return divergence.PairTable{}, Report{}, err
		}
	}

	kept, conflicts := dedupe(pairs)
	report.Conflicts = conflicts
	table, err := divergence.NewPairTable(kept...)
	if err != nil {
		// dedupe leaves no conflicts behind.
		panic("pairtable: " + err.Error())
	}

	logger := component.Logger(ctx).With(slog.String("format", string(report.Format)))
	if table.Len() == 0 {
		logger.Warn("Empty pair table; traces pass through unchanged",
			slog.Int("skipped", len(report.Skipped)),
			slog.Int("unmatched", len(report.Unmatched)),
		)
	} else {
		logger.Info("Loaded pair table",
			slog.Int("pairs", table.Len()),
			slog.Int("skipped", len(report.Skipped)),
			slog.Int("conflicts", len(report.Conflicts)),
			slog.Int("unmatched", len(report.Unmatched)),
		)
	}
	return table, report, nil
}

// dedupe keeps the first pair claiming each monitored and each shadow signal.
// Exact repetitions are dropped silently.
func dedupe(pairs []divergence.SignalPair) (kept, conflicts []divergence.SignalPair) {
	var (
		monitored = make(map[divergence.NodeID]divergence.NodeID)
		shadows   = make(map[divergence.NodeID]divergence.NodeID)
	)
	for _, p := range pairs {
		s, okM := monitored[p.Monitored]
		m, okS := shadows[p.Shadow]
		switch {
		case okM && okS && s == p.Shadow && m == p.Monitored:
			continue
		case okM || okS:
			conflicts = append(conflicts, p)
			continue
		}
		monitored[p.Monitored] = p.Shadow
		shadows[p.Shadow] = p.Monitored
		kept = append(kept, p)
	}
	return kept, conflicts
}

// scanLines calls fn with every line of r that is neither blank nor a comment,
// trimmed of surrounding space. Line numbers start at 1.
func scanLines(r io.Reader, fn func(n int, line string)) error {
	sc := bufio.NewScanner(r)
	// Generated models may carry very long symbol names.
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var n int
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fn(n, line)
	}
	return sc.Err()
}
