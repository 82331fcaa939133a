// Package tracefile encodes traces as YAML documents: a sequence of snapshot
// records, each holding the "_model" mapping of signal to value and an
// "is_start" marker.
//
// Decode also accepts the records of the bounded model checker, which tags
// every record with a Python object type (e.g.
// "!!python/object:__main__.ConcreteExample"). Tags are ignored; only the
// shape of the record matters.
package tracefile

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/go-digitaltwin/go-divergence"
)

// ErrSchema reports a document that is valid YAML but not a trace.
var ErrSchema = errors.New("not a trace")

// objectTags prefix the tags of Python objects, in both short and long form.
var objectTags = []string{"!!python/object:", "tag:yaml.org,2002:python/object:"}

// Decode reads a trace from r. An empty document decodes to an empty trace.
func Decode(r io.Reader) (divergence.Trace, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return divergence.Trace{}, nil
		}
		return nil, fmt.Errorf("decode trace: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return divergence.Trace{}, nil
		}
		root = root.Content[0]
	}
	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return divergence.Trace{}, nil
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("decode trace: %w: line %d: root is not a sequence", ErrSchema, root.Line)
	}

	trace := make(divergence.Trace, 0, len(root.Content))
	for i, item := range root.Content {
		stripObjectTag(item)
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("decode trace: %w: line %d: snapshot #%d is not a mapping", ErrSchema, item.Line, i)
		}
		snap, err := decodeSnapshot(item)
		if err != nil {
			return nil, fmt.Errorf("decode trace: %w: snapshot #%d: %w", ErrSchema, i, err)
		}
		trace = append(trace, snap)
	}
	return trace, nil
}

// decodeSnapshot decodes a snapshot record. Keys other than "_model" and
// "is_start" are ignored.
func decodeSnapshot(n *yaml.Node) (divergence.Snapshot, error) {
	var snap divergence.Snapshot
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], deref(n.Content[i+1])
		switch key.Value {
		case "_model":
			if err := decodeModel(val, &snap); err != nil {
				return divergence.Snapshot{}, err
			}
		case "is_start":
			if err := val.Decode(&snap.IsStart); err != nil {
				return divergence.Snapshot{}, fmt.Errorf("is_start: %w", err)
			}
		}
	}
	return snap, nil
}

// decodeModel decodes the "_model" mapping of a record into snap. Values out
// of the range of divergence.Value go to snap.Wide.
func decodeModel(n *yaml.Node, snap *divergence.Snapshot) error {
	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null" {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: _model is not a mapping", n.Line)
	}
	snap.Model = make(map[divergence.NodeID]divergence.Value, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := deref(n.Content[i]), deref(n.Content[i+1])
		var id int64
		if err := key.Decode(&id); err != nil {
			return fmt.Errorf("line %d: signal: %w", key.Line, err)
		}
		v, wide, err := decodeValue(val)
		if err != nil {
			return fmt.Errorf("line %d: signal %d: %w", val.Line, id, err)
		}
		if wide == "" {
			snap.Model[divergence.NodeID(id)] = v
			delete(snap.Wide, divergence.NodeID(id))
			continue
		}
		if snap.Wide == nil {
			snap.Wide = make(map[divergence.NodeID]string)
		}
		snap.Wide[divergence.NodeID(id)] = wide
		delete(snap.Model, divergence.NodeID(id))
	}
	return nil
}

// decodeValue decodes an integer scalar. Integers that fit a divergence.Value
// are returned as such; wider ones are returned in canonical decimal form.
func decodeValue(n *yaml.Node) (v divergence.Value, wide string, err error) {
	if n.Kind != yaml.ScalarNode {
		return 0, "", errors.New("value is not an integer")
	}
	tag := n.ShortTag()
	if tag == "!!int" {
		var i int64
		if n.Decode(&i) == nil {
			return divergence.Value(i), "", nil
		}
	}
	// Plain integers out of the range of int64 resolve as floats in decimal
	// notation, and as strings in hexadecimal, octal or binary notation.
	plain := tag == "!!int" || tag == "!!float" || (tag == "!!str" && n.Style == 0)
	if !plain {
		return 0, "", fmt.Errorf("value %q is not an integer", n.Value)
	}
	b, ok := new(big.Int).SetString(strings.ReplaceAll(n.Value, "_", ""), 0)
	if !ok {
		return 0, "", fmt.Errorf("value %q is not an integer", n.Value)
	}
	if b.IsInt64() {
		return divergence.Value(b.Int64()), "", nil
	}
	return 0, b.String(), nil
}

// deref follows an alias to the node it names.
func deref(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

// stripObjectTag replaces the Python object tag of a record with the plain
// mapping tag, so the record decodes like any other mapping.
func stripObjectTag(n *yaml.Node) {
	for _, prefix := range objectTags {
		if strings.HasPrefix(n.Tag, prefix) {
			n.Tag = "!!map"
			return
		}
	}
}

// DecodeLast reads a trace from r and returns its final snapshot, or nil if the
// trace is empty.
func DecodeLast(r io.Reader) (*divergence.Snapshot, error) {
	trace, err := Decode(r)
	if err != nil {
		return nil, err
	}
	last, ok := trace.Last()
	if !ok {
		return nil, nil
	}
	return &last, nil
}

// Encode writes trace to w as untagged records. An empty trace encodes as an
// empty sequence. Wide values are written as plain integers, like any other.
func Encode(w io.Writer, trace divergence.Trace) error {
	doc := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, snap := range trace {
		doc.Content = append(doc.Content, encodeSnapshot(snap))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	return nil
}

func encodeSnapshot(snap divergence.Snapshot) *yaml.Node {
	model := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	ids := slices.Concat(slices.Collect(maps.Keys(snap.Model)), slices.Collect(maps.Keys(snap.Wide)))
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		val := &yaml.Node{Kind: yaml.ScalarNode}
		if v, ok := snap.Model[id]; ok {
			val.Tag, val.Value = "!!int", strconv.FormatInt(int64(v), 10)
		} else {
			// No tag: the literal is out of the range the decoder resolves as !!int.
			val.Value = snap.Wide[id]
		}
		model.Content = append(model.Content, scalar("!!int", strconv.FormatInt(int64(id), 10)), val)
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			scalar("!!str", "_model"), model,
			scalar("!!str", "is_start"), scalar("!!bool", strconv.FormatBool(snap.IsStart)),
		},
	}
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}
