package divergence

import (
	"fmt"
	"strings"
)

// Policy selects the direction in which shadows latch.
type Policy uint8

const (
	// PolicyOR reports 0 until a monitored signal changes, then latches 1.
	PolicyOR Policy = iota
	// PolicyAND reports 1 until a monitored signal changes, then decays to 0.
	PolicyAND
)

// Initial returns the shadow value of a pair that has not diverged. It is also
// the default for a shadow absent from a snapshot.
func (p Policy) Initial() Value {
	if p == PolicyAND {
		return 1
	}
	return 0
}

// Settled returns the value a shadow latches to once its pair diverged.
func (p Policy) Settled() Value {
	if p == PolicyAND {
		return 0
	}
	return 1
}

// Valid reports whether p is one of the defined policies.
func (p Policy) Valid() bool {
	return p == PolicyOR || p == PolicyAND
}

func (p Policy) String() string {
	switch p {
	case PolicyOR:
		return "or"
	case PolicyAND:
		return "and"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy parses the textual form of a policy. Besides "or" and "and" it
// accepts the numeric codes used by per-clip policy lists, 0 for OR and 1 for
// AND.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "or", "0":
		return PolicyOR, nil
	case "and", "1":
		return PolicyAND, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("marshal %v: invalid policy", p)
	}
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePolicyList parses a comma-separated list of policies, e.g. "0,1,1".
func ParsePolicyList(s string) ([]Policy, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	list := make([]Policy, 0, len(fields))
	for i, f := range fields {
		p, err := ParsePolicy(f)
		if err != nil {
			return nil, fmt.Errorf("policy #%d: %w", i+1, err)
		}
		list = append(list, p)
	}
	return list, nil
}
