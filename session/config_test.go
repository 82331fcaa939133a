package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-divergence"
)

func TestLoadConfig(t *testing.T) {
	const input = `prefix: rocket
mapping: with_shadows.btor2
prefetch: 4
clips:
  - name: warmup
    input: rocket_clip_1.yaml
    output: rocket_clip_1_shadow.yaml
    policy: or
  - name: steady
    input: rocket_clip_2.yaml
    output: rocket_clip_2_shadow.yaml
    policy: 1
`
	got, err := LoadConfig(strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := Config{
		Prefix:   "rocket",
		Mapping:  "with_shadows.btor2",
		Prefetch: 4,
		Clips: []Clip{
			{Name: "warmup", Input: "rocket_clip_1.yaml", Output: "rocket_clip_1_shadow.yaml", Policy: divergence.PolicyOR},
			{Name: "steady", Input: "rocket_clip_2.yaml", Output: "rocket_clip_2_shadow.yaml", Policy: divergence.PolicyAND},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
	if got, want := got.JournalKey(), "rocket_journal.gob"; got != want {
		t.Errorf("JournalKey() = %q, want %q", got, want)
	}
	if got, want := got.String(), "rocket[or,and]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"no clips":        "prefix: p\n",
		"no prefix":       "clips: [{name: a, input: a, output: b}]\n",
		"bad policy":      "prefix: p\nclips: [{name: a, input: a, output: b, policy: 2}]\n",
		"unknown policy":  "prefix: p\nclips: [{name: a, input: a, output: b, policy: xor}]\n",
		"duplicate names": "prefix: p\nclips: [{name: a, input: a, output: b}, {name: a, input: c, output: d}]\n",
		"output = input":  "prefix: p\nclips: [{name: a, input: a, output: a}]\n",
		"starts with and": "prefix: p\nclips: [{name: a, input: a, output: b, policy: and}]\n",
		"unknown field":   "prefix: p\nshadow_policy: 0\nclips: [{name: a, input: a, output: b}]\n",
		"negative fetch":  "prefix: p\nprefetch: -1\nclips: [{name: a, input: a, output: b}]\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(strings.NewReader(input)); !errors.Is(err, ErrConfig) {
				t.Errorf("LoadConfig() error = %v, want %v", err, ErrConfig)
			}
		})
	}
}

func TestConfigResumeMayStartWithAND(t *testing.T) {
	c := Config{Prefix: "p", Resume: true, Clips: []Clip{clip("a", divergence.PolicyAND)}}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestFromPolicyList(t *testing.T) {
	policies, err := divergence.ParsePolicyList("0,1,1")
	if err != nil {
		t.Fatalf("ParsePolicyList: %v", err)
	}
	got, err := FromPolicyList("run", 3, policies)
	if err != nil {
		t.Fatalf("FromPolicyList: %v", err)
	}
	want := Config{
		Prefix: "run",
		Clips: []Clip{
			{Name: "run_clip_1", Input: "run_clip_1.yaml", Output: "run_clip_1_shadow.yaml", Policy: divergence.PolicyOR},
			{Name: "run_clip_2", Input: "run_clip_2.yaml", Output: "run_clip_2_shadow.yaml", Policy: divergence.PolicyAND},
			{Name: "run_clip_3", Input: "run_clip_3.yaml", Output: "run_clip_3_shadow.yaml", Policy: divergence.PolicyAND},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromPolicyList() mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromPolicyList("run", 2, policies); !errors.Is(err, ErrConfig) {
		t.Errorf("FromPolicyList(length mismatch) error = %v, want %v", err, ErrConfig)
	}
	if _, err := FromPolicyList("run", 1, []divergence.Policy{divergence.PolicyAND}); !errors.Is(err, divergence.ErrMissingContinuity) {
		t.Errorf("FromPolicyList(and first) error = %v, want %v", err, divergence.ErrMissingContinuity)
	}
}
