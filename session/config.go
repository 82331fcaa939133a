package session

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/go-digitaltwin/go-divergence"
)

// ErrConfig reports a session configuration that cannot be run.
var ErrConfig = errors.New("invalid session config")

// DefaultPrefetch is the number of clip inputs fetched ahead of the fold when
// Config.Prefetch is zero.
const DefaultPrefetch = 2

// Config describes a checking session: an ordered list of clips annotated one
// after the other under the same pair table.
type Config struct {
	// Prefix names the session. Derived keys (the journal, and the clips of
	// FromPolicyList) start with it.
	Prefix string `yaml:"prefix" validate:"required"`
	// Mapping is the key of the pair table mapping file, in either format
	// understood by package pairtable.
	Mapping string `yaml:"mapping,omitempty"`
	// Journal overrides the key of the session journal.
	Journal string `yaml:"journal,omitempty"`
	// Prefetch bounds the number of clip inputs fetched ahead of the fold.
	Prefetch int `yaml:"prefetch,omitempty" validate:"gte=0,lte=64"`
	// Resume skips the clips already recorded in the journal and continues from
	// the tail it records.
	Resume bool   `yaml:"resume,omitempty"`
	Clips  []Clip `yaml:"clips" validate:"required,min=1,unique=Name,dive"`
}

// Clip is one annotation step of a session.
type Clip struct {
	Name   string            `yaml:"name" validate:"required"`
	Input  string            `yaml:"input" validate:"required"`
	Output string            `yaml:"output" validate:"required,nefield=Input"`
	Policy divergence.Policy `yaml:"policy" validate:"policy"`
}

// JournalKey returns the key of the session journal.
func (c Config) JournalKey() string {
	if c.Journal != "" {
		return c.Journal
	}
	return c.Prefix + "_journal.gob"
}

func (c Config) prefetch() int {
	if c.Prefetch == 0 {
		return DefaultPrefetch
	}
	return c.Prefetch
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("policy", validatePolicy)
}

// validatePolicy validates that a field holds one of the defined policies.
// Configs built in code never pass through UnmarshalText.
func validatePolicy(fl validator.FieldLevel) bool {
	p, ok := fl.Field().Interface().(divergence.Policy)
	return ok && p.Valid()
}

// Validate reports whether c can be run. The first clip of a session that does
// not resume may not decay: there is no previous clip to continue from.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !c.Resume && c.Clips[0].Policy == divergence.PolicyAND {
		return fmt.Errorf("%w: clip %q: %w", ErrConfig, c.Clips[0].Name, divergence.ErrMissingContinuity)
	}
	return nil
}

// LoadConfig decodes a YAML session config from r and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: decode yaml: %w", ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// FromPolicyList builds the config of a session of n clips from one policy per
// clip. Clips are numbered from 1: clip i reads "<prefix>_clip_<i>.yaml" and
// writes "<prefix>_clip_<i>_shadow.yaml".
func FromPolicyList(prefix string, n int, policies []divergence.Policy) (Config, error) {
	if len(policies) != n {
		return Config{}, fmt.Errorf("%w: got %d policies for %d clips", ErrConfig, len(policies), n)
	}
	c := Config{Prefix: prefix}
	for i, p := range policies {
		name := fmt.Sprintf("%s_clip_%d", prefix, i+1)
		c.Clips = append(c.Clips, Clip{
			Name:   name,
			Input:  name + ".yaml",
			Output: name + "_shadow.yaml",
			Policy: p,
		})
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// String summarises the clips of c by policy, e.g. "or,and,and".
func (c Config) String() string {
	names := make([]string, len(c.Clips))
	for i, clip := range c.Clips {
		names[i] = clip.Policy.String()
	}
	return c.Prefix + "[" + strings.Join(names, ",") + "]"
}
