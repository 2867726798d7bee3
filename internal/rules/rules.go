package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"vmsentry/internal/model"
)

var ErrInvalidRule = errors.New("invalid rule")

// Rule holds the two severity tiers for one metric kind.
type Rule struct {
	Warning  Tier
	Critical Tier
}

func (r Rule) validate() error {
	if err := r.Warning.validate(); err != nil {
		return fmt.Errorf("warning: %w", err)
	}
	if err := r.Critical.validate(); err != nil {
		return fmt.Errorf("critical: %w", err)
	}
	return nil
}

type ruleDoc struct {
	Warning  *Tier `json:"warning" yaml:"warning"`
	Critical *Tier `json:"critical" yaml:"critical"`
}

func (d ruleDoc) rule() (Rule, error) {
	if d.Warning == nil || d.Critical == nil {
		return Rule{}, fmt.Errorf("%w: warning and critical tiers are both required", ErrInvalidRule)
	}
	return Rule{Warning: *d.Warning, Critical: *d.Critical}, nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleDoc{Warning: &r.Warning, Critical: &r.Critical})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var d ruleDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	rule, err := d.rule()
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

func (r Rule) MarshalYAML() (any, error) {
	return ruleDoc{Warning: &r.Warning, Critical: &r.Critical}, nil
}

func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var d ruleDoc
	if err := value.Decode(&d); err != nil {
		return err
	}
	rule, err := d.rule()
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// Set maps metric kinds to their rule.
type Set map[model.MetricKind]Rule

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, r := range s {
		out[k] = r
	}
	return out
}

// Merge returns a copy of s where every kind present in partial replaces the
// rule of s; kinds missing from partial are kept.
func (s Set) Merge(partial Set) Set {
	out := s.Clone()
	for k, r := range partial {
		out[k] = r
	}
	return out
}

func (s Set) Validate() error {
	for kind, r := range s {
		if !model.IsNumericKind(kind) {
			return fmt.Errorf("%w: unknown metric kind %q", ErrInvalidRule, kind)
		}
		if err := r.validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

func Defaults() Set {
	return Set{
		model.MetricCPUUsage: {
			Warning:  Tier{Threshold: FixedThreshold(80), Duration: 5 * time.Minute},
			Critical: Tier{Threshold: FixedThreshold(90), Duration: 5 * time.Minute},
		},
		model.MetricMemoryUsage: {
			Warning:  Tier{Threshold: FixedThreshold(85), Duration: 5 * time.Minute},
			Critical: Tier{Threshold: FixedThreshold(95), Duration: 2 * time.Minute},
		},
		model.MetricSwapUsage: {
			Warning:  Tier{Threshold: FixedThreshold(50), Duration: 5 * time.Minute},
			Critical: Tier{Threshold: FixedThreshold(80), Duration: 5 * time.Minute},
		},
		model.MetricDiskUsage: {
			Warning:  Tier{Threshold: FixedThreshold(85)},
			Critical: Tier{Threshold: FixedThreshold(95)},
		},
		model.MetricDiskInodes: {
			Warning:  Tier{Threshold: FixedThreshold(85)},
			Critical: Tier{Threshold: FixedThreshold(95)},
		},
		model.MetricDiskIOWait: {
			Warning:  Tier{Threshold: FixedThreshold(20), Duration: 5 * time.Minute},
			Critical: Tier{Threshold: FixedThreshold(40), Duration: 5 * time.Minute},
		},
		model.MetricLoadAverage: {
			Warning:  Tier{Threshold: ScaledThreshold(1.5), Duration: 5 * time.Minute},
			Critical: Tier{Threshold: ScaledThreshold(2.0), Duration: 5 * time.Minute},
		},
	}
}

// Registry holds the active rule set. Readers get an immutable snapshot;
// writers build a new set and swap it in.
type Registry struct {
	mu  sync.Mutex
	cur atomic.Value
}

func NewRegistry(initial Set) (*Registry, error) {
	if initial == nil {
		initial = Defaults()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{}
	r.cur.Store(initial.Clone())
	return r, nil
}

// Snapshot returns the current set without copying. Callers must not mutate it.
func (r *Registry) Snapshot() Set {
	if v := r.cur.Load(); v != nil {
		return v.(Set)
	}
	return Set{}
}

func (r *Registry) Get() Set {
	return r.Snapshot().Clone()
}

func (r *Registry) Lookup(kind model.MetricKind) (Rule, bool) {
	rule, ok := r.Snapshot()[kind]
	return rule, ok
}

func (r *Registry) Update(partial Set) (Set, error) {
	if err := partial.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.Snapshot().Merge(partial)
	r.cur.Store(next)
	return next.Clone(), nil
}

func (r *Registry) Replace(set Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur.Store(set.Clone())
	return nil
}
