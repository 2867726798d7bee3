package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ThresholdKind int

const (
	// Fixed thresholds compare against Value directly.
	Fixed ThresholdKind = iota
	// ScaledByCores thresholds compare against Value * core count.
	ScaledByCores
)

type Threshold struct {
	Kind  ThresholdKind
	Value float64
}

func FixedThreshold(v float64) Threshold {
	return Threshold{Kind: Fixed, Value: v}
}

func ScaledThreshold(multiplier float64) Threshold {
	return Threshold{Kind: ScaledByCores, Value: multiplier}
}

// Resolve returns the concrete threshold for an entity with coreCount cores.
// A scaled threshold cannot be resolved without a positive core count.
func (t Threshold) Resolve(coreCount int) (float64, bool) {
	switch t.Kind {
	case Fixed:
		return t.Value, true
	case ScaledByCores:
		if coreCount <= 0 {
			return 0, false
		}
		return float64(coreCount) * t.Value, true
	default:
		return 0, false
	}
}

func (t Threshold) String() string {
	if t.Kind == ScaledByCores {
		return fmt.Sprintf("%gx cores", t.Value)
	}
	return fmt.Sprintf("%g", t.Value)
}

// Tier is one severity level of a rule: a threshold and how long it must be
// exceeded before an alert fires. Zero Duration fires immediately.
type Tier struct {
	Threshold Threshold
	Duration  time.Duration
}

func (t Tier) validate() error {
	if math.IsNaN(t.Threshold.Value) || math.IsInf(t.Threshold.Value, 0) {
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	}
	if t.Threshold.Kind != Fixed && t.Threshold.Kind != ScaledByCores {
		return fmt.Errorf("%w: unknown threshold kind %d", ErrInvalidRule, t.Threshold.Kind)
	}
	if t.Duration < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidRule)
	}
	return nil
}

// Millis decodes a duration from a number of milliseconds or a Go duration
// string. JSON encodes it as milliseconds, YAML as a duration string.
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := parseMillis(raw)
	if err != nil {
		return err
	}
	*m = Millis(d)
	return nil
}

func (m Millis) MarshalYAML() (any, error) {
	return time.Duration(m).String(), nil
}

func (m *Millis) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d, err := parseMillis(raw)
	if err != nil {
		return err
	}
	*m = Millis(d)
	return nil
}

func parseMillis(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case uint64:
		return time.Duration(v) * time.Millisecond, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q: %v", ErrInvalidRule, v, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%w: duration has unsupported type %T", ErrInvalidRule, raw)
	}
}

type tierDoc struct {
	Threshold  *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Multiplier *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Duration   Millis   `json:"duration" yaml:"duration"`
}

func (d tierDoc) tier() (Tier, error) {
	var t Tier
	switch {
	case d.Threshold != nil && d.Multiplier != nil:
		return Tier{}, fmt.Errorf("%w: threshold and multiplier are mutually exclusive", ErrInvalidRule)
	case d.Threshold != nil:
		t.Threshold = FixedThreshold(*d.Threshold)
	case d.Multiplier != nil:
		t.Threshold = ScaledThreshold(*d.Multiplier)
	default:
		return Tier{}, fmt.Errorf("%w: threshold or multiplier required", ErrInvalidRule)
	}
	t.Duration = time.Duration(d.Duration)
	return t, t.validate()
}

func (t Tier) doc() tierDoc {
	v := t.Threshold.Value
	d := tierDoc{Duration: Millis(t.Duration)}
	if t.Threshold.Kind == ScaledByCores {
		d.Multiplier = &v
	} else {
		d.Threshold = &v
	}
	return d
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.doc())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var d tierDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	tier, err := d.tier()
	if err != nil {
		return err
	}
	*t = tier
	return nil
}

func (t Tier) MarshalYAML() (any, error) {
	return t.doc(), nil
}

func (t *Tier) UnmarshalYAML(value *yaml.Node) error {
	var d tierDoc
	if err := value.Decode(&d); err != nil {
		return err
	}
	tier, err := d.tier()
	if err != nil {
		return err
	}
	*t = tier
	return nil
}
