package engine

import (
	"time"

	"vmsentry/internal/model"
)

// ViolationState tracks an ongoing breach of one metric. There is a single
// state per metric: moving between tiers overwrites Level and keeps
// FirstViolation, so a critical tier's duration counts from the first breach
// of either tier.
type ViolationState struct {
	FirstViolation time.Time      `json:"first_violation"`
	LastValue      float64        `json:"last_value"`
	Level          model.Severity `json:"level"`
}

// Violation returns a copy of the violation state of (entityID, kind).
func (e *Engine) Violation(entityID string, kind model.MetricKind) (ViolationState, bool) {
	st, ok := e.states.lookup(entityID)
	if !ok {
		return ViolationState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.violations[kind]
	if !ok {
		return ViolationState{}, false
	}
	return *v, true
}

// Violations returns every open violation, keyed by entity then metric.
func (e *Engine) Violations() map[string]map[model.MetricKind]ViolationState {
	out := make(map[string]map[model.MetricKind]ViolationState)
	for _, id := range e.states.entityIDs() {
		st, ok := e.states.lookup(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		if len(st.violations) > 0 {
			m := make(map[model.MetricKind]ViolationState, len(st.violations))
			for k, v := range st.violations {
				m[k] = *v
			}
			out[id] = m
		}
		st.mu.Unlock()
	}
	return out
}
