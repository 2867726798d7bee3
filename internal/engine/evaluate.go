package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"vmsentry/internal/model"
	"vmsentry/internal/rules"
)

var metricLabels = map[model.MetricKind]string{
	model.MetricCPUUsage:    "CPU usage",
	model.MetricMemoryUsage: "Memory usage",
	model.MetricSwapUsage:   "Swap usage",
	model.MetricDiskUsage:   "Disk usage",
	model.MetricDiskInodes:  "Disk inode usage",
	model.MetricDiskIOWait:  "Disk I/O wait",
	model.MetricLoadAverage: "Load average",
}

// Evaluate runs one numeric check for an entity and returns the alert it
// fires, if any. coreCount resolves core-scaled thresholds.
func (e *Engine) Evaluate(entity model.EntityContext, kind model.MetricKind, value float64, coreCount int, rule rules.Rule, now time.Time) (model.Alert, bool) {
	st := e.states.get(entity.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.evaluate(st, entity, kind, value, coreCount, rule, now, e.cooldownWindow())
}

// EvaluateService turns a service health report into an alert: down is
// critical, degraded is a warning, anything else is ignored.
func (e *Engine) EvaluateService(entity model.EntityContext, service string, state model.ServiceState, checks map[string]model.CheckResult, now time.Time) (model.Alert, bool) {
	st := e.states.get(entity.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.evaluateService(entity, service, state, checks, now, e.cooldownWindow())
}

// evaluate requires st.mu to be held.
func (e *Engine) evaluate(st *entityState, entity model.EntityContext, kind model.MetricKind, value float64, coreCount int, rule rules.Rule, now time.Time, window time.Duration) (model.Alert, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return model.Alert{}, false
	}
	critical, okCrit := rule.Critical.Threshold.Resolve(coreCount)
	warning, okWarn := rule.Warning.Threshold.Resolve(coreCount)
	if !okCrit || !okWarn {
		return model.Alert{}, false
	}

	var (
		severity  model.Severity
		tier      rules.Tier
		threshold float64
	)
	switch {
	case value > critical:
		severity, tier, threshold = model.SeverityCritical, rule.Critical, critical
	case value > warning:
		severity, tier, threshold = model.SeverityWarning, rule.Warning, warning
	default:
		delete(st.violations, kind)
		return model.Alert{}, false
	}

	v, tracking := st.violations[kind]
	if tracking {
		v.LastValue = value
		v.Level = severity
	}
	if tier.Duration > 0 {
		if !tracking {
			st.violations[kind] = &ViolationState{FirstViolation: now, LastValue: value, Level: severity}
			return model.Alert{}, false
		}
		if now.Sub(v.FirstViolation) < tier.Duration {
			return model.Alert{}, false
		}
	}

	if !e.cooldown.Allow(entity.EntityID, kind, severity, now, window) {
		return model.Alert{}, false
	}
	return model.Alert{
		EntityID:    entity.EntityID,
		DisplayName: entity.DisplayName,
		Metric:      kind,
		Severity:    severity,
		Threshold:   threshold,
		Value:       value,
		Message:     metricMessage(entity, kind, severity, value, threshold, rule, coreCount),
		Timestamp:   now,
	}, true
}

func (e *Engine) evaluateService(entity model.EntityContext, service string, state model.ServiceState, checks map[string]model.CheckResult, now time.Time, window time.Duration) (model.Alert, bool) {
	var severity model.Severity
	switch state {
	case model.ServiceDown:
		severity = model.SeverityCritical
	case model.ServiceDegraded:
		severity = model.SeverityWarning
	default:
		return model.Alert{}, false
	}
	kind := model.ServiceKind(service)
	if !e.cooldown.Allow(entity.EntityID, kind, severity, now, window) {
		return model.Alert{}, false
	}
	return model.Alert{
		EntityID:     entity.EntityID,
		DisplayName:  entity.DisplayName,
		Metric:       kind,
		Service:      service,
		ServiceState: state,
		Severity:     severity,
		Message:      serviceMessage(entity, service, state, checks),
		Timestamp:    now,
	}, true
}

// evaluateSample requires st.mu to be held.
func (e *Engine) evaluateSample(st *entityState, sample model.MetricSample, set rules.Set, now time.Time, window time.Duration) []model.Alert {
	entity := sample.Context()
	cores := coreCount(sample)
	out := make([]model.Alert, 0)
	for _, kind := range model.NumericKinds {
		value, ok := readingFor(sample, kind)
		if !ok {
			continue
		}
		rule, ok := set[kind]
		if !ok {
			continue
		}
		if alert, fired := e.evaluate(st, entity, kind, value, cores, rule, now, window); fired {
			out = append(out, alert)
		}
	}

	names := make([]string, 0, len(sample.Services))
	for name := range sample.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := sample.Services[name]
		if alert, fired := e.evaluateService(entity, name, status.State, status.Checks, now, window); fired {
			out = append(out, alert)
		}
	}
	return out
}

// readingFor extracts the value a metric kind is evaluated against. Missing
// readings report false and are not evaluated.
func readingFor(sample model.MetricSample, kind model.MetricKind) (float64, bool) {
	switch kind {
	case model.MetricCPUUsage:
		if sample.CPU != nil {
			return sample.CPU.Usage, true
		}
	case model.MetricMemoryUsage:
		if sample.Memory != nil {
			return sample.Memory.Percent, true
		}
	case model.MetricSwapUsage:
		if sample.Swap != nil {
			return sample.Swap.Percent, true
		}
	case model.MetricDiskUsage:
		if sample.Disk != nil {
			return sample.Disk.Percent, true
		}
	case model.MetricDiskInodes:
		if sample.Disk != nil && sample.Disk.InodesPercent != nil {
			return *sample.Disk.InodesPercent, true
		}
	case model.MetricDiskIOWait:
		if sample.Disk != nil && sample.Disk.IOWait != nil {
			return *sample.Disk.IOWait, true
		}
	case model.MetricLoadAverage:
		// 1 minute load.
		if len(sample.LoadAverage) > 0 {
			return sample.LoadAverage[0], true
		}
	}
	return 0, false
}

func coreCount(sample model.MetricSample) int {
	if sample.CoreCount > 0 {
		return sample.CoreCount
	}
	if sample.CPU != nil {
		return len(sample.CPU.Cores)
	}
	return 0
}

func entityName(entity model.EntityContext) string {
	if entity.DisplayName != "" {
		return entity.DisplayName
	}
	return entity.EntityID
}

func metricMessage(entity model.EntityContext, kind model.MetricKind, severity model.Severity, value, threshold float64, rule rules.Rule, cores int) string {
	label, ok := metricLabels[kind]
	if !ok {
		label = string(kind)
	}
	if kind == model.MetricLoadAverage {
		t := rule.Warning.Threshold
		if severity == model.SeverityCritical {
			t = rule.Critical.Threshold
		}
		if t.Kind == rules.ScaledByCores {
			return fmt.Sprintf("%s on %s is %.2f, above %s threshold %.2f (%gx %d cores)",
				label, entityName(entity), value, severity, threshold, t.Value, cores)
		}
		return fmt.Sprintf("%s on %s is %.2f, above %s threshold %.2f", label, entityName(entity), value, severity, threshold)
	}
	return fmt.Sprintf("%s on %s is %.1f%%, above %s threshold %.1f%%", label, entityName(entity), value, severity, threshold)
}

func serviceMessage(entity model.EntityContext, service string, state model.ServiceState, checks map[string]model.CheckResult) string {
	msg := fmt.Sprintf("Service %s on %s is %s", service, entityName(entity), state)
	names := make([]string, 0, len(checks))
	for name, c := range checks {
		if !c.Passed {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return msg
	}
	sort.Strings(names)
	failed := make([]string, 0, len(names))
	for _, name := range names {
		if m := checks[name].Message; m != "" {
			failed = append(failed, name+": "+m)
		} else {
			failed = append(failed, name)
		}
	}
	return msg + " (" + strings.Join(failed, "; ") + ")"
}
