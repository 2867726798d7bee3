package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"vmsentry/internal/model"
)

var ErrNotConfigured = errors.New("notifier not configured")

// Notifier delivers alerts to people or systems. Calls are made at most once
// per routing decision; implementations must not retry on their own.
type Notifier interface {
	Name() string
	SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error
	SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, n := range m {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

func (m Multi) SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error {
	var errs []error
	for _, n := range m {
		if err := n.SendImmediate(ctx, alert, entity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	var errs []error
	for _, n := range m {
		if err := n.SendBatch(ctx, alerts, entity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log. It is used when no outbound
// channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) SendImmediate(_ context.Context, alert model.Alert, entity model.EntityContext) error {
	if l.logger != nil {
		l.logger.Info("notification", "entity_id", entity.EntityID, "subject", Subject([]model.Alert{alert}, entity), "message", alert.Message)
	}
	return nil
}

func (l *LogNotifier) SendBatch(_ context.Context, alerts []model.Alert, entity model.EntityContext) error {
	if l.logger != nil {
		l.logger.Info("batch notification", "entity_id", entity.EntityID, "subject", Subject(alerts, entity), "count", len(alerts))
	}
	return nil
}

// Subject is the one-line summary used by mail and log notifications.
func Subject(alerts []model.Alert, entity model.EntityContext) string {
	name := entity.DisplayName
	if name == "" {
		name = entity.EntityID
	}
	if len(alerts) == 1 {
		a := alerts[0]
		return fmt.Sprintf("[vmsentry] %s %s on %s", strings.ToUpper(string(a.Severity)), a.Metric, name)
	}
	return fmt.Sprintf("[vmsentry] %d alerts on %s (%s)", len(alerts), name, strings.ToUpper(string(worst(alerts))))
}

// Body lists the alerts one per line, critical first.
func Body(alerts []model.Alert) string {
	sorted := append([]model.Alert(nil), alerts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Severity != sorted[j].Severity {
			return sorted[i].Severity == model.SeverityCritical
		}
		return sorted[i].Metric < sorted[j].Metric
	})
	var b strings.Builder
	for _, a := range sorted {
		fmt.Fprintf(&b, "%s  %-8s  %s\n", a.Timestamp.UTC().Format("2006-01-02 15:04:05Z"), a.Severity, a.Message)
	}
	return b.String()
}

func worst(alerts []model.Alert) model.Severity {
	for _, a := range alerts {
		if a.Severity == model.SeverityCritical {
			return model.SeverityCritical
		}
	}
	return model.SeverityWarning
}
