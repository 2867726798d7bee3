package engine

import (
	"context"
	"log/slog"

	"vmsentry/internal/alerts"
	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
)

type AlertStore interface {
	SaveAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
}

type SampleStore interface {
	SaveSample(ctx context.Context, sample model.MetricSample) error
}

type Router interface {
	Route(ctx context.Context, alert model.Alert)
}

// Publisher pushes live updates to connected dashboards.
type Publisher interface {
	PublishSample(sample model.MetricSample)
	PublishAlert(alert model.Alert)
}

// Emitter persists an alert and then hands it to the router. Every
// collaborator is optional.
type Emitter struct {
	logger    *slog.Logger
	store     AlertStore
	recent    *alerts.Store
	router    Router
	publisher Publisher
	collector *metrics.Collector
}

func NewEmitter(logger *slog.Logger, store AlertStore, recent *alerts.Store, router Router, publisher Publisher, collector *metrics.Collector) *Emitter {
	return &Emitter{
		logger:    logger,
		store:     store,
		recent:    recent,
		router:    router,
		publisher: publisher,
		collector: collector,
	}
}

// Emit saves the alert, waiting for the store, and routes it. A store failure
// is logged and the unsaved alert is routed anyway.
func (em *Emitter) Emit(ctx context.Context, alert model.Alert) model.Alert {
	if em == nil {
		return alert
	}
	stored := alert
	if em.store != nil {
		saved, err := em.store.SaveAlert(ctx, alert)
		if err != nil {
			em.collector.StoreError("save_alert")
			if em.logger != nil {
				em.logger.Error("save alert failed",
					"entity_id", alert.EntityID,
					"metric", alert.Metric,
					"severity", alert.Severity,
					"error", err,
				)
			}
		} else {
			stored = saved
		}
	}
	em.recent.Add(stored)
	em.collector.AlertEmitted(stored)
	if em.logger != nil {
		em.logger.Warn("alert triggered",
			"alert_id", stored.ID,
			"entity_id", stored.EntityID,
			"metric", stored.Metric,
			"severity", stored.Severity,
			"threshold", stored.Threshold,
			"value", stored.Value,
		)
	}
	if em.publisher != nil {
		em.publisher.PublishAlert(stored)
	}
	if em.router != nil {
		em.router.Route(ctx, stored)
	}
	return stored
}
