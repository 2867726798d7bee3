package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vmsentry/internal/logging"
	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
)

// ServiceAlertState decides whether the next alert of a service is sent
// right away or batched.
type ServiceAlertState struct {
	FirstAlertTime time.Time   `json:"first_alert_time"`
	LastAlertTime  time.Time   `json:"last_alert_time"`
	EmailSent      bool        `json:"email_sent"`
	Alert          model.Alert `json:"alert"`
}

// entityRouting holds the service states and pending batch of one entity.
type entityRouting struct {
	mu       sync.Mutex
	entity   model.EntityContext
	services map[string]*ServiceAlertState
	batch    []model.Alert
}

// upsert replaces a queued alert of the same metric or appends a new one.
func (q *entityRouting) upsert(alert model.Alert) {
	for i := range q.batch {
		if q.batch[i].Metric == alert.Metric {
			q.batch[i] = alert
			return
		}
	}
	q.batch = append(q.batch, alert)
}

// ErrQueueFull is recorded when an immediate send is dropped because the
// delivery queue is full.
var ErrQueueFull = errors.New("notification queue full")

const deliveryQueueSize = 1024

type delivery struct {
	mode   string
	alerts []model.Alert
	entity model.EntityContext
}

type RouterStats struct {
	Entities  int       `json:"entities"`
	Services  int       `json:"services"`
	Queued    int       `json:"queued"`
	LastFlush time.Time `json:"last_flush"`
}

// Router sends numeric alerts immediately. Service alerts are sent
// immediately the first time per (entity, service); later ones are queued
// per entity and delivered as one batch on every flush.
//
// Once started, immediate sends are handed to a delivery worker so Route
// never waits on the network. Before Start they run on the caller.
type Router struct {
	logger    *slog.Logger
	notifier  Notifier
	collector *metrics.Collector
	window    time.Duration

	mu        sync.Mutex
	entities  map[string]*entityRouting
	lastFlush time.Time

	sched  *cron.Cron
	queue  chan delivery
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	now    func() time.Time
}

func NewRouter(notifier Notifier, window time.Duration, logger *slog.Logger, collector *metrics.Collector) *Router {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Router{
		logger:    logger,
		notifier:  notifier,
		collector: collector,
		window:    window,
		entities:  make(map[string]*entityRouting),
		now:       time.Now,
	}
}

func (r *Router) entity(ctx model.EntityContext) *entityRouting {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.entities[ctx.EntityID]
	if !ok {
		q = &entityRouting{entity: ctx, services: make(map[string]*ServiceAlertState)}
		r.entities[ctx.EntityID] = q
	}
	if ctx.DisplayName != "" {
		q.entity.DisplayName = ctx.DisplayName
	}
	return q
}

func serviceName(alert model.Alert) string {
	if alert.Service != "" {
		return alert.Service
	}
	return strings.TrimPrefix(string(alert.Metric), "service_")
}

func (r *Router) Route(ctx context.Context, alert model.Alert) {
	entity := alert.Context()
	if !alert.IsService() {
		r.dispatch(ctx, []model.Alert{alert}, entity)
		return
	}

	name := serviceName(alert)
	now := r.now().UTC()
	q := r.entity(entity)
	q.mu.Lock()
	st, ok := q.services[name]
	if !ok || !st.EmailSent {
		// Marked sent before the call so a failed send is never retried.
		q.services[name] = &ServiceAlertState{
			FirstAlertTime: now,
			LastAlertTime:  now,
			EmailSent:      true,
			Alert:          alert,
		}
		q.mu.Unlock()
		r.dispatch(ctx, []model.Alert{alert}, entity)
		return
	}
	st.LastAlertTime = now
	st.Alert = alert
	q.upsert(alert)
	q.mu.Unlock()

	r.collector.BatchQueued(r.queued())
	if r.logger != nil {
		r.logger.Debug("service alert queued", "entity_id", alert.EntityID, "service", name, "severity", alert.Severity)
	}
}

// Flush sends one batch per entity with queued alerts and returns how many
// batches were sent.
func (r *Router) Flush(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	queues := make([]*entityRouting, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		queues = append(queues, r.entities[id])
	}
	r.lastFlush = r.now().UTC()
	r.mu.Unlock()

	sent := 0
	for _, q := range queues {
		q.mu.Lock()
		batch := q.batch
		q.batch = nil
		entity := q.entity
		q.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		r.send(ctx, "batch", batch, entity)
		sent++
	}
	r.collector.BatchQueued(r.queued())
	return sent
}

// dispatch queues an immediate send for the delivery worker, or sends it
// inline when the router is not started.
func (r *Router) dispatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) {
	r.mu.Lock()
	queue := r.queue
	r.mu.Unlock()
	if queue == nil {
		r.send(ctx, "immediate", alerts, entity)
		return
	}
	select {
	case queue <- delivery{mode: "immediate", alerts: alerts, entity: entity}:
	default:
		r.collector.NotificationSent("immediate", ErrQueueFull)
		if r.logger != nil {
			r.logger.Warn("notification dropped", "entity_id", entity.EntityID, "error", ErrQueueFull)
		}
	}
}

func (r *Router) deliverLoop(ctx context.Context, queue <-chan delivery, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case d := <-queue:
			r.send(ctx, d.mode, d.alerts, d.entity)
		case <-stop:
			for {
				select {
				case d := <-queue:
					r.send(ctx, d.mode, d.alerts, d.entity)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) send(ctx context.Context, mode string, alerts []model.Alert, entity model.EntityContext) {
	if r.notifier == nil {
		return
	}
	var err error
	if mode == "batch" {
		err = r.notifier.SendBatch(ctx, alerts, entity)
	} else {
		err = r.notifier.SendImmediate(ctx, alerts[0], entity)
	}
	r.collector.NotificationSent(mode, err)
	if err != nil && r.logger != nil {
		r.logger.Warn("notification failed",
			"entity_id", entity.EntityID,
			"mode", mode,
			"count", len(alerts),
			"notifier", r.notifier.Name(),
			"error", err,
		)
	}
}

// Start schedules Flush every batch window and starts the delivery worker.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		return
	}
	var runCtx context.Context
	runCtx, r.cancel = context.WithCancel(context.Background())
	r.queue = make(chan delivery, deliveryQueueSize)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.deliverLoop(runCtx, r.queue, r.stop, r.done)

	logger := logging.CronLogger(r.logger, "flush scheduler")
	r.sched = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)), cron.WithLogger(logger))
	r.sched.Schedule(cron.Every(r.window), cron.FuncJob(func() {
		r.Flush(runCtx)
	}))
	r.sched.Start()
}

// Stop stops scheduling flushes, waits for a running flush and the queued
// immediate sends to finish, or for ctx to end, in which case in-flight sends
// are cancelled. Queued batch alerts are not flushed.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	sched, stop, done, cancel := r.sched, r.stop, r.done, r.cancel
	r.sched, r.queue, r.stop, r.done, r.cancel = nil, nil, nil, nil, nil
	r.mu.Unlock()
	if sched == nil {
		return nil
	}
	defer cancel()
	flushed := sched.Stop()
	close(stop)
	select {
	case <-flushed.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset forgets every service state and drops queued alerts.
func (r *Router) Reset() {
	r.mu.Lock()
	r.entities = make(map[string]*entityRouting)
	r.mu.Unlock()
	r.collector.BatchQueued(0)
}

func (r *Router) ServiceState(entityID, service string) (ServiceAlertState, bool) {
	r.mu.Lock()
	q, ok := r.entities[entityID]
	r.mu.Unlock()
	if !ok {
		return ServiceAlertState{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.services[service]
	if !ok {
		return ServiceAlertState{}, false
	}
	return *st, true
}

func (r *Router) Pending(entityID string) []model.Alert {
	r.mu.Lock()
	q, ok := r.entities[entityID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Alert(nil), q.batch...)
}

func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	queues := make([]*entityRouting, 0, len(r.entities))
	for _, q := range r.entities {
		queues = append(queues, q)
	}
	stats := RouterStats{Entities: len(queues), LastFlush: r.lastFlush}
	r.mu.Unlock()
	for _, q := range queues {
		q.mu.Lock()
		stats.Services += len(q.services)
		stats.Queued += len(q.batch)
		q.mu.Unlock()
	}
	return stats
}

func (r *Router) queued() int {
	return r.Stats().Queued
}
