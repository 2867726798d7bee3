package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vmsentry/internal/config"
	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
	"vmsentry/internal/rules"
)

type Engine struct {
	logger    *slog.Logger
	cfg       atomic.Value
	rules     *rules.Registry
	live      *metrics.Store
	samples   SampleStore
	emitter   *Emitter
	publisher Publisher
	collector *metrics.Collector

	states   *shardedStates
	cooldown *Cooldown
	dedupe   *DedupeCache

	started   time.Time
	processed atomic.Uint64
	wg        sync.WaitGroup
	now       func() time.Time
}

type Stats struct {
	Started    time.Time `json:"started"`
	Processed  uint64    `json:"processed"`
	Entities   int       `json:"entities"`
	Violations int       `json:"violations"`
	Shards     int       `json:"shards"`
}

// NewEngine builds an engine over cfg. The shard count is fixed here; later
// config updates change everything else.
func NewEngine(cfg *config.Config, registry *rules.Registry, logger *slog.Logger, live *metrics.Store, samples SampleStore, emitter *Emitter, publisher Publisher, collector *metrics.Collector) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if live == nil {
		live = metrics.NewStore(cfg.Live.StoreLimit)
	}
	e := &Engine{
		logger:    logger,
		rules:     registry,
		live:      live,
		samples:   samples,
		emitter:   emitter,
		publisher: publisher,
		collector: collector,
		states:    newShardedStates(cfg.Engine.Shards),
		cooldown:  NewCooldown(),
		dedupe:    NewDedupeCache(),
		now:       time.Now,
	}
	e.started = e.now().UTC()
	e.cooldown.SetSlack(cooldownSlack(cfg))
	e.cfg.Store(cfg)
	return e
}

// UpdateConfig swaps in a reloaded config and its rule set. On an invalid
// rule set the previous config stays active.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	if e.rules != nil && cfg.Rules != nil {
		if err := e.rules.Replace(cfg.Rules); err != nil {
			return err
		}
	}
	e.cooldown.SetSlack(cooldownSlack(cfg))
	e.cfg.Store(cfg)
	return nil
}

// cooldownSlack is the widest spread clamping allows between two entities'
// sample clocks.
func cooldownSlack(cfg *config.Config) time.Duration {
	if cfg.Engine.MaxClockSkew <= 0 || cfg.Engine.MaxFutureSkew <= 0 {
		return defaultCooldownSlack
	}
	return cfg.Engine.MaxClockSkew + cfg.Engine.MaxFutureSkew
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) cooldownWindow() time.Duration {
	return e.config().Engine.Cooldown
}

func (e *Engine) ruleSet() rules.Set {
	if e.rules == nil {
		return rules.Defaults()
	}
	return e.rules.Snapshot()
}

// Start fans samples from in out to one worker per shard, so samples of one
// entity are processed in arrival order. Workers stop when ctx is done or in
// is closed and drained; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context, in <-chan model.MetricSample) {
	n := len(e.states.shards)
	size := e.config().Ingest.ChannelBuffer / n
	if size < 1 {
		size = 1
	}
	lanes := make([]chan model.MetricSample, n)
	for i := range lanes {
		lanes[i] = make(chan model.MetricSample, size)
		e.wg.Add(1)
		go func(lane <-chan model.MetricSample) {
			defer e.wg.Done()
			for {
				select {
				case sample, ok := <-lane:
					if !ok {
						return
					}
					e.ProcessSample(ctx, sample)
				case <-ctx.Done():
					return
				}
			}
		}(lanes[i])
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case sample, ok := <-in:
				if !ok {
					for _, lane := range lanes {
						close(lane)
					}
					return
				}
				lane := lanes[shardIndex(sample.EntityID, n)]
				select {
				case lane <- sample:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// ProcessSample evaluates one sample and returns the alerts it emitted.
func (e *Engine) ProcessSample(ctx context.Context, sample model.MetricSample) []model.Alert {
	begin := time.Now()
	cfg := e.config()
	now := e.now().UTC()
	if sample.EntityID == "" {
		sample.EntityID = "unknown"
	}
	sample.Timestamp = clampTimestamp(sample.Timestamp, now, cfg.Engine.MaxClockSkew, cfg.Engine.MaxFutureSkew)

	if cfg.Engine.DedupeWindow > 0 && e.dedupe.Seen(sample.EntityID, sample.Timestamp, now, cfg.Engine.DedupeWindow) {
		e.collector.DuplicateSample()
		if e.logger != nil {
			e.logger.Debug("duplicate sample dropped", "entity_id", sample.EntityID, "timestamp", sample.Timestamp)
		}
		return nil
	}

	e.live.Update(sample)
	e.collector.LiveEntities(e.live.Len())
	if e.publisher != nil {
		e.publisher.PublishSample(sample)
	}
	if e.samples != nil {
		if err := e.samples.SaveSample(ctx, sample); err != nil {
			e.collector.StoreError("save_sample")
			if e.logger != nil {
				e.logger.Error("save sample failed", "entity_id", sample.EntityID, "error", err)
			}
		}
	}

	st := e.states.get(sample.EntityID)
	st.mu.Lock()
	fired := e.evaluateSample(st, sample, e.ruleSet(), sample.Timestamp, cfg.Engine.Cooldown)
	st.mu.Unlock()

	out := make([]model.Alert, 0, len(fired))
	for _, alert := range fired {
		out = append(out, e.emitter.Emit(ctx, alert))
	}
	e.processed.Add(1)
	e.collector.SampleProcessed(sample.Source, time.Since(begin))
	return out
}

// Reset drops all violation, cooldown, dedupe and live state.
func (e *Engine) Reset() {
	e.states.reset()
	e.cooldown.Reset()
	e.dedupe.Reset()
	e.live.Clear()
	e.collector.LiveEntities(0)
}

func (e *Engine) Stats() Stats {
	violations := 0
	entities := e.states.entityIDs()
	for _, id := range entities {
		if st, ok := e.states.lookup(id); ok {
			st.mu.Lock()
			violations += len(st.violations)
			st.mu.Unlock()
		}
	}
	return Stats{
		Started:    e.started,
		Processed:  e.processed.Load(),
		Entities:   len(entities),
		Violations: violations,
		Shards:     len(e.states.shards),
	}
}

func (e *Engine) Live() *metrics.Store {
	return e.live
}

// clampTimestamp replaces agent timestamps that are missing or skewed too far
// from the server clock with now.
func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 && now.Sub(ts) > maxPast {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts
}
