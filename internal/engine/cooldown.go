package engine

import (
	"sync"
	"time"

	"vmsentry/internal/model"
)

const (
	maxCooldownKeys = 50000
	// Slack used when timestamps are not clamped and agent clocks are
	// unbounded.
	defaultCooldownSlack = 24 * time.Hour
)

type cooldownKey struct {
	entity   string
	metric   model.MetricKind
	severity model.Severity
}

type cooldownEntry struct {
	at   time.Time // sample clock of the entity
	seen time.Time // server clock
}

// Cooldown remembers when an alert last fired per (entity, metric, severity).
// Fire times are on each entity's sample clock; eviction uses the server
// clock, so one entity's skew never expires another entity's key early.
type Cooldown struct {
	mu    sync.Mutex
	last  map[cooldownKey]cooldownEntry
	slack time.Duration
	limit int
	wall  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{
		last:  make(map[cooldownKey]cooldownEntry),
		slack: defaultCooldownSlack,
		limit: maxCooldownKeys,
		wall:  time.Now,
	}
}

// SetSlack sets how far apart two entities' sample clocks can be. Keys are
// evicted only once window+slack has passed on the server clock.
func (c *Cooldown) SetSlack(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slack = d
}

// Allow reports whether an alert for the key may fire at now and, if so,
// records now as the key's last fire time.
func (c *Cooldown) Allow(entity string, metric model.MetricKind, severity model.Severity, now time.Time, window time.Duration) bool {
	key := cooldownKey{entity: entity, metric: metric, severity: severity}
	c.mu.Lock()
	defer c.mu.Unlock()
	if window > 0 {
		if e, ok := c.last[key]; ok && now.Sub(e.at) < window {
			return false
		}
	}
	wall := c.wall()
	c.last[key] = cooldownEntry{at: now, seen: wall}
	if len(c.last) > c.limit {
		c.compact(wall, window+c.slack)
	}
	return true
}

func (c *Cooldown) Last(entity string, metric model.MetricKind, severity model.Severity) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.last[cooldownKey{entity: entity, metric: metric, severity: severity}]
	return e.at, ok
}

func (c *Cooldown) compact(wall time.Time, ttl time.Duration) {
	for k, e := range c.last {
		if wall.Sub(e.seen) >= ttl {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[cooldownKey]cooldownEntry)
}
