package metrics

import (
	"sort"
	"sync"
	"time"

	"vmsentry/internal/model"
)

// Store keeps the latest sample of every entity for the live views.
type Store struct {
	mu        sync.RWMutex
	latest    map[string]model.MetricSample
	updatedAt map[string]time.Time
	limit     int
	now       func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		latest:    make(map[string]model.MetricSample),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
		now:       time.Now,
	}
}

func (s *Store) Update(sample model.MetricSample) {
	if sample.EntityID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[sample.EntityID]; ok && sample.Timestamp.Before(prev.Timestamp) {
		return
	}
	s.latest[sample.EntityID] = sample
	s.updatedAt[sample.EntityID] = s.now().UTC()
	if len(s.latest) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(entityID string) (model.MetricSample, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.latest[entityID]
	if !ok {
		return model.MetricSample{}, time.Time{}, false
	}
	return sample, s.updatedAt[entityID], true
}

// List returns the latest samples ordered by entity id.
func (s *Store) List() []model.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MetricSample, 0, len(s.latest))
	for _, sample := range s.latest {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

func (s *Store) evictOldest() {
	var oldestEntity string
	var oldest time.Time
	for entity, ts := range s.updatedAt {
		if oldestEntity == "" || ts.Before(oldest) {
			oldestEntity = entity
			oldest = ts
		}
	}
	if oldestEntity != "" {
		delete(s.latest, oldestEntity)
		delete(s.updatedAt, oldestEntity)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[string]model.MetricSample)
	s.updatedAt = make(map[string]time.Time)
}
