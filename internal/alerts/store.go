package alerts

import (
	"sync"
	"time"

	"vmsentry/internal/model"
)

// Store is a bounded ring of the most recent alerts, newest last.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.Alert) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

func (s *Store) List(limit int) []model.Alert {
	return s.Query("", time.Time{}, limit)
}

// Query returns up to limit of the newest alerts, optionally restricted to one
// entity and to alerts at or after since. Results stay in arrival order.
func (s *Store) Query(entityID string, since time.Time, limit int) []model.Alert {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Alert, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		a := s.buf[i]
		if entityID != "" && a.EntityID != entityID {
			continue
		}
		if !since.IsZero() && a.Timestamp.Before(since) {
			continue
		}
		matched = append(matched, a)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

func (s *Store) Since(ts time.Time) []model.Alert {
	return s.Query("", ts, 0)
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
