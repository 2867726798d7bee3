package engine

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"vmsentry/internal/model"
)

// entityState is the evaluation state of one entity. mu is held for the whole
// evaluation of a sample, so at most one evaluation per entity is in flight.
type entityState struct {
	mu         sync.Mutex
	id         string
	violations map[model.MetricKind]*ViolationState
}

type shard struct {
	mu       sync.Mutex
	entities map[string]*entityState
}

type shardedStates struct {
	shards []*shard
}

func newShardedStates(n int) *shardedStates {
	if n <= 0 {
		n = 1
	}
	s := &shardedStates{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entities: make(map[string]*entityState)}
	}
	return s
}

func shardIndex(entityID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(entityID) % uint64(n))
}

func (s *shardedStates) get(entityID string) *entityState {
	sh := s.shards[shardIndex(entityID, len(s.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entities[entityID]
	if !ok {
		st = &entityState{id: entityID, violations: make(map[model.MetricKind]*ViolationState)}
		sh.entities[entityID] = st
	}
	return st
}

func (s *shardedStates) lookup(entityID string) (*entityState, bool) {
	sh := s.shards[shardIndex(entityID, len(s.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entities[entityID]
	return st, ok
}

func (s *shardedStates) entityIDs() []string {
	out := make([]string, 0)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.entities {
			out = append(out, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func (s *shardedStates) reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entities = make(map[string]*entityState)
		sh.mu.Unlock()
	}
}
