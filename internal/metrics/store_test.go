package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsentry/internal/model"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStoreKeepsLatestPerEntity(t *testing.T) {
	s := NewStore(10)
	s.Update(model.MetricSample{EntityID: "vm-1", Timestamp: base.Add(time.Minute), CPU: &model.CPUReading{Usage: 20}})
	s.Update(model.MetricSample{EntityID: "vm-1", Timestamp: base, CPU: &model.CPUReading{Usage: 10}})
	s.Update(model.MetricSample{Timestamp: base})

	got, _, ok := s.Get("vm-1")
	require.True(t, ok)
	assert.Equal(t, 20.0, got.CPU.Usage, "older samples do not replace newer ones")
	assert.Equal(t, 1, s.Len())
}

func TestStoreEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	clock := base
	s.now = func() time.Time { return clock }

	for _, id := range []string{"vm-a", "vm-b", "vm-c"} {
		s.Update(model.MetricSample{EntityID: id, Timestamp: base})
		clock = clock.Add(time.Second)
	}
	assert.Equal(t, 2, s.Len())
	_, _, ok := s.Get("vm-a")
	assert.False(t, ok)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "vm-b", list[0].EntityID)

	s.Clear()
	assert.Zero(t, s.Len())
}
