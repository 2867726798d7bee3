package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"vmsentry/internal/model"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")
	c.SampleProcessed("rest", time.Millisecond)
	c.SampleProcessed("rest", time.Millisecond)
	c.FieldsSkipped([]string{"cpu.usage", "cpu.usage"})
	c.AlertEmitted(model.Alert{Metric: model.MetricCPUUsage, Severity: model.SeverityCritical})
	c.NotificationSent("batch", errors.New("smtp down"))
	c.BatchQueued(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.samplesTotal.WithLabelValues("rest")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.skippedFields.WithLabelValues("cpu.usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alertsTotal.WithLabelValues("cpu_usage", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifyFailures.WithLabelValues("batch")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.batchQueued))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SampleProcessed("rest", time.Millisecond)
	c.DuplicateSample()
	c.AlertEmitted(model.Alert{})
	c.NotificationSent("immediate", nil)
	c.StoreError("save_alert")
	c.LiveEntities(1)
	assert.NotNil(t, c.Handler())
}
