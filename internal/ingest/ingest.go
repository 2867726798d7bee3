package ingest

import (
	"context"
	"log/slog"
	"time"

	"vmsentry/internal/model"
)

// SendNonBlocking hands a sample to the engine, dropping it when the channel
// is full.
func SendNonBlocking(ctx context.Context, out chan<- model.MetricSample, sample model.MetricSample, logger *slog.Logger) bool {
	select {
	case out <- sample:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("sample channel full, dropping sample", "entity_id", sample.EntityID, "timestamp", sample.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
