package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alert envelopes keyed by entity id, so one entity's
// notifications stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafka(cfg config.KafkaSink) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: %w", ErrNotConfigured)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Kafka{writer: w, now: time.Now}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error {
	return k.write(ctx, newEnvelope("immediate", []model.Alert{alert}, entity, k.now()))
}

func (k *Kafka) SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	return k.write(ctx, newEnvelope("batch", alerts, entity, k.now()))
}

func (k *Kafka) write(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Entity.EntityID),
		Value: value,
		Time:  env.SentAt,
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
