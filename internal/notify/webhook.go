package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

// Envelope is the JSON document posted to webhooks and written to Kafka.
type Envelope struct {
	Kind    string              `json:"kind"`
	Entity  model.EntityContext `json:"entity"`
	Subject string              `json:"subject"`
	Alerts  []model.Alert       `json:"alerts"`
	SentAt  time.Time           `json:"sent_at"`
}

func newEnvelope(kind string, alerts []model.Alert, entity model.EntityContext, now time.Time) Envelope {
	return Envelope{Kind: kind, Entity: entity, Subject: Subject(alerts, entity), Alerts: alerts, SentAt: now.UTC()}
}

type Webhook struct {
	URL  string
	HTTP *http.Client
	now  func() time.Time
}

func NewWebhook(cfg config.WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: %w", ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: cfg.URL, HTTP: &http.Client{Timeout: timeout}, now: time.Now}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error {
	return w.post(ctx, newEnvelope("immediate", []model.Alert{alert}, entity, w.now()))
}

func (w *Webhook) SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	return w.post(ctx, newEnvelope("batch", alerts, entity, w.now()))
}

func (w *Webhook) post(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
