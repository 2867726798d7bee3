package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

var fixedNow = func() time.Time { return time.Date(2025, 5, 2, 8, 30, 0, 0, time.UTC) }

func TestMultiJoinsErrors(t *testing.T) {
	ok := &fakeNotifier{}
	broken := &fakeNotifier{err: errors.New("boom")}
	m := Multi{ok, broken}

	err := m.SendImmediate(context.Background(), serviceAlert("vm-1", "nginx", model.ServiceDown), model.EntityContext{EntityID: "vm-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake: boom")
	immediate, _ := ok.counts()
	assert.Equal(t, 1, immediate, "a failing notifier does not stop the others")
}

func TestNotifiersRequireConfig(t *testing.T) {
	_, err := NewMail(config.MailConfig{Host: "smtp.example.com"})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = NewWebhook(config.WebhookConfig{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = NewKafka(config.KafkaSink{Topic: "alerts"})
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestMailComposesBatch(t *testing.T) {
	m, err := NewMail(config.MailConfig{Host: "smtp.example.com", Port: 2525, From: "vmsentry@example.com", To: []string{"ops@example.com"}})
	require.NoError(t, err)
	m.now = fixedNow

	var gotAddr string
	var gotMsg []byte
	m.sendMail = func(_ context.Context, addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, []string{"ops@example.com"}, to)
		return nil
	}

	entity := model.EntityContext{EntityID: "vm-1", DisplayName: "web-01"}
	batch := []model.Alert{
		serviceAlert("vm-1", "redis", model.ServiceDegraded),
		serviceAlert("vm-1", "nginx", model.ServiceDown),
	}
	require.NoError(t, m.SendBatch(context.Background(), batch, entity))
	assert.Equal(t, "smtp.example.com:2525", gotAddr)

	text := string(gotMsg)
	assert.Contains(t, text, "Subject: [vmsentry] 2 alerts on web-01 (CRITICAL)\r\n")
	assert.Less(t, strings.Index(text, "nginx is down"), strings.Index(text, "redis is degraded"), "critical alerts are listed first")
}

func TestMailReportsSMTPError(t *testing.T) {
	m, err := NewMail(config.MailConfig{Host: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}})
	require.NoError(t, err)
	m.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error { return errors.New("421 try later") }
	err = m.SendImmediate(context.Background(), serviceAlert("vm-1", "nginx", model.ServiceDown), model.EntityContext{EntityID: "vm-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "421")
}

func TestMailGivesUpOnStalledServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	m, err := NewMail(config.MailConfig{Host: "127.0.0.1", Port: port, From: "a@example.com", To: []string{"b@example.com"}, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	err = m.SendImmediate(context.Background(), serviceAlert("vm-1", "nginx", model.ServiceDown), model.EntityContext{EntityID: "vm-1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "a silent server does not hold the sender")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.SendImmediate(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown), model.EntityContext{EntityID: "vm-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailSubjectCannotInjectHeaders(t *testing.T) {
	m, err := NewMail(config.MailConfig{Host: "smtp.example.com", From: "a@example.com", To: []string{"ops@example.com"}})
	require.NoError(t, err)
	var gotMsg []byte
	m.sendMail = func(_ context.Context, _ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = msg
		return nil
	}

	entity := model.EntityContext{EntityID: "vm-1", DisplayName: "web-01\r\nBcc: attacker@example.net"}
	require.NoError(t, m.SendImmediate(context.Background(), serviceAlert("vm-1", "nginx", model.ServiceDown), entity))

	text := string(gotMsg)
	assert.NotContains(t, text, "\r\nBcc:")
	headers := text[:strings.Index(text, "\r\n\r\n")]
	for _, line := range strings.Split(headers, "\r\n") {
		assert.NotContains(t, line, "\n")
	}
}

func TestWebhookPostsEnvelope(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(config.WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	wh.now = fixedNow

	entity := model.EntityContext{EntityID: "vm-1", DisplayName: "web-01"}
	require.NoError(t, wh.SendImmediate(context.Background(), serviceAlert("vm-1", "nginx", model.ServiceDown), entity))
	assert.Equal(t, "immediate", got.Kind)
	assert.Equal(t, entity, got.Entity)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "nginx", got.Alerts[0].Service)
	assert.Equal(t, fixedNow(), got.SentAt)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, err := NewWebhook(config.WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	err = wh.SendBatch(context.Background(), []model.Alert{serviceAlert("vm-1", "nginx", model.ServiceDown)}, model.EntityContext{EntityID: "vm-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, now: fixedNow}
	batch := []model.Alert{serviceAlert("vm-7", "nginx", model.ServiceDown)}
	require.NoError(t, k.SendBatch(context.Background(), batch, model.EntityContext{EntityID: "vm-7"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "vm-7", string(w.msgs[0].Key))
	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, "batch", env.Kind)
	assert.Len(t, env.Alerts, 1)
}

func TestBuildSelectsEnabledNotifiers(t *testing.T) {
	n, closeFn, err := Build(config.NotifyConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", n.Name())
	assert.NoError(t, closeFn())

	n, _, err = Build(config.NotifyConfig{Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid/hook"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "webhook", n.Name())

	n, _, err = Build(config.NotifyConfig{
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid/hook"},
		Mail:    config.MailConfig{Enabled: true, Host: "smtp.example.com", From: "a@example.com", To: []string{"ops@example.com"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mail,webhook", n.Name())

	_, _, err = Build(config.NotifyConfig{Kafka: config.KafkaSink{Enabled: true}}, nil)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
