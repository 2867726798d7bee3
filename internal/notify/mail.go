package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

const defaultMailTimeout = 30 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mail sends alerts over SMTP. Every exchange is bounded by the mail timeout
// and the caller's context.
type Mail struct {
	addr     string
	host     string
	auth     smtp.Auth
	from     string
	to       []string
	timeout  time.Duration
	sendMail sendMailFunc
	now      func() time.Time
}

func NewMail(cfg config.MailConfig) (*Mail, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("mail: %w", ErrNotConfigured)
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMailTimeout
	}
	m := &Mail{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:    cfg.Host,
		from:    cfg.From,
		to:      append([]string(nil), cfg.To...),
		timeout: timeout,
		now:     time.Now,
	}
	m.sendMail = m.smtpSend
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m, nil
}

func (m *Mail) Name() string { return "mail" }

func (m *Mail) SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error {
	return m.deliver(ctx, []model.Alert{alert}, entity)
}

func (m *Mail) SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	if len(alerts) == 0 {
		return nil
	}
	return m.deliver(ctx, alerts, entity)
}

func (m *Mail) deliver(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	msg := m.compose(Subject(alerts, entity), Body(alerts))
	if err := m.sendMail(ctx, m.addr, m.auth, m.from, m.to, msg); err != nil {
		return fmt.Errorf("smtp %s: %w", m.addr, err)
	}
	return nil
}

// smtpSend runs the same exchange as smtp.SendMail over a connection whose
// dial and I/O are bounded by ctx.
func (m *Mail) smtpSend(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return err
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (m *Mail) compose(subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// headerValue drops control characters so agent-supplied names cannot start a
// new header line.
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, v)
}
