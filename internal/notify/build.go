package notify

import (
	"errors"
	"log/slog"

	"vmsentry/internal/config"
)

// Build assembles the enabled notifiers. With none enabled it falls back to
// LogNotifier. The returned close func releases broker connections.
func Build(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, func() error, error) {
	var (
		out     Multi
		closers []func() error
	)
	if cfg.Mail.Enabled {
		m, err := NewMail(cfg.Mail)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, m)
	}
	if cfg.Webhook.Enabled {
		w, err := NewWebhook(cfg.Webhook)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, w)
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, k)
		closers = append(closers, k.Close)
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	switch len(out) {
	case 0:
		if logger != nil {
			logger.Warn("no notifier enabled, logging notifications only")
		}
		return NewLogNotifier(logger), closeAll, nil
	case 1:
		return out[0], closeAll, nil
	}
	return out, closeAll, nil
}
