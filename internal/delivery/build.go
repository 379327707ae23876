package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// Build assembles a Registry from the delivery config. Deliverers are only
// constructed when some route refers to them.
func Build(ctx context.Context, cfg config.DeliveryConfig, log *logging.Logger) (*Registry, error) {
	built := map[string]Deliverer{}
	get := func(name string) (Deliverer, error) {
		if d, ok := built[name]; ok {
			return d, nil
		}
		var d Deliverer
		switch name {
		case "", "log":
			d = NewLogOnly(log)
		case "webhook":
			if cfg.Webhook.URL == "" {
				return nil, fmt.Errorf("delivery.webhook.url is required")
			}
			d = NewWebhook(WebhookOptions{
				URL:     cfg.Webhook.URL,
				Token:   cfg.Webhook.Token,
				Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
				Retries: cfg.Webhook.Retries,
			}, log)
		case "gmail":
			if cfg.Gmail == nil {
				return nil, fmt.Errorf("delivery.gmail is required")
			}
			g, err := NewGmail(ctx, GmailOptions{
				CredentialsFile: cfg.Gmail.CredentialsFile,
				TokenFile:       cfg.Gmail.TokenFile,
				From:            cfg.Gmail.From,
				Subject:         cfg.Gmail.Subject,
			}, log)
			if err != nil {
				return nil, err
			}
			d = g
		default:
			return nil, fmt.Errorf("unknown deliverer %q", name)
		}
		built[name] = d
		return d, nil
	}

	fallback, err := get(cfg.Default)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(fallback, log)
	for kind, name := range cfg.Channels {
		d, err := get(name)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", kind, err)
		}
		reg.Register(domain.ChannelKind(kind), d)
	}
	return reg, nil
}
