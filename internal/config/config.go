// Package config loads and validates the salesdesk configuration file.
package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Feed: FeedConfig{
			Transport: "memory",
			Exchange:  "salesdesk.changes",
			Buffer:    256,
		},
		Delivery: DeliveryConfig{
			Default: "log",
			Webhook: WebhookConfig{
				TimeoutSeconds: 15,
				Retries:        2,
			},
		},
		Inbox: InboxConfig{
			QueueSize:          512,
			ResyncSchedule:     "@every 5m",
			DedupWindowSeconds: 2,
			SeenCapacity:       4096,
			PhoneRegion:        "BR",
		},
	}
}
