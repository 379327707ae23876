package config

import (
	"fmt"
	"slices"

	"github.com/robfig/cron/v3"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

var (
	validBinds         = []string{"auto", "lan", "loopback", "custom"}
	validAuthModes     = []string{"token", "password"}
	validLogLevels     = []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	validConsoleStyles = []string{"pretty", "json"}
	validTransports    = []string{"memory", "amqp"}
	validDeliverers    = []string{"log", "webhook", "gmail"}
)

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			add(path, "must be one of %v, got %q", valid, value)
		}
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	oneOf("gateway.bind", cfg.Gateway.Bind, validBinds)
	oneOf("gateway.auth.mode", cfg.Gateway.Auth.Mode, validAuthModes)

	oneOf("logging.level", cfg.Logging.Level, validLogLevels)
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, validConsoleStyles)

	if cfg.Store.Driver != "" && cfg.Store.Driver != "sqlite" {
		add("store.driver", "only sqlite is supported, got %q", cfg.Store.Driver)
	}

	oneOf("feed.transport", cfg.Feed.Transport, validTransports)
	if cfg.Feed.Transport == "amqp" && cfg.Feed.URL == "" {
		add("feed.url", "url is required for the amqp transport")
	}
	if cfg.Feed.Buffer < 0 {
		add("feed.buffer", "must not be negative, got %d", cfg.Feed.Buffer)
	}

	oneOf("delivery.default", cfg.Delivery.Default, validDeliverers)
	for kind, name := range cfg.Delivery.Channels {
		oneOf("delivery.channels."+kind, name, validDeliverers)
	}
	usesWebhook := cfg.Delivery.Default == "webhook" || slices.Contains(mapValues(cfg.Delivery.Channels), "webhook")
	if usesWebhook && cfg.Delivery.Webhook.URL == "" {
		add("delivery.webhook.url", "url is required when the webhook deliverer is used")
	}
	if cfg.Delivery.Webhook.Retries < 0 {
		add("delivery.webhook.retries", "must not be negative, got %d", cfg.Delivery.Webhook.Retries)
	}
	usesGmail := cfg.Delivery.Default == "gmail" || slices.Contains(mapValues(cfg.Delivery.Channels), "gmail")
	if usesGmail {
		if cfg.Delivery.Gmail == nil {
			add("delivery.gmail", "gmail section is required when the gmail deliverer is used")
		} else {
			if cfg.Delivery.Gmail.CredentialsFile == "" {
				add("delivery.gmail.credentialsFile", "credentialsFile is required")
			}
			if cfg.Delivery.Gmail.From == "" {
				add("delivery.gmail.from", "from is required")
			}
		}
	}

	if cfg.Inbox.QueueSize < 0 {
		add("inbox.queueSize", "must not be negative, got %d", cfg.Inbox.QueueSize)
	}
	if s := cfg.Inbox.ResyncSchedule; s != "" && s != "off" {
		if _, err := cron.ParseStandard(s); err != nil {
			add("inbox.resyncSchedule", "invalid schedule %q: %v", s, err)
		}
	}

	return issues
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
