package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. References to unset variables
// stay as written so a missing secret is visible in `config show`.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
			return val
		}
		return ref
	})
}

// secrets are the fields that may hold ${VAR} references.
func (c *Config) secrets() []*string {
	return []*string{
		&c.Gateway.Auth.Token,
		&c.Gateway.Auth.Password,
		&c.Gateway.IngestToken,
		&c.Feed.URL,
		&c.Delivery.Webhook.URL,
		&c.Delivery.Webhook.Token,
	}
}

// Load reads the YAML file at path over Defaults, then applies SALESDESK_*
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ConfigError{Path: path, Message: "failed to parse config: " + err.Error()}
		}
		fillZeros(&cfg, Defaults())
	}

	for _, s := range cfg.secrets() {
		*s = expandEnv(*s)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadRaw reads the file as a generic tree for `config get/set/unset`.
func LoadRaw(path string) (map[string]any, error) {
	raw := map[string]any{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: path, Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// fillZeros restores defaults for fields a file set explicitly to zero,
// such as `port: 0` or `queueSize:` with no value.
func fillZeros(cfg *Config, d Config) {
	orDefault(&cfg.Gateway.Port, d.Gateway.Port)
	orDefault(&cfg.Gateway.Bind, d.Gateway.Bind)
	orDefault(&cfg.Gateway.Auth.Mode, d.Gateway.Auth.Mode)
	orDefault(&cfg.Logging.Level, d.Logging.Level)
	orDefault(&cfg.Logging.ConsoleStyle, d.Logging.ConsoleStyle)
	orDefault(&cfg.Store.Driver, d.Store.Driver)
	orDefault(&cfg.Feed.Transport, d.Feed.Transport)
	orDefault(&cfg.Feed.Exchange, d.Feed.Exchange)
	orDefault(&cfg.Feed.Buffer, d.Feed.Buffer)
	orDefault(&cfg.Delivery.Default, d.Delivery.Default)
	orDefault(&cfg.Delivery.Webhook.TimeoutSeconds, d.Delivery.Webhook.TimeoutSeconds)
	orDefault(&cfg.Inbox.QueueSize, d.Inbox.QueueSize)
	orDefault(&cfg.Inbox.ResyncSchedule, d.Inbox.ResyncSchedule)
	orDefault(&cfg.Inbox.DedupWindowSeconds, d.Inbox.DedupWindowSeconds)
	orDefault(&cfg.Inbox.SeenCapacity, d.Inbox.SeenCapacity)
	orDefault(&cfg.Inbox.PhoneRegion, d.Inbox.PhoneRegion)
}

var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string)
}{
	{"SALESDESK_GATEWAY_PORT", func(cfg *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}},
	{"SALESDESK_GATEWAY_BIND", func(cfg *Config, v string) { cfg.Gateway.Bind = v }},
	{"SALESDESK_LOG_LEVEL", func(cfg *Config, v string) { cfg.Logging.Level = strings.ToLower(v) }},
	{"SALESDESK_STORE_PATH", func(cfg *Config, v string) { cfg.Store.Path = v }},
	{"SALESDESK_FEED_URL", func(cfg *Config, v string) {
		cfg.Feed.URL = v
		// A broker URL with the in-process feed would be ignored.
		if cfg.Feed.Transport == "memory" {
			cfg.Feed.Transport = "amqp"
		}
	}},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}
