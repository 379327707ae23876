package config

// Config is the root configuration for salesdesk.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	Feed     FeedConfig     `yaml:"feed,omitempty"`
	Delivery DeliveryConfig `yaml:"delivery,omitempty"`
	Inbox    InboxConfig    `yaml:"inbox,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server that hosts inbox sessions.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
	// IngestToken authorizes POST /api/messages/inbound from channel providers.
	IngestToken string `yaml:"ingestToken,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
	// File also receives JSON lines. Relative names resolve under the logs
	// directory.
	File string `yaml:"file,omitempty"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite"
	Path   string `yaml:"path,omitempty"`   // defaults to <data>/salesdesk.db
}

// FeedConfig selects the change feed transport.
type FeedConfig struct {
	Transport string `yaml:"transport,omitempty"` // "memory" | "amqp"
	URL       string `yaml:"url,omitempty"`
	Exchange  string `yaml:"exchange,omitempty"`
	Buffer    int    `yaml:"buffer,omitempty"`
}

// DeliveryConfig configures the external delivery channels.
type DeliveryConfig struct {
	Default  string            `yaml:"default,omitempty"`  // "log" | "webhook" | "gmail"
	Channels map[string]string `yaml:"channels,omitempty"` // channel kind -> "log" | "webhook" | "gmail"
	Webhook  WebhookConfig     `yaml:"webhook,omitempty"`
	Gmail    *GmailConfig      `yaml:"gmail,omitempty"`
}

// WebhookConfig configures the HTTP webhook deliverer.
type WebhookConfig struct {
	URL            string `yaml:"url,omitempty"`
	Token          string `yaml:"token,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
	Retries        int    `yaml:"retries,omitempty"`
}

// GmailConfig configures email delivery through the Gmail API.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentialsFile"`
	TokenFile       string `yaml:"tokenFile"`
	From            string `yaml:"from"`
	Subject         string `yaml:"subject,omitempty"`
}

// InboxConfig tunes the sync engine.
type InboxConfig struct {
	QueueSize          int    `yaml:"queueSize,omitempty"`
	ResyncSchedule     string `yaml:"resyncSchedule,omitempty"` // cron spec; "off" disables
	DedupWindowSeconds int    `yaml:"dedupWindowSeconds,omitempty"`
	SeenCapacity       int    `yaml:"seenCapacity,omitempty"`
	PhoneRegion        string `yaml:"phoneRegion,omitempty"`
}
