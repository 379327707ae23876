package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/delivery"
	"github.com/soyeahso/salesdesk/internal/feed"
	"github.com/soyeahso/salesdesk/internal/feed/amqpfeed"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/soyeahso/salesdesk/internal/store"
)

// runtime holds the store, change feed and delivery routes shared by the
// gateway and the offline inbox commands.
type runtime struct {
	cfg       config.Config
	log       *logging.Logger
	repo      *store.Repository
	transport feed.Transport
	delivery  *delivery.Registry

	closers []func() error
}

// loadConfig reads and validates the config file, logging every issue.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// configuredLogger builds the process logger from cfg, with --log-level
// taking precedence. Close the returned closer on exit to flush the log
// file.
func configuredLogger(cfg config.Config) (*logging.Logger, io.Closer, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.Open(logging.Options{
		Style: cfg.Logging.ConsoleStyle,
		Level: level,
		File:  paths.LogPath(cfg.Logging),
	})
}

// resolveDelivery anchors relative gmail credential files in the
// credentials directory.
func resolveDelivery(cfg config.DeliveryConfig) config.DeliveryConfig {
	if cfg.Gmail != nil {
		g := *cfg.Gmail
		g.CredentialsFile = paths.CredentialPath(g.CredentialsFile)
		g.TokenFile = paths.CredentialPath(g.TokenFile)
		cfg.Gmail = &g
	}
	return cfg
}

func openRuntime(ctx context.Context, cfg config.Config, log *logging.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log}

	dbPath := paths.StorePath(cfg.Store)
	db, err := store.Open(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	rt.closers = append(rt.closers, db.Close)

	var pub feed.Publisher
	switch cfg.Feed.Transport {
	case "amqp":
		t, err := amqpfeed.Dial(ctx, amqpfeed.Config{
			URL:      cfg.Feed.URL,
			Exchange: cfg.Feed.Exchange,
			Prefetch: cfg.Feed.Buffer,
		}, log)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connecting change feed: %w", err)
		}
		rt.closers = append(rt.closers, t.Close)
		rt.transport, pub = t, t
	default:
		b := feed.NewBroker(log)
		rt.transport, pub = b, b
	}
	rt.repo = store.NewRepository(db, pub)

	reg, err := delivery.Build(ctx, resolveDelivery(cfg.Delivery), log)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("building deliverers: %w", err)
	}
	rt.delivery = reg

	log.Debug().
		Str("store", dbPath).
		Str("feed", cfg.Feed.Transport).
		Int("deliveryRoutes", reg.Count()).
		Msg("runtime ready")
	return rt, nil
}

// inboxOptions returns session options backed by the runtime.
func (rt *runtime) inboxOptions() inbox.Options {
	opts := inbox.Options{
		Store:     rt.repo,
		Deliverer: rt.delivery,
		Transport: rt.transport,
		Log:       rt.log,
	}
	opts.ApplyConfig(rt.cfg.Inbox)
	return opts
}

// session starts a CLI-owned inbox session on org.
func (rt *runtime) session(ctx context.Context, org, agent string) (*inbox.Session, error) {
	opts := rt.inboxOptions()
	opts.AgentID = agent
	opts.AgentName = agent
	s := inbox.NewSession(opts)
	if err := s.Start(ctx, org); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
