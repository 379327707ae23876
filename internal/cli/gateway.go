package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/gateway"
	"github.com/soyeahso/salesdesk/internal/hooks"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the salesdesk gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			var logFile io.Closer
			log, logFile, err = configuredLogger(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()

			// Load raw config for RPC access
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			// Canceled on SIGINT/SIGTERM.
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Every session's events bubble up here.
			hookMgr := hooks.NewManager(log)
			hookMgr.On(hooks.EventSubscriptionLost, "log", func(_ context.Context, p hooks.Payload) error {
				log.Warn().Str("org", p.OrgID).Str("error", p.Error).Msg("change feed lost")
				return nil
			})
			hookMgr.On(hooks.EventSendFailed, "log", func(_ context.Context, p hooks.Payload) error {
				log.Warn().Str("org", p.OrgID).Str("conversation", p.ConversationID).Str("error", p.Error).Msg("send failed")
				return nil
			})

			resyncer, err := inbox.NewResyncer(cfg.Inbox.ResyncSchedule, log)
			if err != nil {
				return fmt.Errorf("inbox.resyncSchedule: %w", err)
			}
			if err := resyncer.Start(); err != nil {
				return err
			}
			defer resyncer.Stop()

			for _, route := range rt.delivery.Routes() {
				log.Info().Str("channel", route[0]).Str("deliverer", route[1]).Msg("delivery route")
			}

			srv := gateway.New(cfg, log,
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(hookMgr),
				gateway.WithInbox(rt.inboxOptions()),
				gateway.WithIngest(rt.repo),
				gateway.WithResyncer(resyncer),
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}
