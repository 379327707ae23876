// Package cli is the salesdesk command line: the gateway server plus
// offline commands that work the inbox directly against the store.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/spf13/cobra"
)

var (
	homeDir  string
	cfgFile  string
	logLevel string

	// Set by the root command before any subcommand runs.
	paths config.Paths
	log   *logging.Logger
)

const (
	groupServe = "serve"
	groupInbox = "inbox"
	groupSetup = "setup"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "salesdesk",
		Short: "Shared sales inbox with live sync",
		Long: `salesdesk keeps every agent's inbox in sync with an org's conversations
across WhatsApp, Instagram, SMS, email and webchat.

Run "salesdesk gateway run" to serve agents over WebSocket, or use the
inbox and message commands to work a store directly.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolvePaths()
			if err != nil {
				return err
			}
			paths = p
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&homeDir, "home", "", "salesdesk home directory (default $SALESDESK_HOME or ~/.salesdesk)")
	flags.StringVar(&cfgFile, "config", "", "config file (default <home>/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, silent)")

	cmd.AddGroup(
		&cobra.Group{ID: groupServe, Title: "Serving:"},
		&cobra.Group{ID: groupInbox, Title: "Inbox:"},
		&cobra.Group{ID: groupSetup, Title: "Setup:"},
	)
	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			cmd.AddCommand(c)
		}
	}
	add(groupServe, newGatewayCmd())
	add(groupInbox, newInboxCmd(), newMessageCmd())
	add(groupSetup, newConfigCmd(), newStatusCmd(), newVersionCmd())
	return cmd
}

func resolvePaths() (config.Paths, error) {
	var p config.Paths
	if homeDir != "" {
		p = config.PathsAt(homeDir)
	} else {
		var err error
		if p, err = config.ResolvePaths(); err != nil {
			return p, err
		}
	}
	if cfgFile != "" {
		p.Config = cfgFile
	}
	return p, nil
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
