package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/store"
	"github.com/soyeahso/salesdesk/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show salesdesk status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s\n\n", version.Info())

			// Show paths
			fmt.Printf("Config:   %s\n", paths.Config)
			fmt.Printf("Data:     %s\n", paths.Data)
			fmt.Printf("Logs:     %s\n", paths.Logs)
			fmt.Println()

			// Load config
			cfg, err := config.Load(paths.Config)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Config:   not found (using defaults)")
				} else {
					fmt.Printf("Config:   error loading: %v\n", err)
				}
				return nil
			}

			fmt.Printf("Gateway:  port=%d bind=%s auth=%s ingest=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.IngestToken != "")
			storePath := paths.StorePath(cfg.Store)
			fmt.Printf("Store:    %s %s\n", cfg.Store.Driver, storePath)
			if _, err := os.Stat(storePath); err == nil {
				printStoreStats(cmd.Context(), storePath)
			}

			feed := cfg.Feed.Transport
			if feed == "amqp" {
				feed += " exchange=" + cfg.Feed.Exchange
			}
			fmt.Printf("Feed:     %s\n", feed)

			routes := []string{"*=" + cfg.Delivery.Default}
			for kind, name := range cfg.Delivery.Channels {
				routes = append(routes, kind+"="+name)
			}
			sort.Strings(routes[1:])
			fmt.Printf("Delivery: %s\n", strings.Join(routes, " "))

			resync := cfg.Inbox.ResyncSchedule
			if resync == "" || resync == "off" {
				resync = "off"
			}
			fmt.Printf("Inbox:    queue=%d resync=%q dedup=%ds region=%s\n",
				cfg.Inbox.QueueSize, resync, cfg.Inbox.DedupWindowSeconds, cfg.Inbox.PhoneRegion)

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}

			return nil
		},
	}

	return cmd
}

func printStoreStats(ctx context.Context, path string) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(path, log)
	if err != nil {
		fmt.Printf("          error opening: %v\n", err)
		return
	}
	defer db.Close()
	st, err := db.Stats(ctx)
	if err != nil {
		fmt.Printf("          error reading: %v\n", err)
		return
	}
	fmt.Printf("          schema=%d leads=%d active=%d messages=%d\n",
		st.Schema, st.Leads, st.ActiveConversations, st.Messages)
}
