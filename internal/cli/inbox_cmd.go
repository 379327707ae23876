package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/spf13/cobra"
)

// withSession loads the config, opens the runtime and starts a session on
// org for the duration of fn.
func withSession(ctx context.Context, org, agent string, fn func(ctx context.Context, s *inbox.Session) error) error {
	if org == "" {
		return fmt.Errorf("--org is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.session(ctx, org, agent)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newInboxCmd() *cobra.Command {
	var org string

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Browse an org's conversations",
	}
	cmd.PersistentFlags().StringVar(&org, "org", "", "organization id")

	cmd.AddCommand(newInboxListCmd(&org))
	cmd.AddCommand(newInboxShowCmd(&org))
	cmd.AddCommand(newInboxReadCmd(&org))
	return cmd
}

func newInboxListCmd(org *string) *cobra.Command {
	var f inbox.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), *org, "cli", func(ctx context.Context, s *inbox.Session) error {
				convs, err := s.Conversations(ctx, f)
				if err != nil {
					return err
				}
				if len(convs) == 0 {
					fmt.Println("  (no conversations)")
					return nil
				}
				for _, c := range convs {
					printConversation(c)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&f.Unread, "unread", false, "only conversations with unread messages")
	cmd.Flags().StringVar(&f.StageTag, "stage", "", "only leads in this pipeline stage")
	cmd.Flags().StringVar(&f.Search, "search", "", "match the lead's display name")
	return cmd
}

func newInboxShowCmd(org *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), *org, "cli", func(ctx context.Context, s *inbox.Session) error {
				hist, err := s.Open(ctx, args[0])
				if err != nil {
					return err
				}
				if c, ok, err := s.Conversation(ctx, args[0]); err == nil && ok {
					printConversation(c)
					fmt.Println()
				}
				for _, m := range hist.Messages {
					printMessage(m)
				}
				return nil
			})
		},
	}
}

func newInboxReadCmd(org *string) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), *org, "cli", func(ctx context.Context, s *inbox.Session) error {
				if err := s.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				// Persisting the read runs in the background.
				if err := s.Sync(ctx); err != nil {
					return err
				}
				fmt.Printf("Marked %s read\n", args[0])
				return nil
			})
		},
	}
}

func printConversation(c domain.Conversation) {
	at := "-"
	if c.LastMessageAt != nil {
		at = c.LastMessageAt.Local().Format(time.DateTime)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d)", c.UnreadCount)
	}
	fmt.Printf("  %-36s %-9s %-24s %s%s\n", c.ID, c.Channel, c.DisplayName, at, unread)
	if c.LastMessagePreview != "" {
		fmt.Printf("  %36s %s\n", "", c.LastMessagePreview)
	}
}

func printMessage(m domain.Message) {
	who := m.SenderName
	if who == "" {
		who = string(m.Sender)
	}
	arrow := "<"
	if m.Direction == domain.DirectionOutbound {
		arrow = ">"
	}
	body := m.Body
	if m.Media != nil {
		body = fmt.Sprintf("[%s %s] %s", m.Kind, m.Media.URL, body)
	}
	fmt.Printf("  %s %s %-16s %s\n", m.CreatedAt.Local().Format(time.DateTime), arrow, who, body)
}
