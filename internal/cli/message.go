package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/spf13/cobra"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and record messages",
	}

	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageReceiveCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		org   string
		conv  string
		agent string
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a lead as an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conv == "" {
				return fmt.Errorf("--conversation is required")
			}
			text := strings.Join(args, " ")

			return withSession(cmd.Context(), org, agent, func(ctx context.Context, s *inbox.Session) error {
				msg, err := s.Send(ctx, conv, text)
				if err != nil {
					return err
				}
				if err := s.Sync(ctx); err != nil {
					return err
				}
				printMessage(msg)
				if p, ok, err := s.PendingSend(ctx, conv); err == nil && ok && p.Err != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n[delivered but not saved: %s]\n", p.Err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&conv, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&agent, "as", "cli", "agent name shown to the lead")
	return cmd
}

// newMessageReceiveCmd records an inbound message the way the gateway's
// ingest endpoint does, for seeding and local testing.
func newMessageReceiveCmd() *cobra.Command {
	var (
		org        string
		channel    string
		lead       domain.Lead
		externalID string
	)

	cmd := &cobra.Command{
		Use:   "receive [text]",
		Short: "Record an inbound message from a lead",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			if lead.Phone == "" && lead.Email == "" {
				return fmt.Errorf("--phone or --email is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			lead.OrgID = org
			lead.Phone = inbox.NormalizePhone(lead.Phone, cfg.Inbox.PhoneRegion)
			resolved, err := rt.repo.ResolveLead(ctx, lead)
			if err != nil {
				return err
			}
			conv, created, err := rt.repo.EnsureConversation(ctx, org, resolved.ID, domain.ChannelKind(channel))
			if err != nil {
				return err
			}
			msg, err := rt.repo.InsertMessage(ctx, domain.Message{
				ConversationID: conv.ID,
				Body:           strings.Join(args, " "),
				Direction:      domain.DirectionInbound,
				Sender:         domain.SenderLead,
				SenderName:     resolved.Name,
				Kind:           domain.KindText,
				ExternalID:     externalID,
			})
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Opened conversation %s\n", conv.ID)
			}
			printMessage(msg)
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&channel, "channel", string(domain.ChannelWhatsApp), "channel kind (whatsapp, instagram, sms, email, webchat)")
	cmd.Flags().StringVar(&lead.Name, "name", "", "lead name")
	cmd.Flags().StringVar(&lead.Phone, "phone", "", "lead phone number")
	cmd.Flags().StringVar(&lead.Email, "email", "", "lead email")
	cmd.Flags().StringVar(&lead.StageTag, "stage", "", "pipeline stage tag")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider message id, for idempotent retries")
	return cmd
}
