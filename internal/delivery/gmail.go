package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
)

const defaultSubject = "Message from your sales contact"

// GmailOptions configures a Gmail deliverer.
type GmailOptions struct {
	CredentialsFile string
	TokenFile       string
	From            string
	Subject         string
}

// Gmail sends email-channel messages through the Gmail API.
type Gmail struct {
	svc     *gmail.Service
	from    string
	subject string
	log     *logging.Logger
}

// NewGmail authorizes with the OAuth client credentials and cached token
// files and builds a Gmail deliverer.
func NewGmail(ctx context.Context, opts GmailOptions, log *logging.Logger) (*Gmail, error) {
	b, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	token, err := tokenFromFile(opts.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("no auth token found at %s: %w", opts.TokenFile, err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewGmailWithService(svc, opts.From, opts.Subject, log), nil
}

// NewGmailWithService wraps an existing Gmail service.
func NewGmailWithService(svc *gmail.Service, from, subject string, log *logging.Logger) *Gmail {
	if subject == "" {
		subject = defaultSubject
	}
	return &Gmail{svc: svc, from: from, subject: subject, log: log.Sub("delivery.gmail")}
}

func (g *Gmail) Name() string { return "gmail" }

func (g *Gmail) Deliver(ctx context.Context, req domain.DeliveryRequest) error {
	if req.Recipient == "" {
		return errors.New("lead has no email address")
	}
	raw := buildRaw(g.from, req.Recipient, g.subject, req.Author, req.Text)
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(raw))}

	sent, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return err
	}
	g.log.Debug().Str("gmailId", sent.Id).Str("conversation", req.ConversationID).Msg("email sent")
	return nil
}

// buildRaw renders a plain-text RFC 2822 message.
func buildRaw(from, to, subject, author, body string) string {
	var b strings.Builder
	if from != "" {
		if author != "" {
			fmt.Fprintf(&b, "From: %q <%s>\r\n", author, from)
		} else {
			fmt.Fprintf(&b, "From: %s\r\n", from)
		}
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
