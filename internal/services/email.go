package services

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"net/url"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/tidylists/listshare/internal/config"
	"github.com/tidylists/listshare/internal/logging"
	"github.com/tidylists/listshare/internal/models"
)

// EmailDeliveryOutcome is what the transport reports back: the provider's
// message id (when it assigns one) and the immediate send status. The
// lifecycle service records it on the invitation row; webhooks may later
// overwrite it.
type EmailDeliveryOutcome struct {
	Status       models.EmailDeliveryStatus
	ProviderID   *string
	ErrorMessage *string
}

// InvitationEmail is a rendered message ready for a provider.
type InvitationEmail struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// EmailProvider sends one message and returns the provider message id, if
// the provider assigns one.
type EmailProvider interface {
	Send(ctx context.Context, email *InvitationEmail) (providerID string, err error)
}

// InvitationMailer renders and sends invitation emails.
type InvitationMailer struct {
	provider    EmailProvider
	fromAddress string
	fromName    string
	baseURL     string
}

// NewInvitationMailer picks the provider from configuration: resend in
// production, smtp for local Mailpit, console otherwise.
func NewInvitationMailer(cfg *config.EmailConfig) *InvitationMailer {
	var provider EmailProvider
	switch cfg.Provider {
	case "resend":
		provider = NewResendProvider(cfg.ResendAPIKey, cfg.FromName, cfg.FromAddress)
	case "smtp":
		provider = NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.FromName, cfg.FromAddress)
	default:
		provider = NewConsoleProvider()
	}
	return &InvitationMailer{
		provider:    provider,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		baseURL:     cfg.BaseURL,
	}
}

// NewInvitationMailerWithProvider wires an explicit provider; tests use it.
func NewInvitationMailerWithProvider(provider EmailProvider, fromName, fromAddress, baseURL string) *InvitationMailer {
	return &InvitationMailer{
		provider:    provider,
		fromAddress: fromAddress,
		fromName:    fromName,
		baseURL:     baseURL,
	}
}

// SendInvitationParams identifies one invitation email.
type SendInvitationParams struct {
	ToEmail     string
	InviterName string
	ListTitle   string
	Token       string
	ExpiresAt   time.Time
}

// AcceptURL builds the link the invited party follows to redeem the token.
func (m *InvitationMailer) AcceptURL(token string) string {
	return fmt.Sprintf("%s/invite?token=%s", m.baseURL, url.QueryEscape(token))
}

// SendInvitation sends the invite and reports the outcome. A send failure is
// an outcome, not an error: the invitation row stays valid and the owner can
// resend, so the failure is recorded rather than propagated.
func (m *InvitationMailer) SendInvitation(ctx context.Context, params SendInvitationParams) *EmailDeliveryOutcome {
	acceptURL := m.AcceptURL(params.Token)
	html, text := renderInvitationEmail(params.InviterName, params.ListTitle, acceptURL, params.ExpiresAt)

	providerID, err := m.provider.Send(ctx, &InvitationEmail{
		To:      params.ToEmail,
		Subject: fmt.Sprintf("You're invited to collaborate on %q", params.ListTitle),
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		msg := err.Error()
		return &EmailDeliveryOutcome{
			Status:       models.EmailDeliveryFailed,
			ErrorMessage: &msg,
		}
	}

	outcome := &EmailDeliveryOutcome{Status: models.EmailDeliverySent}
	if providerID != "" {
		outcome.ProviderID = &providerID
	}
	return outcome
}

func renderInvitationEmail(inviterName, listTitle, acceptURL string, expiresAt time.Time) (html, text string) {
	expiry := expiresAt.UTC().Format("January 2, 2006")

	html = fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h1 style="color: #333; font-size: 24px;">%s invited you to collaborate</h1>

  <p>%s invited you to work together on the list <strong>%s</strong>.</p>

  <a href="%s"
     style="display: inline-block; background: #4F46E5; color: white; padding: 12px 24px; text-decoration: none; border-radius: 6px; margin: 20px 0;">
    Accept Invitation
  </a>

  <p style="color: #666; font-size: 14px;">
    This invitation expires on %s and the link can only be used once.
  </p>

  <p style="color: #666; font-size: 14px;">
    Or copy this link: %s
  </p>

  <p style="color: #666; font-size: 14px;">
    If you weren't expecting this invitation, you can safely ignore this email.
  </p>

  <hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
  <p style="color: #999; font-size: 12px;">listshare</p>
</body>
</html>`, inviterName, inviterName, listTitle, acceptURL, expiry, acceptURL)

	text = fmt.Sprintf(`%s invited you to collaborate on "%s".

Accept the invitation by visiting:
%s

This invitation expires on %s and the link can only be used once.

If you weren't expecting this invitation, you can safely ignore this email.

--
listshare`, inviterName, listTitle, acceptURL, expiry)

	return html, text
}

// ResendProvider sends email through the Resend API.
type ResendProvider struct {
	client *resend.Client
	from   string
}

func NewResendProvider(apiKey, fromName, fromAddress string) *ResendProvider {
	return &ResendProvider{
		client: resend.NewClient(apiKey),
		from:   fmt.Sprintf("%s <%s>", fromName, fromAddress),
	}
}

func (p *ResendProvider) Send(ctx context.Context, email *InvitationEmail) (string, error) {
	params := &resend.SendEmailRequest{
		From:    p.from,
		To:      []string{email.To},
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
	}

	sent, err := p.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", fmt.Errorf("sending email via Resend: %w", err)
	}

	logging.Info("Email sent via Resend", map[string]interface{}{"to": email.To, "provider_id": sent.Id})
	return sent.Id, nil
}

// SMTPProvider sends email via SMTP (Mailpit in local dev). SMTP assigns no
// provider message id, so webhook correlation is unavailable with it.
type SMTPProvider struct {
	host string
	port int
	from string
}

func NewSMTPProvider(host string, port int, fromName, fromAddress string) *SMTPProvider {
	return &SMTPProvider{
		host: host,
		port: port,
		from: fmt.Sprintf("%s <%s>", fromName, fromAddress),
	}
}

func (p *SMTPProvider) Send(ctx context.Context, email *InvitationEmail) (string, error) {
	addr := fmt.Sprintf("%s:%d", p.host, p.port)

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", p.from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.HTML)

	if err := smtp.SendMail(addr, nil, p.from, []string{email.To}, buf.Bytes()); err != nil {
		return "", fmt.Errorf("sending email via SMTP: %w", err)
	}

	logging.Info("Email sent via SMTP", map[string]interface{}{"to": email.To})
	return "", nil
}

// ConsoleProvider logs the email instead of sending it (development).
type ConsoleProvider struct{}

func NewConsoleProvider() *ConsoleProvider {
	return &ConsoleProvider{}
}

func (p *ConsoleProvider) Send(ctx context.Context, email *InvitationEmail) (string, error) {
	logging.Info("=== EMAIL (Console Provider) ===", map[string]interface{}{"to": email.To, "subject": email.Subject})
	fmt.Printf("\n=== EMAIL ===\n")
	fmt.Printf("To: %s\n", email.To)
	fmt.Printf("Subject: %s\n", email.Subject)
	fmt.Printf("---\n")
	fmt.Printf("%s\n", email.Text)
	fmt.Printf("=============\n\n")
	return "", nil
}
