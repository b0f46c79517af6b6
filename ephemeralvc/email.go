package ephemeralvc

import (
	"context"
	"fmt"
	"github.com/wneessen/go-mail"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	smtpImplicitTLSPort = 465
	smtpTimeout         = 30 * time.Second

	subjectPasswordReset = "Password Reset Request"
	subjectConfirmEmail  = "Confirm Your Email Address"
)

// mailMessage is a message with plain text and HTML bodies
type mailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends account emails for the dashboard
type Mailer interface {
	Send(ctx context.Context, msg mailMessage) error
}

// smtpMailer sends mail with go-mail. Port 465 uses implicit TLS, other
// ports use STARTTLS when UseTLS is set.
type smtpMailer struct {
	config *SMTPConfig
	logger *slog.Logger
}

func newSMTPMailer(config *SMTPConfig, logger *slog.Logger) *smtpMailer {
	return &smtpMailer{config: config, logger: logger.With(loggerNameKey, "smtp")}
}

func (s *smtpMailer) from() string {
	if s.config.From != "" {
		return s.config.From
	}
	return s.config.User
}

func (s *smtpMailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.config.Port),
		mail.WithTimeout(smtpTimeout),
	}
	switch {
	case s.config.Port == smtpImplicitTLSPort:
		opts = append(opts, mail.WithSSL())
	case s.config.UseTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if s.config.User != "" && s.config.Password != "" {
		opts = append(
			opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.User),
			mail.WithPassword(s.config.Password),
		)
	}
	return opts
}

func (s *smtpMailer) Send(ctx context.Context, msg mailMessage) error {
	m := mail.NewMsg()
	if err := m.From(s.from()); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)

	client, err := mail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("error creating smtp client: %w", err)
	}
	if err = client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("error sending mail: %w", err)
	}
	s.logger.InfoContext(ctx, "sent mail", "subject", msg.Subject)
	return nil
}

// tokenURL builds an app link like {appURL}/reset-password?token=...
func tokenURL(appURL, path, token string) string {
	return strings.TrimRight(appURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func passwordResetMessage(appURL, to, token string) mailMessage {
	link := tokenURL(appURL, "/reset-password", token)
	return mailMessage{
		To:      to,
		Subject: subjectPasswordReset,
		Text: fmt.Sprintf(
			"A password reset was requested for your account.\n\n"+
				"Reset your password here:\n%s\n\n"+
				"This link expires in 1 hour. If you didn't request this, "+
				"you can ignore this email.\n",
			link,
		),
		HTML: mailHTML(
			"Password Reset",
			"A password reset was requested for your account.",
			link,
			"Reset Password",
			"This link expires in 1 hour. If you didn't request this, you can ignore this email.",
		),
	}
}

func emailChangeMessage(appURL, to, token string) mailMessage {
	link := tokenURL(appURL, "/confirm-email", token)
	return mailMessage{
		To:      to,
		Subject: subjectConfirmEmail,
		Text: fmt.Sprintf(
			"Confirm this address for your dashboard account:\n%s\n\n"+
				"This link expires in 1 hour.\n",
			link,
		),
		HTML: mailHTML(
			"Confirm Your Email",
			"Confirm this address for your dashboard account.",
			link,
			"Confirm Email",
			"This link expires in 1 hour.",
		),
	}
}

func mailHTML(title, intro, link, button, footer string) string {
	return fmt.Sprintf(
		`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
<h2>%s</h2>
<p>%s</p>
<p><a href="%s" style="display: inline-block; padding: 10px 16px; background: #5865F2; color: #fff; text-decoration: none; border-radius: 4px;">%s</a></p>
<p style="color: #666; font-size: 12px;">%s</p>
</body>
</html>`,
		html.EscapeString(title),
		html.EscapeString(intro),
		html.EscapeString(link),
		html.EscapeString(button),
		html.EscapeString(footer),
	)
}
