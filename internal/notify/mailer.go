// Package notify sends subscription notification emails.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/wneessen/go-mail"

	"github.com/seawatch/subscriptions/internal/model"
)

// ErrNoRecipients is returned when an email has no recipients.
var ErrNoRecipients = errors.New("email has no recipients")

// Email is a notification ready to send.
type Email struct {
	To          []string
	Subject     string
	Body        string
	Attachments []model.EmailAttachment
}

// Mailer delivers emails.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends email through an SMTP relay.
type SMTPMailer struct {
	client *mail.Client
	from   string
	logger *slog.Logger
}

// NewSMTPMailer creates an SMTPMailer. TLS is used when the relay offers it.
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	return &SMTPMailer{
		client: client,
		from:   cfg.From,
		logger: logger.With("component", "mailer.smtp"),
	}, nil
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		return ErrNoRecipients
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(email.To...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(email.Subject)
	msg.SetBodyString(mail.TypeTextPlain, email.Body)

	for _, a := range email.Attachments {
		err := msg.AttachReader(a.Name, bytes.NewReader(a.Data), mail.WithFileContentType(mail.ContentType(a.ContentType)))
		if err != nil {
			return fmt.Errorf("attach %s: %w", a.Name, err)
		}
	}

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Info("email sent", "recipients", len(email.To), "attachments", len(email.Attachments))
	return nil
}

// LogMailer logs emails instead of sending them. It keeps every email it
// receives so tests can inspect them.
type LogMailer struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Email
	err  error
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("component", "mailer.log")}
}

// FailWith makes every later Send return err.
func (m *LogMailer) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		return ErrNoRecipients
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)

	var size uint64
	for _, a := range email.Attachments {
		size += uint64(len(a.Data))
	}
	m.logger.Info("email not sent (no SMTP relay configured)",
		"to", email.To,
		"subject", email.Subject,
		"attachments", len(email.Attachments),
		"size", humanize.Bytes(size),
	)
	return nil
}

// Sent returns the emails received so far.
func (m *LogMailer) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Email, len(m.sent))
	copy(out, m.sent)
	return out
}
