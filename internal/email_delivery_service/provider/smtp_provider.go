package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
)

type smtpSendFunc func(e *email.Email, addr string, auth smtp.Auth) error

// SMTPEmailProvider relays through an SMTP server.
type SMTPEmailProvider struct {
	logger *slog.Logger
	addr   string
	host   string
	auth   smtp.Auth
	from   string
	send   smtpSendFunc
}

func NewSMTPEmailProvider(logger *slog.Logger, host string, port int, username, password, from string) *SMTPEmailProvider {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPEmailProvider{
		logger: logger.With("provider", "smtp"),
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		host:   host,
		auth:   auth,
		from:   from,
		send:   func(e *email.Email, addr string, a smtp.Auth) error { return e.Send(addr, a) },
	}
}

// Send generates the Message-Id itself; SMTP relays do not return one.
func (p *SMTPEmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	messageID := uuid.NewString() + "@" + p.host

	e := email.NewEmail()
	e.From = msg.From
	if e.From == "" {
		e.From = p.from
	}
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	if msg.TextBody != "" {
		e.Text = []byte(msg.TextBody)
	}
	if msg.HTMLBody != "" {
		e.HTML = []byte(msg.HTMLBody)
	}
	for k, v := range msg.Headers {
		e.Headers.Set(k, v)
	}
	e.Headers.Set("Message-Id", "<"+messageID+">")
	if msg.ReferenceID != "" {
		e.Headers.Set("X-Reference-Id", msg.ReferenceID)
	}

	// net/smtp has no context support; abandon the call when ctx ends.
	done := make(chan error, 1)
	go func() { done <- p.send(e, p.addr, p.auth) }()

	select {
	case err := <-done:
		if err != nil {
			p.logger.WarnContext(ctx, "SMTP send failed", "error", err, "reference_id", msg.ReferenceID)
			return "", fmt.Errorf("smtp send to %s: %w", p.addr, err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("smtp send to %s: %w", p.addr, ctx.Err())
	}
}

func (p *SMTPEmailProvider) Name() string { return "smtp" }

func (p *SMTPEmailProvider) Family() classifier.Family { return classifier.FamilySMTP }
