package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"redline/api/internal/config"
)

// EmailNotifier delivers events over SMTP.
type EmailNotifier struct {
	cfg    config.Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg config.Config) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		server: cfg.SMTPHost + ":" + cfg.SMTPPort,
		auth:   smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost),
		send:   smtp.SendMail,
	}
}

// IsConfigured reports whether delivery can actually happen.
func (n *EmailNotifier) IsConfigured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPPort != "" && n.cfg.SMTPFrom != ""
}

func (n *EmailNotifier) Notify(_ context.Context, event Event) error {
	if !n.IsConfigured() {
		return fmt.Errorf("smtp not configured")
	}
	if len(event.Recipients) == 0 {
		return nil
	}

	from := n.cfg.SMTPFrom
	if n.cfg.SMTPFromName != "" {
		from = fmt.Sprintf("%s <%s>", n.cfg.SMTPFromName, n.cfg.SMTPFrom)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(event.Recipients, ", "),
		from,
		event.Subject,
		event.Body,
	))

	if err := n.send(n.server, n.auth, n.cfg.SMTPFrom, event.Recipients, msg); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}
