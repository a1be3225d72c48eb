package notification

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/model"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier implements the Notifier interface for sending emails.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	auth       smtp.Auth
	recipients []string
	send       SendFunc
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) (*EmailNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	var recipients []string
	for _, r := range strings.Split(cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("smtp needs at least one recipient")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	n := &EmailNotifier{cfg: cfg, recipients: recipients, send: smtp.SendMail}
	if cfg.Username != "" {
		// PlainAuth will not send credentials until the server identifies itself as a trusted one.
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n, nil
}

// WithSender replaces the SMTP transport.
func (n *EmailNotifier) WithSender(send SendFunc) *EmailNotifier {
	n.send = send
	return n
}

// Send sends an HTML email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	msg := []byte("To: " + strings.Join(n.recipients, ", ") + "\r\n" +
		"From: " + n.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + time.Now().Format(time.RFC1123Z) + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)

	if err := n.send(addr, n.auth, n.cfg.From, n.recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// MarkdownNotifier renders a markdown body to HTML before handing it on.
type MarkdownNotifier struct {
	next model.Notifier
}

func NewMarkdownNotifier(next model.Notifier) *MarkdownNotifier {
	return &MarkdownNotifier{next: next}
}

func (n *MarkdownNotifier) Send(subject, body string) error {
	return n.next.Send(subject, string(markdown.ToHTML([]byte(body), nil, nil)))
}
