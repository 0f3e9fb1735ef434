package mfa

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"authgate/internal/observability"
)

// Notifier is the outbound transmission collaborator. Implementations must
// not retry; retrying a failed send is the caller's decision.
type Notifier interface {
	SendSMS(ctx context.Context, number, text string) error
	SendEmail(ctx context.Context, address, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier delivers email codes over plain SMTP. SMS is not supported
// on this transport; wire a gateway-backed Notifier for that channel.
type SMTPNotifier struct {
	config SMTPConfig
}

func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{config: config}
}

func (n *SMTPNotifier) SendSMS(_ context.Context, _, _ string) error {
	return fmt.Errorf("smtp notifier cannot send sms")
}

func (n *SMTPNotifier) SendEmail(_ context.Context, address, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.config.Host, n.config.Port)

	headers := []string{
		"From: " + n.config.From,
		"To: " + address,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}
	message := strings.Join(headers, "\r\n")

	auth := smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Host)
	if err := smtp.SendMail(addr, auth, n.config.From, []string{address}, []byte(message)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// LogNotifier writes the code to the structured log instead of sending it.
// Development only.
type LogNotifier struct {
	logger *observability.Logger
}

func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendSMS(_ context.Context, number, text string) error {
	n.logger.Info("sms_not_sent", map[string]any{"number": number, "text": text})
	return nil
}

func (n *LogNotifier) SendEmail(_ context.Context, address, subject, body string) error {
	n.logger.Info("email_not_sent", map[string]any{"address": address, "subject": subject, "body": body})
	return nil
}
