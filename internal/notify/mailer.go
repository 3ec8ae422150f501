// Package notify delivers issued one-time codes out of band.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Mailer sends a one-time code to a recipient.
type Mailer interface {
	Send(ctx context.Context, to, code string) error
}

// LogMailer writes codes to the structured log instead of sending
// email. Community-tier default; useful in development and tests.
type LogMailer struct{}

// Send logs the code delivery.
func (m *LogMailer) Send(ctx context.Context, to, code string) error {
	slog.Info("one-time code issued",
		"to", to,
		"code", code,
	)
	return nil
}

// SMTPMailer delivers codes over SMTP with plain auth.
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPMailer creates an SMTP mailer.
func NewSMTPMailer(addr, user, pass, from string) (*SMTPMailer, error) {
	if addr == "" {
		return nil, fmt.Errorf("smtp address is required")
	}
	if from == "" {
		from = user
	}

	var auth smtp.Auth
	if user != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", user, pass, host)
	}

	return &SMTPMailer{addr: addr, auth: auth, from: from}, nil
}

// Send delivers the verification code.
func (m *SMTPMailer) Send(ctx context.Context, to, code string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your verification code\r\n\r\nYour verification code is %s. It expires in 10 minutes.\r\n",
		m.from, to, code)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}
