package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"time"
)

// SMTPSender delivers verification codes by email
type SMTPSender struct {
	addr     string // host:port
	username string
	password string
	from     string
}

// NewSMTPSender creates an SMTP-backed sender
func NewSMTPSender(addr, username, password, from string) *SMTPSender {
	return &SMTPSender{addr: addr, username: username, password: password, from: from}
}

// SendVerificationCode emails the code to the user
func (s *SMTPSender) SendVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("invalid SMTP address (expected host:port): %w", err)
	}

	minutes := int(time.Until(expiresAt).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	auth := smtp.PlainAuth("", s.username, s.password, host)
	msg := []byte("To: " + email + "\r\n" +
		"Subject: Your verification code\r\n\r\n" +
		fmt.Sprintf("Your verification code is: %s\nIt is valid for %d minutes.\r\n", code, minutes))

	if err := smtp.SendMail(s.addr, auth, s.from, []string{email}, msg); err != nil {
		return fmt.Errorf("send mail via %s: %w", s.addr, err)
	}
	return nil
}

// LogSender is used when SMTP is not configured; it only records that a
// code was issued. The code itself is never logged.
type LogSender struct{}

// SendVerificationCode logs the delivery without the code
func (LogSender) SendVerificationCode(_ context.Context, email, _ string, expiresAt time.Time) error {
	log.Printf("notify: verification code issued for %s (expires %s)", email, expiresAt.Format(time.RFC3339))
	return nil
}
