package services

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type Email struct {
	To      []string
	Cc      []string
	Subject string
	HTML    string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

type SMTPMailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	fromName string
	logger   *logrus.Logger
}

func NewSMTPMailer(host, port, username, password, from, fromName string, logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		fromName: fromName,
		logger:   logger,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := map[string]string{
		"From":         fmt.Sprintf("%s <%s>", m.fromName, m.from),
		"To":           strings.Join(email.To, ","),
		"Subject":      email.Subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=UTF-8",
		"X-Mailer":     "TourDesk-Mailer",
	}
	if len(email.Cc) > 0 {
		headers["Cc"] = strings.Join(email.Cc, ",")
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var message strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&message, "%s: %s\r\n", key, headers[key])
	}
	message.WriteString("\r\n")
	message.WriteString(email.HTML)

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}
	recipients := append(append([]string{}, email.To...), email.Cc...)
	if err := smtp.SendMail(m.host+":"+m.port, auth, m.from, recipients, []byte(message.String())); err != nil {
		m.logger.WithError(err).WithField("to", email.To).Error("Failed to send email")
		return fmt.Errorf("smtp send failed: %w", err)
	}

	m.logger.WithFields(logrus.Fields{"to": email.To, "subject": email.Subject}).Info("Email sent")
	return nil
}

// LogMailer writes emails to the log instead of sending them. It stands in for
// SMTP outside production.
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	m.logger.WithFields(logrus.Fields{
		"to":      email.To,
		"cc":      email.Cc,
		"subject": email.Subject,
		"bytes":   len(email.HTML),
	}).Info("Email delivery skipped, SMTP not configured")
	return nil
}
