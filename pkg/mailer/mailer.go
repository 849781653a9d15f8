// Package mailer delivers transactional email over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// Message is a single plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender is what services depend on to deliver email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender relays through a configured SMTP server.
type SMTPSender struct {
	addr     string
	from     *mail.Address
	auth     smtp.Auth
	sendMail sendMailFunc
}

func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse mail from: %w", err)
	}
	host := strings.TrimSpace(cfg.SMTPHost)
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(host, strconv.Itoa(cfg.SMTPPort)),
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
	}, nil
}

// Send delivers msg. net/smtp has no context support, so ctx is only checked
// before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	payload := buildMessage(s.from, to, msg)
	if err := s.sendMail(s.addr, s.auth, s.from.Address, []string{to.Address}, payload); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMessage(from, to *mail.Address, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + stripNewlines(msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func stripNewlines(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}

// LogSender writes messages to the log instead of sending them. It is meant
// for local development only.
type LogSender struct {
	logg *logger.Logger
}

func NewLogSender(logg *logger.Logger) *LogSender {
	return &LogSender{logg: logg}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"to":      msg.To,
			"subject": msg.Subject,
			"body":    msg.Body,
		}), "mail not sent: smtp disabled")
	}
	return nil
}

// New picks the SMTP sender when a relay is configured. Outside production a
// missing relay falls back to LogSender; in production it returns nil.
func New(cfg config.Config, logg *logger.Logger) (Sender, error) {
	if cfg.Mail.Enabled() {
		sender, err := NewSMTPSender(cfg.Mail)
		if err != nil {
			return nil, err
		}
		return sender, nil
	}
	if cfg.App.IsProd() {
		return nil, nil
	}
	return NewLogSender(logg), nil
}
