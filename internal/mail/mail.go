// Package mail implements the mailStream worker's SMTP delivery side:
// the self-contained envelope carried in each stream message, and the
// pluggable Sender used to honour the no_emails / debug_emails global
// modes, grounded on the "injectable no-op sender" idiom seen in the
// lfx-v2-meeting-service reference (email.NewSMTPService /
// email.NewNoOpService).
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/aau-zid/schedulight-go/internal/logging"
	"go.uber.org/zap"
)

// ContentType enumerates the two payload kinds a message may carry.
type ContentType string

const (
	ContentTypePlain ContentType = "plain"
	ContentTypeHTML  ContentType = "html"
)

// Envelope is the self-contained SMTP payload carried in one mailStream
// message: credentials travel with the message so the worker stays
// stateless. Flagged as an open question for a hardened reimplementation,
// preserved verbatim here.
type Envelope struct {
	SMTPServer   string      `json:"smtpServer"`
	SMTPUser     string      `json:"smtpUser"`
	SMTPPassword string      `json:"smtpPassword"`
	From         string      `json:"from"`
	FromName     string      `json:"fromName"`
	To           string      `json:"to"`
	ToName       string      `json:"toName"`
	Subject      string      `json:"subject"`
	Body         string      `json:"body"`
	ContentType  ContentType `json:"contentType"`
}

// Sender delivers one envelope. Send returns nil when delivery succeeded;
// the caller acks the stream message only on a nil error.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SMTPSender delivers mail over STARTTLS using the credentials carried in
// each envelope.
type SMTPSender struct{}

// NewSMTPSender returns the production sender.
func NewSMTPSender() *SMTPSender { return &SMTPSender{} }

// Send opens an SMTP session, authenticates, and delivers one message.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) error {
	host := env.SMTPServer
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}

	client, err := smtp.Dial(env.SMTPServer)
	if err != nil {
		return fmt.Errorf("dial smtp server: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if env.SMTPUser != "" {
		auth := smtp.PlainAuth("", env.SMTPUser, env.SMTPPassword, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(env.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(env.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write([]byte(buildMIME(env))); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data writer: %w", err)
	}

	return client.Quit()
}

func buildMIME(env Envelope) string {
	contentType := "text/plain; charset=UTF-8"
	if env.ContentType == ContentTypeHTML {
		contentType = "text/html; charset=UTF-8"
	}

	from := env.From
	if env.FromName != "" {
		from = fmt.Sprintf("%s <%s>", env.FromName, env.From)
	}
	to := env.To
	if env.ToName != "" {
		to = fmt.Sprintf("%s <%s>", env.ToName, env.To)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", env.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(env.Body)
	return b.String()
}

// NoOpSender drops every message without sending it, for the no_emails
// global mode.
type NoOpSender struct{}

func NewNoOpSender() *NoOpSender { return &NoOpSender{} }

func (s *NoOpSender) Send(ctx context.Context, env Envelope) error {
	logging.Info(ctx, "no_emails mode: dropping message", zap.String("to", logging.RedactEmail(env.To)))
	return nil
}

// DebugSender logs the full rendered body and drops the message, for the
// debug_emails global mode.
type DebugSender struct{}

func NewDebugSender() *DebugSender { return &DebugSender{} }

func (s *DebugSender) Send(ctx context.Context, env Envelope) error {
	logging.Info(ctx, "debug_emails mode: would have sent",
		zap.String("to", logging.RedactEmail(env.To)),
		zap.String("subject", env.Subject),
		zap.String("body", env.Body),
	)
	return nil
}
