// Package email provides the SMTP mail transport: one SMTP session per recipient,
// opportunistic STARTTLS, optional PLAIN auth and a shared send rate limit.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned by Send when the sender is not enabled.
var ErrDisabled = errors.New("email sender disabled")

const (
	defaultSMTPPort = 587
	dialTimeout     = 10 * time.Second
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	// FromAddress is an RFC 5322 address, e.g. "Status <status@example.com>".
	FromAddress string
	// RatePerSecond caps outgoing messages across all goroutines. Zero means unlimited.
	RatePerSecond float64
}

// Sender delivers messages one recipient at a time via SMTP.
// It implements notifications.MailTransport.
type Sender struct {
	config  Config
	from    *mail.Address
	auth    smtp.Auth
	limiter *rate.Limiter
	now     func() time.Time
}

// NewSender validates config and creates a Sender. A disabled sender is valid and
// answers every Send with ErrDisabled.
func NewSender(config Config) (*Sender, error) {
	s := &Sender{config: config, now: time.Now}

	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
		from, err := mail.ParseAddress(config.FromAddress)
		if err != nil {
			return nil, fmt.Errorf("email sender: invalid from address %q: %w", config.FromAddress, err)
		}
		s.from = from
	}

	if s.config.SMTPPort == 0 {
		s.config.SMTPPort = defaultSMTPPort
	}
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		s.auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}
	if config.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), max(1, int(config.RatePerSecond)))
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", s.config.SMTPPort,
		"from_address", config.FromAddress,
		"rate_per_second", config.RatePerSecond,
	)
	return s, nil
}

// Send delivers one message to one recipient. The SMTP session is bounded by ctx.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.config.Enabled {
		return ErrDisabled
	}

	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
	}

	if err := s.deliver(ctx, rcpt.Address, s.buildMessage(rcpt, subject, body)); err != nil {
		ctxlog.FromContext(ctx).Debug("smtp send failed",
			"smtp_host", s.config.SMTPHost,
			"retryable", IsRetryable(err),
			"error", err,
		)
		return err
	}
	return nil
}

// buildMessage renders a text/plain message with CRLF line endings.
func (s *Sender) buildMessage(to *mail.Address, subject, body string) []byte {
	headers := [][2]string{
		{"From", s.from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", s.now().UTC().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), hostOf(s.from.Address))},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="utf-8"`},
	}

	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h[0])
		b.WriteString(": ")
		b.WriteString(h[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// deliver runs one SMTP session: STARTTLS when offered, AUTH when configured.
func (s *Sender) deliver(ctx context.Context, rcpt string, msg []byte) error {
	addr := net.JoinHostPort(s.config.SMTPHost, strconv.Itoa(s.config.SMTPPort))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: s.config.SMTPHost, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

func hostOf(address string) string {
	if i := strings.LastIndex(address, "@"); i != -1 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}

// IsRetryable reports whether err is a temporary failure: a network error or an
// SMTP 4xx reply. 552 (storage exceeded) is treated as temporary too.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code/100 == 4 || tpErr.Code == 552
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
