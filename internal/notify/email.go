package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/config"
	"github.com/t77yq/servermon/internal/model"
)

const defaultEmailTimeout = 10 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	logger   *zap.Logger
	cfg      config.EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(logger *zap.Logger, cfg config.EmailConfig) *EmailChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEmailTimeout
	}
	c := &EmailChannel{
		logger: logger.Named("email"),
		cfg:    cfg,
	}
	c.sendMail = c.dialAndSend
	return c
}

func (c *EmailChannel) Kind() Kind { return KindEmail }

func (c *EmailChannel) Configured() bool {
	return c.cfg.Host != "" && c.cfg.From != ""
}

// Send mails the alert to the configured recipients
func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert, rule *model.AlertRule) error {
	return c.SendText(ctx, c.cfg.Recipients, subject(alert), summary(alert, rule))
}

// SendText mails a plain-text message
func (c *EmailChannel) SendText(ctx context.Context, to []string, subject, body string) error {
	if !c.Configured() {
		return ErrChannelNotConfigured
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: no email recipients", ErrChannelNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		headerValue(c.cfg.From),
		headerValue(strings.Join(to, ", ")),
		headerValue(subject),
		strings.ReplaceAll(body, "\n", "\r\n"))

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	if err := c.sendMail(ctx, addr, auth, c.cfg.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Debug("Email sent", zap.Int("recipients", len(to)))
	return nil
}

// dialAndSend delivers msg like smtp.SendMail but bounded by ctx and the channel timeout.
func (c *EmailChannel) dialAndSend(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	// cancellation unblocks any read or write in flight
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// headerValue keeps a value on a single header line
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
