package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/rakunlabs/coreserver/internal/config"
)

type emailSink struct {
	cfg        config.SMTPConfig
	recipients []string
}

func newEmailSink(cfg config.SMTPConfig, recipients []string) *emailSink {
	return &emailSink{cfg: cfg, recipients: recipients}
}

func (s *emailSink) Send(ctx context.Context, n Notification) error {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("notify: set from: %w", err)
	}
	if err := m.To(s.recipients...); err != nil {
		return fmt.Errorf("notify: set to: %w", err)
	}
	m.Subject(fmt.Sprintf("[coreserver] %s", n.Event))
	m.SetBodyString(mail.ContentType("text/plain"), renderBody(n))

	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(s.cfg.Username), mail.WithPassword(s.cfg.Password))
	}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSConfig(&tls.Config{ServerName: s.cfg.Host}), mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}

	// go-mail's DialAndSend has no context-aware variant in the version this
	// core pins, so ctx is not applied: the Dispatcher's per-sink timeout
	// does not interrupt a slow SMTP exchange.
	_ = ctx
	return c.DialAndSend(m)
}

func renderBody(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", n.Summary)
	for k, v := range n.Fields {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
