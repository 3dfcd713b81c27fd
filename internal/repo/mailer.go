package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// SMTPConfig configures report delivery.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TLSPolicy string
	Timeout   time.Duration
}

// SMTPMailer implements dispatch.Mailer with go-mail.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPMailer validates the configuration.
func NewSMTPMailer(logger *slog.Logger, cfg SMTPConfig) (*SMTPMailer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, errors.New("smtp host not configured")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender not configured")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, err := tlsPolicy(cfg.TLSPolicy); err != nil {
		return nil, err
	}
	return &SMTPMailer{cfg: cfg, logger: logger}, nil
}

// Send delivers a multipart text and HTML message to all recipients in one transaction.
func (m *SMTPMailer) Send(ctx context.Context, recipients []string, report models.Report) error {
	msg, err := m.buildMessage(recipients, report)
	if err != nil {
		return err
	}
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.logger.Debug("report sent over smtp", slog.String("host", m.cfg.Host), slog.Int("recipients", len(recipients)))
	return nil
}

// Ping dials the server and closes the session without sending.
func (m *SMTPMailer) Ping(ctx context.Context) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return client.Close()
}

func (m *SMTPMailer) buildMessage(recipients []string, report models.Report) (*mail.Msg, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(report.Subject)
	msg.SetDate()
	msg.SetMessageID()
	if report.Severity == models.SeverityCritical {
		msg.SetImportance(mail.ImportanceHigh)
	}
	msg.SetGenHeader(mail.Header("X-Log-Severity"), string(report.Severity))
	msg.SetBodyString(mail.TypeTextPlain, report.Text)
	if strings.TrimSpace(report.HTML) != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, report.HTML)
	}
	return msg, nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	policy, err := tlsPolicy(m.cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(policy),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func tlsPolicy(name string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("unknown smtp tls policy %q", name)
	}
}
