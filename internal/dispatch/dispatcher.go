package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/retry"
)

// ErrNoRecipients is returned when a report has nowhere to go.
var ErrNoRecipients = errors.New("no report recipients configured")

// Mailer is the mail-transport collaborator.
type Mailer interface {
	Send(ctx context.Context, recipients []string, report models.Report) error
}

// DefaultPolicy mirrors the delivery policy: three sends, 2s base backoff capped at 10s.
func DefaultPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: 2 * time.Second, Max: 10 * time.Second}
}

const defaultAttemptTimeout = 30 * time.Second

// Dispatcher delivers reports with bounded retries.
type Dispatcher struct {
	mailer         Mailer
	recipients     []string
	policy         retry.Policy
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher constructs a Dispatcher. A zero policy uses DefaultPolicy.
func NewDispatcher(logger *slog.Logger, mailer Mailer, recipients []string, policy retry.Policy, attemptTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Attempts <= 0 {
		policy = DefaultPolicy()
	}
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	return &Dispatcher{
		mailer:         mailer,
		recipients:     append([]string(nil), recipients...),
		policy:         policy,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}
}

// Dispatch sends the report, retrying transient failures. Exhaustion yields a *models.DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, report models.Report) error {
	if len(d.recipients) == 0 {
		return &models.DeliveryError{Attempts: 0, Err: ErrNoRecipients}
	}
	if d.mailer == nil {
		return &models.DeliveryError{Attempts: 0, Err: errors.New("mail transport not configured")}
	}

	attempts, err := retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
		if err := d.mailer.Send(actx, d.recipients, report); err != nil {
			metrics.IncDispatchAttempt("error")
			d.logger.Warn("report delivery attempt failed",
				slog.Int("attempt", attempt+1), slog.Int("max_attempts", d.policy.Attempts), slog.Any("error", err))
			return err
		}
		metrics.IncDispatchAttempt("ok")
		return nil
	})
	if err != nil {
		return &models.DeliveryError{Attempts: attempts, Err: err}
	}

	d.logger.Info("report delivered",
		slog.String("subject", report.Subject), slog.Int("recipients", len(d.recipients)), slog.Int("attempts", attempts))
	return nil
}
