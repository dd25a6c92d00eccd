package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// transientMessages are cloud failure messages that clear up on retry. Every
// other reported failure is permanent.
var transientMessages = []string{
	"busy",
	"timeout",
	"device busy",
	"communication error",
}

var errSessionExpired = errors.New("cloud session expired")

func normalizeMessage(msg string) string {
	return strings.TrimSpace(strings.ToLower(strings.ReplaceAll(msg, "_", " ")))
}

// IsTransientMessage classifies a cloud failure message.
func IsTransientMessage(msg string) bool {
	m := normalizeMessage(msg)
	for _, t := range transientMessages {
		if strings.Contains(m, t) {
			return true
		}
	}
	return false
}

func isSessionMessage(msg string) bool {
	m := normalizeMessage(msg)
	return strings.Contains(m, "session expired") || strings.Contains(m, "please login") || strings.Contains(m, "not logged in")
}

// RetryPolicy bounds the retries of transient cloud failures.
type RetryPolicy struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// retry runs fn until it succeeds, fails with anything but a transient
// protocol error, or exhausts the policy. The last transient error is
// returned unchanged once retries run out.
func (p RetryPolicy) retry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("transient cloud error, retrying",
			zap.String("op", op), zap.Duration("backoff", wait), zap.Error(err))
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
