package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// transientMarkers are the error-text fragments that identify a transient
// bridge failure. Anything else propagates immediately.
var transientMarkers = []string{
	"Network",
	"server is not responding",
	"Timed out",
	"Argument has been deleted",
	"Object variable not set",
	"unable to find path to server",
	"no network connection",
	"port error",
	"NotesViewEntryCollection",
}

// IsTransient reports whether err looks like a transient bridge failure
// worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

const retryTries = 6

// RetryInitialDelay is the first interval of the retry envelope; it doubles
// per attempt. A variable so tests can shorten it.
var RetryInitialDelay = 1500 * time.Millisecond

func newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retryTries-1), ctx)
}

// Retry runs op under the bridge retry envelope: up to 6 tries with
// exponential backoff starting at 1.5s and doubling per attempt.
// Non-transient errors stop the envelope immediately; ctx cancellation
// interrupts between attempts.
func Retry(ctx context.Context, logger *logrus.Logger, op func() error) error {
	return backoff.RetryNotify(
		func() error {
			if err := op(); err != nil {
				if !IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		},
		newRetryBackOff(ctx),
		func(err error, wait time.Duration) {
			logger.WithError(err).Warnf("transient bridge error, retrying in %s", wait)
		},
	)
}

// RetryWithReopen runs op under the same envelope as Retry but additionally
// rebuilds the database (and view, when one is tracked) through rc before
// every retry. Use it for calls whose handle may have been invalidated by a
// session loss.
func RetryWithReopen(ctx context.Context, logger *logrus.Logger, rc *ReopenContext, op func() error) error {
	return backoff.RetryNotify(
		func() error {
			if err := op(); err != nil {
				if !IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		},
		newRetryBackOff(ctx),
		func(err error, wait time.Duration) {
			logger.WithError(err).Warnf("transient bridge error, reopening and retrying in %s", wait)
			if rerr := rc.ReopenDB(); rerr != nil {
				logger.WithError(rerr).Warn("reopen failed, retrying with stale handle")
			}
		},
	)
}
