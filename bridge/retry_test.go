package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetries(t *testing.T) {
	t.Helper()
	saved := RetryInitialDelay
	RetryInitialDelay = time.Millisecond
	t.Cleanup(func() { RetryInitialDelay = saved })
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// TestIsTransient tests the transient error classification
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Nil", err: nil, want: false},
		{name: "Network", err: errors.New("Network operation did not complete"), want: true},
		{name: "ServerNotResponding", err: errors.New("the server is not responding"), want: true},
		{name: "TimedOut", err: errors.New("Timed out waiting for reply"), want: true},
		{name: "ArgumentDeleted", err: errors.New("Argument has been deleted"), want: true},
		{name: "ObjectVariableNotSet", err: errors.New("Object variable not set"), want: true},
		{name: "NoPathToServer", err: errors.New("unable to find path to server FOO"), want: true},
		{name: "NoNetworkConnection", err: errors.New("no network connection to reach host"), want: true},
		{name: "PortError", err: errors.New("remote port error on channel"), want: true},
		{name: "EntryCollection", err: errors.New("NotesViewEntryCollection: invalid handle"), want: true},
		{name: "WrappedTransient", err: fmt.Errorf("fetch: %w", errors.New("Timed out")), want: true},
		{name: "NotFound", err: ErrNotFound, want: false},
		{name: "Other", err: errors.New("syntax error in formula"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

// TestRetry_SucceedsAfterTransientErrors tests eventual success within the envelope
func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	fastRetries(t)

	calls := 0
	err := Retry(context.Background(), testLogger(), func() error {
		calls++
		if calls < 3 {
			return errors.New("server is not responding")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestRetry_StopsOnNonTransient tests that non-transient errors short-circuit
func TestRetry_StopsOnNonTransient(t *testing.T) {
	fastRetries(t)

	calls := 0
	fatal := errors.New("syntax error in formula")
	err := Retry(context.Background(), testLogger(), func() error {
		calls++
		return fatal
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

// TestRetry_ExhaustsAfterSixTries tests the try budget
func TestRetry_ExhaustsAfterSixTries(t *testing.T) {
	fastRetries(t)

	calls := 0
	err := Retry(context.Background(), testLogger(), func() error {
		calls++
		return errors.New("Timed out")
	})

	require.Error(t, err)
	assert.Equal(t, retryTries, calls)
}

// TestRetry_CancelledContext tests cancellation between attempts
func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, testLogger(), func() error {
		calls++
		cancel()
		return errors.New("Timed out")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation should interrupt before the next attempt")
}

// TestRetryWithReopen_ReopensBetweenAttempts tests that each retry reopens the handle
func TestRetryWithReopen_ReopensBetweenAttempts(t *testing.T) {
	fastRetries(t)

	reopens := 0
	rc := NewReopenContext(
		func() (Database, error) {
			reopens++
			return nil, nil
		},
		func(db Database, name string) (View, error) { return nil, nil },
	)

	calls := 0
	err := RetryWithReopen(context.Background(), testLogger(), rc, func() error {
		calls++
		if calls < 3 {
			return errors.New("Object variable not set")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, reopens, "one reopen per retry")
}

// TestReopenContext_TracksView tests view re-resolution after a reopen
func TestReopenContext_TracksView(t *testing.T) {
	viewLookups := 0
	rc := NewReopenContext(
		func() (Database, error) { return nil, nil },
		func(db Database, name string) (View, error) {
			viewLookups++
			assert.Equal(t, "People", name)
			return nil, nil
		},
	)

	require.NoError(t, rc.ReopenView("People"))
	assert.Equal(t, 1, viewLookups)

	require.NoError(t, rc.ReopenDB())
	assert.Equal(t, 2, viewLookups, "reopening the db re-resolves the tracked view")
}

// TestReopenContext_ViewLookupFailure tests error wrapping on failed lookups
func TestReopenContext_ViewLookupFailure(t *testing.T) {
	rc := NewReopenContext(
		func() (Database, error) { return nil, nil },
		func(db Database, name string) (View, error) {
			return nil, errors.New("view gone")
		},
	)

	err := rc.ReopenView("Missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `failed to reopen view "Missing"`)
}
