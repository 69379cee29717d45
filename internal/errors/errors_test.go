package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetryConfig(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: "1ms",
		MaxDelay:     "5ms",
		Multiplier:   2,
		Jitter:       0,
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestErrorClassification(t *testing.T) {
	classifier := NewErrorClassifier(testLogger())

	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
	}{
		{"net timeout", timeoutErr{}, ErrorTypeTimeout, true},
		{"deadline exceeded", fmt.Errorf("page: %w", context.DeadlineExceeded), ErrorTypeTimeout, true},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorTypeNetwork, true},
		{"server error", &HTTPStatusError{StatusCode: 502}, ErrorTypeServerError, true},
		{"rate limited", &HTTPStatusError{StatusCode: 429}, ErrorTypeRateLimit, true},
		{"bad request", &HTTPStatusError{StatusCode: 400, Body: "Invalid symbol."}, ErrorTypeBadRequest, false},
		{"malformed body", &MalformedResponseError{Symbol: "AAA", Reason: "not an array"}, ErrorTypeMalformed, false},
		{"invalid interval", &InvalidIntervalError{Interval: "7m"}, ErrorTypeValidation, false},
		{"cancelled", fmt.Errorf("stop: %w", context.Canceled), ErrorTypeCancelled, false},
		{"unknown", errors.New("something went wrong"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.err, "fetcher", "fetch_page")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedRetryable, IsRetryable(tt.err))
			assert.ErrorIs(t, classified, tt.err)
		})
	}

	assert.Nil(t, classifier.Classify(nil, "fetcher", "fetch_page"))
	assert.Equal(t, int64(1), classifier.GetStats()[ErrorTypeServerError].Count)
}

func TestTaxonomyUnwrap(t *testing.T) {
	cause := &HTTPStatusError{StatusCode: 503}
	exhausted := &FetchExhaustedError{Symbol: "BBB", Attempts: 3, Err: cause}

	var statusErr *HTTPStatusError
	require.ErrorAs(t, fmt.Errorf("pipeline: %w", exhausted), &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Contains(t, exhausted.Error(), "after 3 attempts")

	persist := &PersistError{Symbol: "AAA", Timestamp: 1700000000000, Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, persist, io.ErrUnexpectedEOF)
	assert.Contains(t, persist.Error(), "1700000000000")
}

func TestRetryPolicySucceedsAfterTransientFailures(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(3), nil, testLogger())

	calls := 0
	attempts, err := policy.Do(context.Background(), "fetcher", "fetch_page", func() error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 500}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsAtCeiling(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(3), nil, testLogger())

	attempts, err := policy.Do(context.Background(), "fetcher", "fetch_page", func() error {
		return timeoutErr{}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, timeoutErr{}, err)
}

func TestRetryPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(5), nil, testLogger())
	badRequest := &HTTPStatusError{StatusCode: 400}

	attempts, err := policy.Do(context.Background(), "fetcher", "fetch_page", func() error {
		return badRequest
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, badRequest)
}

func TestRetryPolicyHonoursCancellationBetweenAttempts(t *testing.T) {
	cfg := fastRetryConfig(5)
	cfg.InitialDelay = "1s"
	cfg.MaxDelay = "1s"
	policy := NewRetryPolicy(cfg, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	attempts, err := policy.Do(ctx, "fetcher", "fetch_page", func() error {
		cancel()
		return &HTTPStatusError{StatusCode: 503}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
