// Package errors provides the ingestion error taxonomy, retry classification and the
// shared retry policy. Transient failures are retried through one RetryPolicy; every
// other failure surfaces as a typed error that callers inspect with errors.As.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 / 418 from the provider
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors

	// Non-retryable error types
	ErrorTypeBadRequest ErrorType = "bad_request" // HTTP 4xx errors (except rate limit)
	ErrorTypeMalformed  ErrorType = "malformed"   // Response could not be decoded
	ErrorTypeValidation ErrorType = "validation"  // Caller misuse or invalid data
	ErrorTypeCancelled  ErrorType = "cancelled"   // Context cancelled by the caller

	ErrorTypeUnknown ErrorType = "unknown"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// HTTPStatusError is returned by transports for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// InvalidIntervalError reports a bucket interval outside the supported set. Caller misuse.
type InvalidIntervalError struct {
	Interval string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval %q", e.Interval)
}

// StalePaginationError reports a source whose cursor stopped advancing. The fetch that
// returns it also returns the bars collected before the repeat.
type StalePaginationError struct {
	Symbol        string
	Cursor        int64
	LastTimestamp int64
}

func (e *StalePaginationError) Error() string {
	return fmt.Sprintf("stale pagination for %s: page at cursor %d repeated last timestamp %d",
		e.Symbol, e.Cursor, e.LastTimestamp)
}

// FetchExhaustedError reports that a page request kept failing past the retry ceiling.
type FetchExhaustedError struct {
	Symbol   string
	Attempts int
	Err      error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("fetch for %s failed after %d attempts: %v", e.Symbol, e.Attempts, e.Err)
}

func (e *FetchExhaustedError) Unwrap() error { return e.Err }

// PersistError reports a rolled-back write, naming the row that failed.
type PersistError struct {
	Symbol    string
	Timestamp int64
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s failed at timestamp %d: %v", e.Symbol, e.Timestamp, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ConsistencyMismatchError is a reporting-only finding from the consistency checker.
type ConsistencyMismatchError struct {
	Symbol       string
	Timestamp    int64
	Field        string
	Stored       string
	Fetched      string
	ErrorPct     float64
	TolerancePct float64
}

func (e *ConsistencyMismatchError) Error() string {
	return fmt.Sprintf("%s %s at %d: stored %s, fetched %s (%.4f%% > %.4f%%)",
		e.Symbol, e.Field, e.Timestamp, e.Stored, e.Fetched, e.ErrorPct, e.TolerancePct)
}

// MalformedResponseError reports a response body that is not a usable page.
type MalformedResponseError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response for %s: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed response for %s: %s", e.Symbol, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ErrorClassifier classifies errors as retryable or not and keeps per-type counts.
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Retryable: isRetryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type, preferring typed errors over message patterns
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusTeapot:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= 500:
			return ErrorTypeServerError
		default:
			return ErrorTypeBadRequest
		}
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return ErrorTypeMalformed
	}
	var invalidInterval *InvalidIntervalError
	if errors.As(err, &invalidInterval) {
		return ErrorTypeValidation
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network unreachable",
		"unexpected eof",
	} {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorTypeTimeout
	}

	return ErrorTypeUnknown
}

func isRetryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return isRetryableType(classifyErrorType(err))
}

// RetryPolicy is the single retry policy shared by every fetch, whatever the interval.
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	classifier   *ErrorClassifier
	logger       *slog.Logger
}

// NewRetryPolicy builds a policy from configuration. The classifier may be shared.
func NewRetryPolicy(cfg config.RetryConfig, classifier *ErrorClassifier, logger *slog.Logger) *RetryPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = NewErrorClassifier(logger)
	}
	p := &RetryPolicy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: config.MustDuration(cfg.InitialDelay, 500*time.Millisecond),
		maxDelay:     config.MustDuration(cfg.MaxDelay, 30*time.Second),
		multiplier:   cfg.Multiplier,
		jitter:       cfg.Jitter,
		classifier:   classifier,
		logger:       logger,
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.multiplier < 1 {
		p.multiplier = backoff.DefaultMultiplier
	}
	return p
}

// MaxAttempts returns the retry ceiling, counting the first attempt.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

func (p *RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.initialDelay
	exponential.MaxInterval = p.maxDelay
	exponential.Multiplier = p.multiplier
	exponential.RandomizationFactor = p.jitter
	exponential.MaxElapsedTime = 0 // the attempt ceiling bounds the loop
	exponential.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.maxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, fails permanently, exhausts the attempt ceiling, or ctx is
// cancelled while waiting between attempts. It returns the number of attempts made and
// the last error from fn (or ctx's error when cancelled between attempts).
func (p *RetryPolicy) Do(ctx context.Context, component, operation string, fn func() error) (int, error) {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		classified := p.classifier.Classify(err, component, operation)
		if !classified.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("transient failure, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", p.maxAttempts,
			"wait", wait,
			"error", err)
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return attempts, err
	}
	if lastErr != nil {
		return attempts, lastErr
	}
	return attempts, err
}
