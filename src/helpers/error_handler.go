package helpers

import (
	"fmt"
	"time"

	"chart-feed/src/logger"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type ChartFeedError struct {
	Message string
	Cause   error
}

func (e *ChartFeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ChartFeedError) Unwrap() error {
	return e.Cause
}

// Distinct error categories for type assertions where callers care.
// Transport errors never surface to chart consumers (the registry
// retries internally); history errors always do.
type TransportError struct{ ChartFeedError }
type HistoryError struct{ ChartFeedError }
type ValidationError struct{ ChartFeedError }
type StorageError struct{ ChartFeedError }

// -----------------------------------------------------------------------------

func NewHistoryError(msg string, cause error) *HistoryError {
	return &HistoryError{ChartFeedError{Message: msg, Cause: cause}}
}

func NewTransportError(msg string, cause error) *TransportError {
	return &TransportError{ChartFeedError{Message: msg, Cause: cause}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts fn up to maxRetries times with exponential backoff.
// Only safe for idempotent operations (history re-fetch, reconnect).
func RetryWithBackoff(log *logger.Logger, operation string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt+1, maxRetries, operation, lastErr, delay)
		time.Sleep(delay)
	}

	return lastErr
}
