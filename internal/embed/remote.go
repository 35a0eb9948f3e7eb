package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// StatusError is a non-2xx response from a remote embedding service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// isTransient reports whether a remote failure is worth retrying.
// Client errors other than 429 are permanent; cancellation is never retried.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// guard composes a circuit breaker around a short retry loop for one
// logical embedding call.
type guard struct {
	breaker *amerrors.CircuitBreaker
	retry   amerrors.RetryConfig
}

func newGuard(name string, maxRetries int) guard {
	retry := amerrors.DefaultRetryConfig()
	if maxRetries >= 0 {
		retry.MaxRetries = maxRetries
	}
	retry.ShouldRetry = isTransient
	return guard{
		breaker: amerrors.NewCircuitBreaker(name, amerrors.DefaultCircuitBreakerConfig()),
		retry:   retry,
	}
}

func (g guard) do(ctx context.Context, fn func(ctx context.Context) ([]float32, error)) ([]float32, error) {
	return amerrors.Execute(g.breaker, func() ([]float32, error) {
		return amerrors.Retry(ctx, g.retry, fn)
	})
}

// BreakerState exposes the breaker state for health reporting.
func (g guard) BreakerState() string {
	return g.breaker.State()
}
