package llm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// statusCoder is satisfied by SDK errors that expose an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

func isRetryableStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return isRetryableStatus(sc.HTTPStatusCode())
	}
	return false
}

// withRetry runs fn up to attempts times, backing off with jitter while
// classify reports the error as transient.
func withRetry(ctx context.Context, attempts int, base time.Duration, classify func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 || !classify(err) {
			return err
		}
		sleep := base*time.Duration(1<<i) + time.Duration(rand.Int63n(int64(base)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}
