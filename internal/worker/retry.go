package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/voxnote/bot/internal/client"
)

// linearBackOff waits attempt*delay before each retry.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.delay
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// newRetryPolicy allows attempts calls in total.
func newRetryPolicy(attempts int, delay time.Duration) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(&linearBackOff{delay: delay}, uint64(attempts-1))
}

// retryable reports whether another attempt could succeed. Client errors
// other than timeout and rate limiting are final.
func retryable(err error) bool {
	var sErr *client.StatusError
	if errors.As(err, &sErr) {
		switch {
		case sErr.StatusCode == http.StatusRequestTimeout, sErr.StatusCode == http.StatusTooManyRequests:
			return true
		case sErr.StatusCode >= 400 && sErr.StatusCode < 500:
			return false
		}
	}
	return true
}
