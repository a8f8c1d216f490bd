// Package retry provides the exponential-backoff helper used for transient
// gateway and Redis failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig matches the gateway reconnect policy: a handful of attempts
// with backoff growing from one second.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do runs fn until it succeeds, the retries are exhausted, or ctx is
// cancelled. Only transient errors are retried; anything else fails fast.
func Do(ctx context.Context, cfg Config, logger *logrus.Entry, op string, fn func() error) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}
		logger.Warnf("%s attempt %d/%d failed: %v (retrying in %v)",
			op, attempt+1, cfg.MaxRetries+1, err, backoff)

		select {
		case <-time.After(backoff):
			backoff = NextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// NextBackoff grows the delay by 1.5x, capped at max, with up to 25% jitter.
func NextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		next = max
	}
	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			next += time.Duration(j.Int64())
		}
	}
	return next
}

// IsTransient classifies an error as worth retrying based on the failure
// modes the gateway and Redis surface.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
