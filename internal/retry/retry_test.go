package retry

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

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("component", "test")
}

func fastCfg() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastCfg(), testLogger(), "connect", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoFailsFastOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := errors.New("unknown strategy type")
	err := Do(context.Background(), fastCfg(), testLogger(), "create", func() error {
		attempts++
		return permanent
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastCfg(), testLogger(), "connect", func() error {
		attempts++
		return fmt.Errorf("dial tcp: connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastCfg(), testLogger(), "connect", func() error {
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffCapped(t *testing.T) {
	b := 20 * time.Second
	next := NextBackoff(b, 30*time.Second)
	assert.GreaterOrEqual(t, next, 30*time.Second)
	assert.LessOrEqual(t, next, 30*time.Second+30*time.Second/4)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp 127.0.0.1:4002: connection refused")))
	assert.True(t, IsTransient(errors.New("request timed out")))
	assert.False(t, IsTransient(errors.New("invalid strike")))
	assert.False(t, IsTransient(nil))
}
