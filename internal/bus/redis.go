package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Mirror republishes bus messages to Redis so that out-of-process consumers
// (dashboards, alerting) can follow along. It is strictly fire-and-forget:
// the in-process bus never waits on it.
type Mirror struct {
	client    *redis.Client
	logger    *logrus.Entry
	connected atomic.Bool
}

// NewMirror dials the Redis at url (redis:// form).
func NewMirror(url string, logger *logrus.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		client: redis.NewClient(opts),
		logger: logger.WithField("component", "bus_mirror"),
	}, nil
}

// Run pings Redis periodically to maintain the connected flag. Blocks until
// ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	m.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			m.client.Close()
			return
		case <-ticker.C:
			m.ping(ctx)
		}
	}
}

// Connected reports whether the last ping succeeded.
func (m *Mirror) Connected() bool { return m.connected.Load() }

func (m *Mirror) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := m.client.Ping(pingCtx).Err()
	was := m.connected.Swap(err == nil)
	if err != nil && was {
		m.logger.Warnf("redis mirror lost: %v", err)
	} else if err == nil && !was {
		m.logger.Info("redis mirror connected")
	}
}

func (m *Mirror) publish(topic string, msg Message) {
	if !m.connected.Load() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.client.Publish(ctx, topic, data).Err(); err != nil {
			m.logger.Debugf("mirror publish %s: %v", topic, err)
		}
	}()
}
