package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kestrade/orbweaver/internal/models"
)

// BreakerSettings configures the order-path circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed while half-open
	Interval     time.Duration // closed-state count reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // observations before the breaker may trip
	FailureRatio float64       // trip threshold
}

// DefaultBreakerSettings are tuned for a local gateway: trip fast on a dead
// session, recover within a minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// ResilientClient decorates a Client with a circuit breaker and request
// pacing on the order path. Market-data calls pass through untouched: losing
// a quote subscription to a tripped breaker would only hide the outage.
type ResilientClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// NewResilientClient wraps inner with DefaultBreakerSettings and the default
// 40 req/s, burst 10 order pacing.
func NewResilientClient(inner Client, logger *logrus.Logger) *ResilientClient {
	return NewResilientClientWithSettings(inner, logger, DefaultBreakerSettings(), rate.Limit(40), 10)
}

// NewResilientClientWithSettings wraps inner with explicit breaker and pacing
// parameters.
func NewResilientClientWithSettings(inner Client, logger *logrus.Logger, s BreakerSettings, rps rate.Limit, burst int) *ResilientClient {
	entry := logger.WithField("component", "broker_resilient")
	settings := gobreaker.Settings{
		Name:        "order-path",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &ResilientClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rps, burst),
		logger:  entry,
	}
}

// guarded runs fn behind the pacer and the breaker. Rate-wait and open-breaker
// failures surface as ordinary errors.
func (r *ResilientClient) guarded(ctx context.Context, fn func() error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := r.breaker.Execute(func() (any, error) { return nil, fn() })
	return err
}

// SubmitOrder submits through the pacer and breaker.
func (r *ResilientClient) SubmitOrder(ctx context.Context, o models.Order) error {
	return r.guarded(ctx, func() error { return r.inner.SubmitOrder(ctx, o) })
}

// CancelOrder cancels through the pacer and breaker.
func (r *ResilientClient) CancelOrder(ctx context.Context, clientID string) error {
	return r.guarded(ctx, func() error { return r.inner.CancelOrder(ctx, clientID) })
}

// CancelAllOrders cancels through the pacer and breaker.
func (r *ResilientClient) CancelAllOrders(ctx context.Context, instrumentID string) error {
	return r.guarded(ctx, func() error { return r.inner.CancelAllOrders(ctx, instrumentID) })
}

func (r *ResilientClient) SubscribeQuotes(instrumentID string) error {
	return r.inner.SubscribeQuotes(instrumentID)
}

func (r *ResilientClient) UnsubscribeQuotes(instrumentID string) error {
	return r.inner.UnsubscribeQuotes(instrumentID)
}

func (r *ResilientClient) SubscribeBars(bt models.BarType) error {
	return r.inner.SubscribeBars(bt)
}

func (r *ResilientClient) UnsubscribeBars(bt models.BarType) error {
	return r.inner.UnsubscribeBars(bt)
}

func (r *ResilientClient) RequestInstrument(instrumentID string) error {
	return r.inner.RequestInstrument(instrumentID)
}

func (r *ResilientClient) RequestInstruments(venue, selector string) error {
	return r.inner.RequestInstruments(venue, selector)
}

func (r *ResilientClient) CreateSpread(legs []models.SpreadLeg) (string, error) {
	return r.inner.CreateSpread(legs)
}

func (r *ResilientClient) Events() <-chan Event { return r.inner.Events() }

func (r *ResilientClient) IsConnected() bool { return r.inner.IsConnected() }
