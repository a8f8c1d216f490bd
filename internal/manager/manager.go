// Package manager owns the live strategy set: it instantiates strategies from
// persisted configs through the type registry, orchestrates their lifecycles,
// fans broker events out to their mailboxes, and aggregates status for the
// external surface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/strategy"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

var (
	// ErrUnknownType rejects configs whose type has no registered factory.
	ErrUnknownType = errors.New("unknown strategy type")
	// ErrUnknownStrategy is returned for ids the manager does not own.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrDuplicateID rejects creating a strategy over an existing one.
	ErrDuplicateID = errors.New("strategy id already exists")
)

// Factory builds a strategy handler from its config.
type Factory func(cfg models.StrategyConfig) (runtime.Handler, error)

// defaultRegistry maps every shipped strategy type to its constructor.
func defaultRegistry() map[string]Factory {
	return map[string]Factory{
		strategy.TypeORBLongCall:    func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewORB(cfg) },
		strategy.TypeORBLongPut:     func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewORB(cfg) },
		strategy.TypeSPX15Range:     func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewSPX15Range(cfg) },
		strategy.TypeSPX1DTE:        func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewOneDTE(cfg) },
		strategy.TypeSPXStreamer:    func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewStreamer(cfg) },
		strategy.TypeIntervalTrader: func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewInterval(cfg) },
		strategy.TypeScalper:        func(cfg models.StrategyConfig) (runtime.Handler, error) { return strategy.NewScalper(cfg) },
	}
}

// Deps bundles the services every strategy core is wired to.
type Deps struct {
	Clock  clock.Service
	Client broker.Client
	Cache  *bus.Cache
	Store  storage.Interface
	Trades *tradedb.Store
	Bus    *bus.Bus
	Search *optsearch.Engine
	Logger *logrus.Logger
}

// Options tunes manager behavior.
type Options struct {
	// StartSettle is how long the manager waits after the broker session
	// comes up before starting strategies, so instrument chains populate.
	StartSettle time.Duration
}

// Manager is the strategy orchestrator.
type Manager struct {
	deps     Deps
	opts     Options
	logger   *logrus.Entry
	registry map[string]Factory

	mu    sync.RWMutex
	cores map[string]*runtime.Core
	ready bool
}

// New creates a manager with the default strategy registry.
func New(deps Deps, opts Options) *Manager {
	if opts.StartSettle == 0 {
		opts.StartSettle = 10 * time.Second
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.WithField("component", "manager"),
		registry: defaultRegistry(),
		cores:    make(map[string]*runtime.Core),
	}
}

// Initialize loads every persisted config and instantiates its strategy.
// Nothing is started; Run starts the enabled ones once the broker is up.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	configs, err := m.deps.Store.ListConfigs()
	if err != nil {
		return fmt.Errorf("loading strategy configs: %w", err)
	}
	for _, cfg := range configs {
		if err := m.register(cfg); err != nil {
			m.logger.Errorf("skipping strategy %s: %v", cfg.ID, err)
			continue
		}
		m.logger.Infof("loaded strategy %s (%s)", cfg.ID, cfg.Type)
	}
	return nil
}

// CreateStrategy persists a new config and instantiates it. With autoStart
// the strategy is started immediately.
func (m *Manager) CreateStrategy(cfg models.StrategyConfig, autoStart bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, ok := m.registry[cfg.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	m.mu.RLock()
	_, exists := m.cores[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID)
	}
	if err := m.deps.Store.SaveConfig(cfg); err != nil {
		return err
	}
	if err := m.register(cfg); err != nil {
		return err
	}
	if autoStart {
		return m.StartStrategy(cfg.ID)
	}
	return nil
}

// register builds the core for a config and installs it. The caller has
// already validated the config.
func (m *Manager) register(cfg models.StrategyConfig) error {
	factory, ok := m.registry[cfg.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	handler, err := factory(cfg)
	if err != nil {
		return err
	}
	core := runtime.NewCore(cfg, handler, runtime.Deps{
		Clock:  m.deps.Clock,
		Client: m.deps.Client,
		Cache:  m.deps.Cache,
		Store:  m.deps.Store,
		Trades: m.deps.Trades,
		Bus:    m.deps.Bus,
		Search: m.deps.Search,
		Logger: m.deps.Logger,
	})
	m.mu.Lock()
	m.cores[cfg.ID] = core
	m.mu.Unlock()
	return nil
}

// StartStrategy starts a strategy, resetting it first when it sits in the
// terminal STOPPED state. Starting a RUNNING strategy is a no-op.
func (m *Manager) StartStrategy(id string) error {
	core, err := m.core(id)
	if err != nil {
		return err
	}
	if core.State() == runtime.StateStopped {
		if err := core.Reset(); err != nil {
			return err
		}
	}
	if err := core.Start(); err != nil {
		return err
	}
	m.logger.Infof("strategy %s started", id)
	return nil
}

// StopStrategy drains and stops a strategy.
func (m *Manager) StopStrategy(id string) error {
	core, err := m.core(id)
	if err != nil {
		return err
	}
	if err := core.Stop(); err != nil {
		return err
	}
	m.logger.Infof("strategy %s stopped", id)
	return nil
}

// UpdateStrategyConfig merges patch into the strategy's config and persists
// it. A stopped strategy is rebuilt immediately; a running one picks the new
// config up on its next restart.
func (m *Manager) UpdateStrategyConfig(id string, patch map[string]any) (models.StrategyConfig, error) {
	core, err := m.core(id)
	if err != nil {
		return models.StrategyConfig{}, err
	}
	cfg := core.Config()
	cfg.MergeParameters(patch)
	if err := cfg.Validate(); err != nil {
		return models.StrategyConfig{}, err
	}
	if err := m.deps.Store.SaveConfig(cfg); err != nil {
		return models.StrategyConfig{}, err
	}
	if core.State() == runtime.StateRunning {
		m.logger.Warnf("strategy %s config updated; restart to apply", id)
		return cfg, nil
	}
	if err := m.register(cfg); err != nil {
		return models.StrategyConfig{}, err
	}
	return cfg, nil
}

// Ready reports whether the manager has finished its startup sequence.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Manager) core(id string) (*runtime.Core, error) {
	m.mu.RLock()
	core, ok := m.cores[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return core, nil
}

func (m *Manager) allCores() []*runtime.Core {
	m.mu.RLock()
	out := make([]*runtime.Core, 0, len(m.cores))
	for _, c := range m.cores {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run drives the manager until ctx is done: wait for the broker session, let
// instrument chains settle, start every enabled strategy, reconcile open
// trades against broker positions, then dispatch broker events.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.awaitBroker(ctx); err != nil {
		return err
	}
	m.logger.Infof("broker session up, settling for %s", m.opts.StartSettle)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.StartSettle):
	}

	for _, core := range m.allCores() {
		if !core.Config().Enabled {
			continue
		}
		if err := m.StartStrategy(core.ID()); err != nil {
			m.logger.Errorf("starting %s: %v", core.ID(), err)
		}
	}
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.reconcile()

	return m.dispatch(ctx)
}

// Shutdown stops every strategy. Called on process teardown.
func (m *Manager) Shutdown() {
	for _, core := range m.allCores() {
		if err := core.Stop(); err != nil {
			m.logger.Errorf("stopping %s: %v", core.ID(), err)
		}
	}
}

func (m *Manager) awaitBroker(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for !m.deps.Client.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// dispatch consumes the broker event stream. Market data and instrument
// definitions fan out to every running strategy; order events route to the
// strategy whose id prefixes the client order id.
func (m *Manager) dispatch(ctx context.Context) error {
	events := m.deps.Client.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("broker event stream closed")
			}
			m.route(ev)
		}
	}
}

func (m *Manager) route(ev broker.Event) {
	switch ev.Kind {
	case broker.EventQuoteTick:
		for _, core := range m.allCores() {
			core.DeliverQuote(ev.Quote)
		}
	case broker.EventBar:
		for _, core := range m.allCores() {
			core.DeliverBar(ev.Bar)
		}
	case broker.EventInstrumentAdded:
		for _, core := range m.allCores() {
			core.DeliverInstrument(ev.Instrument)
		}
	default:
		if !ev.IsOrderEvent() {
			return
		}
		clientID := ev.ClientID()
		for _, core := range m.allCores() {
			if strings.HasPrefix(clientID, core.ID()+"-") {
				core.DeliverOrderEvent(ev)
				return
			}
		}
		m.logger.Debugf("order event %s for unowned client id %q", ev.Kind, clientID)
	}
}

// reconcile compares open trade rows against broker positions at startup.
// Orphans on either side are flagged, never auto-closed: a human decides.
func (m *Manager) reconcile() {
	if m.deps.Trades == nil {
		return
	}
	claimed := make(map[string]struct{})
	for _, core := range m.allCores() {
		for _, tr := range m.deps.Trades.GetOpenTrades(core.ID()) {
			claimed[tr.InstrumentID] = struct{}{}
			pos, ok := m.deps.Cache.Position(tr.InstrumentID)
			if !ok || (&pos).IsFlat() {
				m.flag("open trade %s (%s) has no broker position on %s",
					tr.TradeID, tr.StrategyID, tr.InstrumentID)
			}
		}
	}
	for _, pos := range m.deps.Cache.OpenPositions() {
		if _, ok := claimed[pos.InstrumentID]; !ok {
			m.flag("broker position on %s (qty %.0f) has no open trade row",
				pos.InstrumentID, pos.Qty)
		}
	}
}

func (m *Manager) flag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Warn(msg)
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(bus.TopicNotification, map[string]string{
			"source":  "reconciliation",
			"message": msg,
		})
	}
}
