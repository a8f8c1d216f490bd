package manager

import (
	"time"

	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/runtime"
)

// Dashboard status labels. Internal lifecycle states collapse onto these.
const (
	StatusRunning      = "RUNNING"
	StatusInitializing = "INITIALIZING"
	StatusStopped      = "STOPPED"
)

func statusLabel(s runtime.State) string {
	switch s {
	case runtime.StateRunning:
		return StatusRunning
	case runtime.StateNew, runtime.StateReady, runtime.StateResetting:
		return StatusInitializing
	default:
		return StatusStopped
	}
}

// StrategyStatus is one strategy's externally visible snapshot.
type StrategyStatus struct {
	ID      string                `json:"id"`
	Running bool                  `json:"running"`
	Status  string                `json:"status"`
	Config  models.StrategyConfig `json:"config"`
	State   map[string]any        `json:"state,omitempty"`
	Metrics models.StrategyStats  `json:"metrics"`
}

// SystemStatus is the process-wide snapshot published on the bus and served
// to dashboard clients on connect.
type SystemStatus struct {
	Ts              time.Time         `json:"ts"`
	BrokerConnected bool              `json:"broker_connected"`
	RedisConnected  bool              `json:"redis_connected"`
	Accounts        []models.Account  `json:"accounts"`
	Positions       []models.Position `json:"positions"`
	OpenPositions   int               `json:"open_positions"`
	TotalExposure   float64           `json:"total_exposure"`
	Strategies      []StrategyStatus  `json:"strategies"`
}

// GetStrategyStatus returns one strategy's status with its persisted state
// document and trade metrics merged in.
func (m *Manager) GetStrategyStatus(id string) (StrategyStatus, error) {
	core, err := m.core(id)
	if err != nil {
		return StrategyStatus{}, err
	}
	return m.status(core), nil
}

// GetAllStrategiesStatus returns every strategy's status, sorted by id.
func (m *Manager) GetAllStrategiesStatus() []StrategyStatus {
	cores := m.allCores()
	out := make([]StrategyStatus, 0, len(cores))
	for _, core := range cores {
		out = append(out, m.status(core))
	}
	return out
}

func (m *Manager) status(core *runtime.Core) StrategyStatus {
	st := StrategyStatus{
		ID:      core.ID(),
		Running: core.State() == runtime.StateRunning,
		Status:  statusLabel(core.State()),
		Config:  core.Config(),
	}
	// The persisted document is read instead of the live state pointer: the
	// mailbox goroutine owns that pointer.
	var doc map[string]any
	if err := m.deps.Store.LoadState(core.ID(), &doc); err == nil {
		st.State = doc
	}
	if m.deps.Trades != nil {
		st.Metrics = m.deps.Trades.GetStrategyStats(core.ID())
	}
	return st
}

// SystemStatus assembles the process-wide snapshot from the caches and the
// strategy set.
func (m *Manager) SystemStatus() SystemStatus {
	positions := m.deps.Cache.OpenPositions()
	return SystemStatus{
		Ts:              time.Now().UTC(),
		BrokerConnected: m.deps.Client.IsConnected(),
		RedisConnected:  m.deps.Bus != nil && m.deps.Bus.MirrorConnected(),
		Accounts:        m.deps.Cache.Accounts(),
		Positions:       positions,
		OpenPositions:   len(positions),
		TotalExposure:   m.totalExposure(positions),
		Strategies:      m.GetAllStrategiesStatus(),
	}
}

// totalExposure sums |qty| x last price x multiplier over open positions.
// Positions without a usable quote contribute nothing.
func (m *Manager) totalExposure(positions []models.Position) float64 {
	var total float64
	for _, pos := range positions {
		q, ok := m.deps.Cache.Quote(pos.InstrumentID)
		if !ok || q.Mid() == 0 {
			continue
		}
		mult := 100.0
		if in, ok := m.deps.Cache.Instrument(pos.InstrumentID); ok && in.Multiplier > 0 {
			mult = in.Multiplier
		}
		price := q.Mid()
		if price < 0 {
			price = -price
		}
		qty := pos.Qty
		if qty < 0 {
			qty = -qty
		}
		total += qty * price * mult
	}
	return total
}
