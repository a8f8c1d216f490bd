package bus

import (
	"sync"

	"github.com/kestrade/orbweaver/internal/models"
)

// Cache is the last-value market snapshot store. The broker client owns all
// writes; everyone else does non-blocking point reads.
type Cache struct {
	mu          sync.RWMutex
	quotes      map[string]models.Quote
	bars        map[models.BarType]models.Bar
	instruments map[string]*models.Instrument
	orders      map[string]models.Order
	positions   map[string]models.Position
	accounts    map[string]models.Account
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		quotes:      make(map[string]models.Quote),
		bars:        make(map[models.BarType]models.Bar),
		instruments: make(map[string]*models.Instrument),
		orders:      make(map[string]models.Order),
		positions:   make(map[string]models.Position),
		accounts:    make(map[string]models.Account),
	}
}

// SetQuote stores the latest quote for its instrument.
func (c *Cache) SetQuote(q models.Quote) {
	c.mu.Lock()
	c.quotes[q.InstrumentID] = q
	c.mu.Unlock()
}

// Quote returns the last quote for an instrument.
func (c *Cache) Quote(instrumentID string) (models.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[instrumentID]
	c.mu.RUnlock()
	return q, ok
}

// SetBar stores the latest bar for its stream.
func (c *Cache) SetBar(b models.Bar) {
	c.mu.Lock()
	c.bars[b.Type()] = b
	c.mu.Unlock()
}

// Bar returns the last bar of a stream.
func (c *Cache) Bar(bt models.BarType) (models.Bar, bool) {
	c.mu.RLock()
	b, ok := c.bars[bt]
	c.mu.RUnlock()
	return b, ok
}

// SetInstrument stores an instrument definition.
func (c *Cache) SetInstrument(in *models.Instrument) {
	if in == nil {
		return
	}
	c.mu.Lock()
	c.instruments[in.ID] = in
	c.mu.Unlock()
}

// Instrument returns a known instrument by id.
func (c *Cache) Instrument(id string) (*models.Instrument, bool) {
	c.mu.RLock()
	in, ok := c.instruments[id]
	c.mu.RUnlock()
	return in, ok
}

// Instruments lists every known instrument.
func (c *Cache) Instruments() []*models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Instrument, 0, len(c.instruments))
	for _, in := range c.instruments {
		out = append(out, in)
	}
	return out
}

// SetOrder stores the latest state of an order keyed by client id.
func (c *Cache) SetOrder(o models.Order) {
	c.mu.Lock()
	c.orders[o.ClientID] = o
	c.mu.Unlock()
}

// Order returns an order by client id.
func (c *Cache) Order(clientID string) (models.Order, bool) {
	c.mu.RLock()
	o, ok := c.orders[clientID]
	c.mu.RUnlock()
	return o, ok
}

// WorkingOrders lists the orders still live at the broker.
func (c *Cache) WorkingOrders() []models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Order
	for _, o := range c.orders {
		if o.Status.Working() {
			out = append(out, o)
		}
	}
	return out
}

// SetPosition stores the net position for its instrument.
func (c *Cache) SetPosition(p models.Position) {
	c.mu.Lock()
	c.positions[p.InstrumentID] = p
	c.mu.Unlock()
}

// Position returns the position in an instrument.
func (c *Cache) Position(instrumentID string) (models.Position, bool) {
	c.mu.RLock()
	p, ok := c.positions[instrumentID]
	c.mu.RUnlock()
	return p, ok
}

// OpenPositions lists the non-flat positions.
func (c *Cache) OpenPositions() []models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Position
	for _, p := range c.positions {
		if !(&p).IsFlat() {
			out = append(out, p)
		}
	}
	return out
}

// SetAccount stores an account snapshot.
func (c *Cache) SetAccount(a models.Account) {
	c.mu.Lock()
	c.accounts[a.ID] = a
	c.mu.Unlock()
}

// Account returns an account snapshot by id.
func (c *Cache) Account(id string) (models.Account, bool) {
	c.mu.RLock()
	a, ok := c.accounts[id]
	c.mu.RUnlock()
	return a, ok
}

// Accounts lists every account snapshot.
func (c *Cache) Accounts() []models.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	return out
}
