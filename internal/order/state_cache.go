package order

import (
	"sort"
	"sync"

	"github.com/aquamarinepk/aqm"
)

// StateCache maintains a view's in-memory set of orders, indexed by
// status for board queries. Each view projection owns its own cache:
// push events, poll results and optimistic mutations all reconcile
// through it, and consistency across views comes from each cache talking
// to the same backend independently.
type StateCache struct {
	mu sync.RWMutex
	// orders indexed by order id
	orders map[string]*Order
	// index by status code -> order id
	byStatus map[string][]string

	logger aqm.Logger
}

// NewStateCache creates an empty cache.
func NewStateCache(logger aqm.Logger) *StateCache {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &StateCache{
		orders:   make(map[string]*Order),
		byStatus: make(map[string][]string),
		logger:   logger,
	}
}

// Upsert inserts the order if its id is unseen, otherwise merges the
// incoming fields into the existing record. Applying the same update
// twice produces the same state as applying it once, which is what keeps
// at-least-once push delivery and overlapping poll windows harmless.
func (c *StateCache) Upsert(o *Order) {
	if o == nil || o.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(o)
}

func (c *StateCache) upsertLocked(o *Order) {
	if existing, ok := c.orders[o.ID]; ok {
		merged := existing.Merge(o)
		c.removeFromIndex(c.byStatus, existing.Status, o.ID)
		c.orders[o.ID] = &merged
		c.addToIndex(c.byStatus, merged.Status, o.ID)
		return
	}

	stored := *o
	c.orders[o.ID] = &stored
	c.addToIndex(c.byStatus, stored.Status, o.ID)
}

// UpdateStatus applies a status-only change to an already-present order.
// Unknown ids are ignored: a later poll cycle will bring the full record.
func (c *StateCache) UpdateStatus(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.orders[id]
	if !ok {
		return
	}
	if existing.Status == status {
		return
	}

	c.removeFromIndex(c.byStatus, existing.Status, id)
	existing.Status = status
	c.addToIndex(c.byStatus, status, id)
}

// Remove drops a single order from the cache.
func (c *StateCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.orders[id]
	if !ok {
		return
	}
	c.removeFromIndex(c.byStatus, existing.Status, id)
	delete(c.orders, id)
}

// ReplaceAll swaps the tracked set for the given orders. Poll cycles use
// this to correct drift, including dropping orders the push channel never
// reported as terminal.
func (c *StateCache) ReplaceAll(orders []*Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.orders = make(map[string]*Order, len(orders))
	c.byStatus = make(map[string][]string)

	for _, o := range orders {
		if o == nil || o.ID == "" {
			continue
		}
		// Duplicate ids within one response collapse via merge.
		c.upsertLocked(o)
	}
}

// Get returns a copy of the order with the given id, or nil.
func (c *StateCache) Get(id string) *Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.orders[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// ByStatus returns the orders with the given status, oldest created_at
// first. The kitchen works oldest orders first.
func (c *StateCache) ByStatus(status string) []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byStatus[status]
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o := c.orders[id]; o != nil {
			cp := *o
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Filter returns copies of all orders matching the predicate.
func (c *StateCache) Filter(pred func(*Order) bool) []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Order, 0)
	for _, o := range c.orders {
		if pred(o) {
			cp := *o
			result = append(result, &cp)
		}
	}
	return result
}

// Sorted returns copies of the orders matching the predicate, ordered
// by the comparison function.
func (c *StateCache) Sorted(pred func(*Order) bool, less func(a, b *Order) bool) []*Order {
	result := c.Filter(pred)
	sort.Slice(result, func(i, j int) bool {
		return less(result[i], result[j])
	})
	return result
}

// All returns copies of every cached order.
func (c *StateCache) All() []*Order {
	return c.Filter(func(*Order) bool { return true })
}

// Count returns the number of cached orders.
func (c *StateCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// Has reports whether an order id is currently tracked.
func (c *StateCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.orders[id]
	return ok
}

func (c *StateCache) addToIndex(index map[string][]string, key, id string) {
	index[key] = append(index[key], id)
}

func (c *StateCache) removeFromIndex(index map[string][]string, key, id string) {
	ids := index[key]
	for i, existing := range ids {
		if existing == id {
			index[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}
