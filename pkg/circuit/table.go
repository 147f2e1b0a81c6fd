package circuit

import "sync"

// Table is the local set of circuits this node originated, keyed by
// circuit id. Grounded on the registry's own peer-table shape (a
// mutex-guarded map with copy-out accessors), reused here for circuits.
type Table struct {
	mu       sync.RWMutex
	circuits map[string]*Circuit
}

// NewTable returns an empty circuit table.
func NewTable() *Table {
	return &Table{circuits: make(map[string]*Circuit)}
}

// Put registers c under its circuit id, replacing any existing entry
// with the same id (used by Rebuild's circuit-reference swap).
func (t *Table) Put(c *Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuits[c.CircuitID] = c
}

// Get returns the circuit for id, if present.
func (t *Table) Get(id string) (*Circuit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.circuits[id]
	return c, ok
}

// Remove deletes id from the table without closing the circuit; the
// monitor's rebuild uses it to drop the replaced circuit.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.circuits, id)
}

// Close implements spec 4.4 "Close": closes every peer link, zeroes key
// material, and removes the circuit from t. Idempotent.
func (t *Table) Close(id string) {
	t.mu.Lock()
	c, ok := t.circuits[id]
	if ok {
		delete(t.circuits, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	c.SetStatus(StatusClosed)
	c.Zero()
}
