package b2bua

import "sync"

// txnMap is the process-local in-dialogue transaction map:
// forwarded-transaction-id -> origin-transaction-id, guarded by its
// own mutex since its key space and lifecycle are unrelated to
// dialogue persistence.
type txnMap struct {
	mu    sync.Mutex
	items map[string]string
}

func newTxnMap() *txnMap {
	return &txnMap{items: make(map[string]string)}
}

// Insert records a forwarded-transaction-id -> origin-transaction-id
// mapping. The forwarded id is known only once the transport has
// created (and dispatched) the forwarded transaction, so callers
// insert right after that and must complete the Insert before they
// start relaying that transaction's responses; a response looked up
// before the Insert would find no entry to route against.
func (m *txnMap) Insert(forwardedID, originID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[forwardedID] = originID
}

// Lookup returns the origin transaction id for a forwarded id.
func (m *txnMap) Lookup(forwardedID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.items[forwardedID]
	return id, ok
}

// Remove deletes the map entry, called from the transaction-removed
// callback.
func (m *txnMap) Remove(forwardedID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, forwardedID)
}

func (m *txnMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
