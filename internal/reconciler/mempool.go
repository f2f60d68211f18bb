package reconciler

import "github.com/kontor-chain/kontor/internal/block"

// mempoolCache is the reconciler's exclusively-owned, insertion-ordered
// view of the live mempool, per spec.md §4.E's "mempool_cache: ordered
// map Txid → Tx" and §5's "Mempool cache (reconciler): exclusively
// owned by the reconciler task; no external mutation." Grounded on
// reconciler.rs's `IndexMap<Txid, T>` (order-preserving insert/remove),
// reimplemented as a map plus an order slice since Go's stdlib has no
// ordered-map type.
type mempoolCache struct {
	order  []block.Hash
	byTxid map[block.Hash]*block.Transaction
}

func newMempoolCache() *mempoolCache {
	return &mempoolCache{byTxid: make(map[block.Hash]*block.Transaction)}
}

// insert adds tx if its txid isn't already cached, reporting whether it
// was newly inserted (reconciler.rs's Entry::Vacant check).
func (m *mempoolCache) insert(tx *block.Transaction) bool {
	if _, ok := m.byTxid[tx.Txid]; ok {
		return false
	}
	m.byTxid[tx.Txid] = tx
	m.order = append(m.order, tx.Txid)
	return true
}

// remove drops txid if present, reporting whether it was found
// (reconciler.rs's shift_remove).
func (m *mempoolCache) remove(txid block.Hash) bool {
	if _, ok := m.byTxid[txid]; !ok {
		return false
	}
	delete(m.byTxid, txid)
	for i, id := range m.order {
		if id == txid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// removeAll drops every txid in txids present in the cache, returning
// the subset actually removed, in block order — reconciler.rs's
// handle_block, which clears a just-connected block's own
// transactions out of the mempool view.
func (m *mempoolCache) removeAll(txids []block.Hash) []block.Hash {
	var removed []block.Hash
	for _, txid := range txids {
		if m.remove(txid) {
			removed = append(removed, txid)
		}
	}
	return removed
}

// values returns every cached transaction, insertion order.
func (m *mempoolCache) values() []*block.Transaction {
	out := make([]*block.Transaction, len(m.order))
	for i, id := range m.order {
		out[i] = m.byTxid[id]
	}
	return out
}
