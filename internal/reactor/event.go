// Package reactor is the deterministic consumer from spec.md §4.F: it
// drains the reconciler's single ordered Event stream, drives the
// contract runtime per inscription op, and commits or rolls back the
// state store one block at a time.
//
// Grounded on the teacher's pin.go (RunPin — a single reader draining a
// github.com/bobg/multichan stream, one callback per item, height
// bookkeeping against a small control table) generalized from "run one
// callback per block" to the full per-op/per-block transactional
// procedure spec.md §4.F describes.
package reactor

import "github.com/kontor-chain/kontor/internal/block"

// EventKind discriminates the Event variants the reconciler produces
// and the reactor consumes, per spec.md §4.E/§4.F.
type EventKind int

const (
	// EventBlockInsert carries a fully decoded block to apply.
	EventBlockInsert EventKind = iota
	// EventBlockRemove names a block (by height or hash) to remove
	// together with every block above it — the reorg/rewind request.
	EventBlockRemove
	// EventMempoolInsert adds transactions to the reactor's live
	// mempool view (result/event subscribers read-through this; the
	// reactor itself does not persist mempool contents).
	EventMempoolInsert
	// EventMempoolRemove drops transactions from the mempool view.
	EventMempoolRemove
	// EventMempoolSet replaces the mempool view wholesale — used both to
	// clear it during RPC catch-up and to seed it on ZMQ switchover.
	EventMempoolSet
)

// Event is the single ordered item the reconciler produces and the
// reactor consumes, per spec.md §4.F's "Consumes a single ordered
// stream Event ∈ {BlockInsert, BlockRemove, MempoolInsert,
// MempoolRemove, MempoolSet}".
type Event struct {
	Kind EventKind

	// EventBlockInsert
	TargetHeight uint64
	Block        *block.Block

	// EventBlockRemove
	BlockID block.BlockID

	// EventMempoolInsert / EventMempoolSet
	Txs []*block.Transaction

	// EventMempoolRemove
	Txids []block.Hash
}
