package reactor

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/bobg/multichan"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/filestore"
	"github.com/kontor-chain/kontor/internal/store"
	"github.com/kontor-chain/kontor/internal/subscribe"
)

// ContractRuntime is the subset of *runtime.Runtime the reactor drives
// per op, per spec.md §4.F step 3. Narrowed to an interface so tests
// can substitute a fake instead of a real WASM engine.
type ContractRuntime interface {
	PublishAndInit(ctx context.Context, name string, height uint64, txIndex uint32, componentBytes []byte, signer string, gasLimit uint64) (contractID int64, gasUsed uint64, err error)
	CallProc(ctx context.Context, contractID int64, height uint64, txIndex uint32, signer string, expr string, gasLimit uint64) (result string, gasUsed uint64, err error)
	ResolveAddress(ctx context.Context, addr string) (int64, error)
}

// RewindRequester is the reconciler method the reactor calls to ask
// for a re-seek after detecting a reorg or an explicit BlockRemove,
// per spec.md §4.E's RequestStart.
type RewindRequester interface {
	RequestStart(ctx context.Context, height uint64, lastHash *block.Hash)
}

// ChainHashSource resolves the base chain's own canonical hash at a
// height, used to walk back to the last common ancestor on a prev_hash
// mismatch (spec.md §4.F).
type ChainHashSource interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
}

// AgreementSource supplies the active storage agreements eligible for
// challenge generation at height (spec.md §4.F step 4). May be nil if
// the file-storage module isn't wired up, in which case challenge
// generation is skipped entirely.
type AgreementSource func(ctx context.Context, height uint64) ([]filestore.Agreement, error)

// Reactor is the deterministic consumer from spec.md §4.F: it drains a
// single ordered Event stream, drives ContractRuntime per op, and
// commits or rolls back the State Store one block at a time.
//
// Grounded on the teacher's pin.go (RunPin — a single reader draining
// a github.com/bobg/multichan stream, one callback per item, height
// bookkeeping against a small control table) generalized from "run one
// callback per block" to the full per-op/per-block transactional
// procedure spec.md §4.F describes.
type Reactor struct {
	store      *store.Store
	runtime    ContractRuntime
	ledger     *filestore.Ledger
	results    *subscribe.ResultBus
	reconciler RewindRequester
	chainInfo  ChainHashSource
	agreements AgreementSource
	logger     logrus.FieldLogger
	cancel     context.CancelFunc

	mu      sync.RWMutex
	mempool map[block.Hash]*block.Transaction
}

// New constructs a Reactor. agreements may be nil to disable per-block
// challenge generation; cancel is invoked on any fatal condition
// (spec.md §4.F/§7's "cancels its token, drains, and exits"). Contract
// event fan-out is wired separately, by installing a
// runtime.Runtime.SetEventSink callback onto rt that calls into a
// subscribe.EventBus directly — the reactor never sees event payloads,
// since they're produced mid-dispatch inside the runtime, not by it.
func New(st *store.Store, rt ContractRuntime, ledger *filestore.Ledger, results *subscribe.ResultBus, reconciler RewindRequester, chainInfo ChainHashSource, agreements AgreementSource, cancel context.CancelFunc, logger logrus.FieldLogger) *Reactor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reactor{
		store:      st,
		runtime:    rt,
		ledger:     ledger,
		results:    results,
		reconciler: reconciler,
		chainInfo:  chainInfo,
		agreements: agreements,
		cancel:     cancel,
		logger:     logger,
		mempool:    make(map[block.Hash]*block.Transaction),
	}
}

// Mempool returns a snapshot of the reactor's live mempool view, read
// through by subscribers — spec.md §4.F's events "do not persist
// mempool contents", so this is process memory only.
func (rc *Reactor) Mempool() []*block.Transaction {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]*block.Transaction, 0, len(rc.mempool))
	for _, tx := range rc.mempool {
		out = append(out, tx)
	}
	return out
}

// Run drains reader until ctx is cancelled or a fatal condition is
// hit, at which point it invokes cancel (if set) and returns.
func (rc *Reactor) Run(ctx context.Context, reader *multichan.R) {
	for {
		v, ok := reader.Read(ctx)
		if !ok {
			return
		}
		ev, ok := v.(Event)
		if !ok {
			continue
		}
		if !rc.handle(ctx, ev) {
			if rc.cancel != nil {
				rc.cancel()
			}
			return
		}
	}
}

// handle dispatches one Event, returning false on a fatal condition.
func (rc *Reactor) handle(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventBlockInsert:
		return rc.handleBlockInsert(ctx, ev.Block)
	case EventBlockRemove:
		return rc.handleBlockRemove(ctx, ev.BlockID)
	case EventMempoolInsert:
		rc.mu.Lock()
		for _, tx := range ev.Txs {
			rc.mempool[tx.Txid] = tx
		}
		rc.mu.Unlock()
	case EventMempoolRemove:
		rc.mu.Lock()
		for _, txid := range ev.Txids {
			delete(rc.mempool, txid)
		}
		rc.mu.Unlock()
	case EventMempoolSet:
		rc.mu.Lock()
		rc.mempool = make(map[block.Hash]*block.Transaction, len(ev.Txs))
		for _, tx := range ev.Txs {
			rc.mempool[tx.Txid] = tx
		}
		rc.mu.Unlock()
	}
	return true
}

// handleBlockInsert enforces spec.md §4.F's ordering invariant
// (height == last_persisted_height + 1) and the prev_hash reorg check
// before handing the block to applyBlock.
func (rc *Reactor) handleBlockInsert(ctx context.Context, blk *block.Block) bool {
	last, haveLast, err := rc.store.LatestHeight(ctx)
	if err != nil {
		rc.logger.WithError(err).Error("reading latest height")
		return false
	}

	next := uint64(1)
	if haveLast {
		next = last + 1
	}
	if blk.Height != next {
		rc.logger.WithFields(logrus.Fields{"got": blk.Height, "want": next}).Error("block order exception")
		return false
	}

	if haveLast {
		storedHash, found, err := rc.store.BlockHash(ctx, last)
		if err != nil {
			rc.logger.WithError(err).Error("reading previous block hash")
			return false
		}
		if found {
			var prevHash block.Hash
			copy(prevHash[:], storedHash)
			if blk.PrevHash != prevHash {
				return rc.handleReorg(ctx, last)
			}
		}
	}

	return rc.applyBlock(ctx, blk)
}

// handleReorg walks back from height to find the last (height, hash)
// pair that still matches the base chain's own canonical hash, then
// asks the reconciler to restart just past it — spec.md §4.F's "walk
// back through the base chain to find the last matching (height,
// hash) pair, request a start at that height + 1, and drop the
// current block."
func (rc *Reactor) handleReorg(ctx context.Context, fromHeight uint64) bool {
	height := fromHeight
	for height > 0 {
		storedHash, found, err := rc.store.BlockHash(ctx, height)
		if err != nil {
			rc.logger.WithError(err).Error("reading block hash during reorg walk-back")
			return false
		}
		if !found {
			height--
			continue
		}
		canonicalHex, err := rc.chainInfo.GetBlockHash(ctx, height)
		if err != nil {
			rc.logger.WithError(err).Error("resolving canonical hash during reorg walk-back")
			return false
		}
		canonical, err := block.HashFromHex(canonicalHex)
		if err != nil {
			rc.logger.WithError(err).Error("parsing canonical hash during reorg walk-back")
			return false
		}
		var stored block.Hash
		copy(stored[:], storedHash)
		if canonical == stored {
			break
		}
		height--
	}

	rc.logger.WithField("height", height).Warn("reorg detected: requesting restart past last matching block")

	var lastHash *block.Hash
	if height > 0 {
		storedHash, found, err := rc.store.BlockHash(ctx, height)
		if err != nil {
			rc.logger.WithError(err).Error("reading matching block hash")
			return false
		}
		if found {
			var h block.Hash
			copy(h[:], storedHash)
			lastHash = &h
		}
	}
	rc.reconciler.RequestStart(ctx, height+1, lastHash)
	return true
}

// handleBlockRemove resolves id to a height, rolls the store back to
// the block just below it (so the named block is removed too), and
// asks the reconciler to restart just past the surviving tip.
func (rc *Reactor) handleBlockRemove(ctx context.Context, id block.BlockID) bool {
	height := id.Height
	if id.ByHash {
		h, ok, err := rc.store.HeightForHash(ctx, id.Hash[:])
		if err != nil {
			rc.logger.WithError(err).Error("resolving height for BlockRemove hash")
			return false
		}
		if !ok {
			rc.logger.WithField("hash", id.Hash).Warn("BlockRemove names an unknown hash; ignoring")
			return true
		}
		height = h
	}
	if height > 0 {
		height--
	}

	if err := rc.store.Savepoint(ctx); err != nil {
		rc.logger.WithError(err).Error("opening rollback savepoint")
		return false
	}
	if err := rc.store.RollbackToHeight(ctx, height); err != nil {
		rc.logger.WithError(err).Error("rolling back to height")
		rc.store.RollbackAll(ctx)
		return false
	}
	if err := rc.store.Commit(ctx); err != nil {
		rc.logger.WithError(err).Error("committing rollback")
		return false
	}

	if rc.ledger != nil {
		if err := rc.ledger.Rebuild(ctx); err != nil {
			rc.logger.WithError(err).Error("rebuilding file ledger after rollback")
			return false
		}
	}

	var lastHash *block.Hash
	if height > 0 {
		storedHash, found, err := rc.store.BlockHash(ctx, height)
		if err != nil {
			rc.logger.WithError(err).Error("reading surviving block hash after rollback")
			return false
		}
		if found {
			var h block.Hash
			copy(h[:], storedHash)
			lastHash = &h
		}
	}
	rc.reconciler.RequestStart(ctx, height+1, lastHash)
	return true
}

// applyBlock runs the full per-block procedure of spec.md §4.F: open a
// savepoint, insert the block row, dispatch every op in order, generate
// and expire storage challenges, and commit — or roll back the entire
// block on any storage-level failure.
func (rc *Reactor) applyBlock(ctx context.Context, blk *block.Block) bool {
	if err := rc.store.Savepoint(ctx); err != nil {
		rc.logger.WithError(err).Error("opening block savepoint")
		return false
	}

	if err := rc.store.InsertBlock(ctx, blk.Height, blk.Hash[:]); err != nil {
		rc.logger.WithError(err).Error("inserting block")
		rc.store.RollbackAll(ctx)
		return false
	}

	for _, tx := range blk.Transactions {
		for _, op := range tx.Ops {
			if !rc.applyOp(ctx, blk, tx, op) {
				rc.store.RollbackAll(ctx)
				return false
			}
		}
	}

	if rc.agreements != nil {
		agreements, err := rc.agreements(ctx, blk.Height)
		if err != nil {
			rc.logger.WithError(err).Error("loading agreements for challenge generation")
			rc.store.RollbackAll(ctx)
			return false
		}
		if _, err := filestore.GenerateChallenges(ctx, rc.store, [32]byte(blk.Hash), blk.Height, agreements); err != nil {
			rc.logger.WithError(err).Error("generating challenges")
			rc.store.RollbackAll(ctx)
			return false
		}
	}
	if _, err := filestore.ExpireChallenges(ctx, rc.store, blk.Height); err != nil {
		rc.logger.WithError(err).Error("expiring challenges")
		rc.store.RollbackAll(ctx)
		return false
	}

	if err := rc.store.Commit(ctx); err != nil {
		rc.logger.WithError(err).Error("committing block")
		return false
	}
	return true
}

// applyOp dispatches a single op to the runtime, persists its result
// row within its own nested savepoint (committed regardless of the
// op's own outcome — per spec.md §4.F step 3.d, only a storage-level
// failure here is fatal), and fans the outcome out to subscribers.
func (rc *Reactor) applyOp(ctx context.Context, blk *block.Block, tx block.Transaction, op block.Op) bool {
	if err := rc.store.Savepoint(ctx); err != nil {
		rc.logger.WithError(err).Error("opening op savepoint")
		return false
	}

	value, contractID, funcName, gasUsed, opErr := rc.dispatchOp(ctx, blk.Height, tx, op)

	var contractIDPtr *int64
	if contractID != 0 {
		contractIDPtr = &contractID
	}
	var persistedValue []byte
	if opErr == nil {
		persistedValue = value
	}
	if err := rc.store.InsertResult(ctx, blk.Height, uint32(tx.TxIndex), tx.Txid[:], op.InputIndex, op.OpIndex, 0, contractIDPtr, funcName, gasUsed, persistedValue); err != nil {
		rc.logger.WithError(err).Error("persisting op result")
		return false
	}
	if err := rc.store.Commit(ctx); err != nil {
		rc.logger.WithError(err).Error("committing op savepoint")
		return false
	}

	if opErr != nil {
		rc.logger.WithFields(logrus.Fields{"txid": tx.Txid, "input": op.InputIndex, "op": op.OpIndex}).WithError(opErr).Warn("op execution failed")
	}

	key := subscribe.OpResultKey{Txid: [32]byte(tx.Txid), InputIndex: op.InputIndex, OpIndex: op.OpIndex}
	rc.results.Dispatch(key, contractID, funcName, subscribe.ResultEvent{ContractID: contractID, Func: funcName, GasUsed: gasUsed, Value: persistedValue})
	return true
}

// dispatchOp runs one op against the runtime. Only Publish and Call
// ops invoke the runtime; Attach/Detach are treated opaquely, per
// spec.md §3. The returned error, if any, is a runtime-level failure
// (fuel exhaustion, validation, an unresolved contract address) —
// captured by the caller as a failed result row, never fatal.
func (rc *Reactor) dispatchOp(ctx context.Context, height uint64, tx block.Transaction, op block.Op) (value []byte, contractID int64, funcName string, gasUsed uint64, err error) {
	signer := tx.Txid.String()

	switch op.Kind {
	case block.OpPublish:
		id, used, err := rc.runtime.PublishAndInit(ctx, op.PublishName, height, uint32(tx.TxIndex), op.PublishBytes, signer, 0)
		if err != nil {
			return nil, 0, "init", used, errors.Wrap(err, "publish")
		}
		return []byte(strconv.FormatInt(id, 10)), id, "init", used, nil

	case block.OpCall:
		id, err := rc.runtime.ResolveAddress(ctx, op.CallContract)
		if err != nil {
			return nil, 0, callFuncName(op.CallExpr), 0, errors.Wrap(err, "resolving call target")
		}
		result, used, err := rc.runtime.CallProc(ctx, id, height, uint32(tx.TxIndex), signer, op.CallExpr, op.CallGasLimit)
		if err != nil {
			return nil, id, callFuncName(op.CallExpr), used, errors.Wrap(err, "call")
		}
		return []byte(result), id, callFuncName(op.CallExpr), used, nil

	case block.OpAttach, block.OpDetach:
		return []byte(op.BindPath), 0, "", 0, nil

	default:
		return nil, 0, "", 0, errors.Errorf("unknown op kind %d", op.Kind)
	}
}

// callFuncName extracts the leading function name from a call
// expression for the op_result row's func column, without the full
// argument-parsing runtime.parseCallExpr does.
func callFuncName(expr string) string {
	if i := strings.IndexByte(expr, '('); i >= 0 {
		return strings.TrimSpace(expr[:i])
	}
	return expr
}
