// Package reconciler implements spec.md §4.E: it merges the RPC pull
// pipeline and the live push stream into one canonical, strictly
// increasing block stream, handling catch-up, live switchover, and
// controlled rewinds.
//
// Grounded on _examples/original_source/core/indexer/src/bitcoin_follower/reconciler.rs
// (Mode/State/Reconciler, handle_zmq_event/handle_rpc_event/start/
// run_event_loop) ported from a tokio select! loop plus
// IndexMap<Txid, Tx> to a plain Go struct driving a single goroutine
// over channel selects, mirroring the teacher's own preference for
// hand-written state machines over generic ones (watch.go's
// watchPegs/watchExports) rather than reproducing Rust's generic
// Reconciler<T, I, F>.
package reconciler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/follower/fetch"
	"github.com/kontor-chain/kontor/internal/follower/pushstream"
	"github.com/kontor-chain/kontor/internal/reactor"
)

// Mode names which source the reconciler currently trusts for new
// blocks, per spec.md §4.E.
type Mode int

const (
	// ModeRPC is the default/catch-up mode: blocks come from the pull pipeline.
	ModeRPC Mode = iota
	// ModeZMQ is the live mode: blocks and mempool changes come from the push stream.
	ModeZMQ
)

// FetcherFactory builds a fresh fetch.Pipeline starting at startHeight.
// A Pipeline is single-use (Start/Stop), so the reconciler asks for a
// new one each time it (re)enters RPC mode rather than trying to
// restart one in place.
type FetcherFactory func(startHeight uint64) *fetch.Pipeline

// startRequest is sent on Reconciler's control channel by RequestStart,
// mirroring reconciler.rs's StartMessage — the reactor's rewind
// requests and the initial seek both go through this path.
type startRequest struct {
	height   uint64
	lastHash *block.Hash
}

// blockchainInfo is the minimal shape the reconciler needs from
// getblockchaininfo, independent of fetch.RPC's interface so this
// package doesn't have to import rpcclient directly.
type blockchainInfo interface {
	GetBlockchainInfo(ctx context.Context) (uint64, error)
	GetBlockHash(ctx context.Context, height uint64) (string, error)
}

// Reconciler is the single-goroutine state machine described in
// spec.md §4.E. One Reconciler owns its mempool cache exclusively, per
// spec.md §5.
type Reconciler struct {
	info       blockchainInfo
	newFetcher FetcherFactory
	logger     logrus.FieldLogger

	out *eventSink

	startCh chan startRequest

	mode         Mode
	mempool      *mempoolCache
	latestHeight uint64
	haveLatest   bool
	targetHeight uint64
	zmqConnected bool

	pipeline    *fetch.Pipeline
	pipelineOut <-chan fetch.Result
}

// eventSink abstracts the reactor-facing output so tests can capture
// events without a real multichan.W.
type eventSink struct {
	write func(reactor.Event)
}

// New constructs a Reconciler. info resolves chain tips and canonical
// hashes; newFetcher builds a fresh RPC pull pipeline whenever the
// reconciler (re)enters RPC mode; emit receives every produced event in
// order (typically (*multichan.W).Write, boxed).
func New(info blockchainInfo, newFetcher FetcherFactory, emit func(reactor.Event), logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		info:       info,
		newFetcher: newFetcher,
		logger:     logger,
		out:        &eventSink{write: emit},
		startCh:    make(chan startRequest, 1),
		mempool:    newMempoolCache(),
	}
}

// RequestStart asks the reconciler to (re)seek to height, optionally
// verifying the canonical hash at height-1 first — the entry point
// both the initial startup and the reactor's rewind requests use.
func (r *Reconciler) RequestStart(ctx context.Context, height uint64, lastHash *block.Hash) {
	select {
	case r.startCh <- startRequest{height: height, lastHash: lastHash}:
	case <-ctx.Done():
	}
}

// Run drives the reconciler's event loop until ctx is cancelled or a
// fatal error occurs, consuming zmqEvents (the push-stream subscriber's
// output) and whatever RPC pipeline is currently active.
func (r *Reconciler) Run(ctx context.Context, zmqEvents <-chan pushstream.Event) {
	defer r.stopFetcher()

	zmqCh := zmqEvents
	for {
		var rpcCh <-chan fetch.Result
		if r.pipelineOut != nil {
			rpcCh = r.pipelineOut
		}

		select {
		case <-ctx.Done():
			return
		case sr := <-r.startCh:
			if !r.handleStart(ctx, sr) {
				return
			}
		case zev, ok := <-zmqCh:
			if !ok {
				zmqCh = nil
				continue
			}
			if !r.handleZMQEvent(ctx, zev) {
				return
			}
		case res, ok := <-rpcCh:
			if !ok {
				r.pipelineOut = nil
				continue
			}
			if !r.handleRPCEvent(ctx, res) {
				return
			}
		}
	}
}

// handleStart implements reconciler.rs's start(), returning false on a
// fatal error (the caller should stop the loop).
func (r *Reconciler) handleStart(ctx context.Context, sr startRequest) bool {
	r.stopFetcher()

	if sr.lastHash != nil {
		if sr.height < 1 {
			r.logger.Error("seek requested below genesis with a last hash to verify")
			return false
		}
		hashStr, err := r.info.GetBlockHash(ctx, sr.height-1)
		if err != nil {
			r.logger.WithError(errors.Wrap(err, "resolving canonical hash for seek")).Error("seek failed")
			return false
		}
		canonical, err := block.HashFromHex(hashStr)
		if err != nil {
			r.logger.WithError(err).Error("parsing canonical hash for seek")
			return false
		}
		if canonical != *sr.lastHash {
			if sr.height < 2 {
				r.logger.Error("seek hash mismatch requests a rewind below genesis")
				return false
			}
			r.logger.WithField("height", sr.height).Warn("seek hash mismatch: requesting a deeper rewind")
			r.emit(reactor.Event{Kind: reactor.EventBlockRemove, BlockID: block.HeightID(sr.height - 2)})
			return true
		}
	}

	tip, err := r.info.GetBlockchainInfo(ctx)
	if err != nil {
		r.logger.WithError(errors.Wrap(err, "reading blockchain tip on seek")).Error("seek failed")
		return false
	}

	r.mode = ModeRPC
	r.latestHeight = sr.height - 1
	r.haveLatest = true
	r.targetHeight = tip
	r.startFetcher(ctx, sr.height)
	return true
}

// handleZMQEvent implements reconciler.rs's handle_zmq_event, including
// its tail rule: events produced while mode==RPC are filtered out
// entirely except those that originate from RPC — so every branch here
// that emits does so only under mode==ZMQ (Connected/Disconnected
// mutate state but never emit directly).
func (r *Reconciler) handleZMQEvent(ctx context.Context, ev pushstream.Event) bool {
	switch ev.Kind {
	case pushstream.KindConnected:
		r.zmqConnected = true
		if r.mode == ModeRPC && r.caughtUp() {
			r.switchToZMQ()
		}
	case pushstream.KindDisconnected:
		r.zmqConnected = false
		if r.mode == ModeZMQ {
			if !r.haveLatest {
				r.logger.Error("zmq disconnected with no start height recorded")
				return false
			}
			r.mode = ModeRPC
			r.startFetcher(ctx, r.latestHeight+1)
		}
	case pushstream.KindMempoolTransactionAdded:
		if r.mempool.insert(ev.Tx) && r.mode == ModeZMQ {
			r.emit(reactor.Event{Kind: reactor.EventMempoolInsert, Txs: []*block.Transaction{ev.Tx}})
		}
	case pushstream.KindMempoolTransactionRemoved:
		if r.mempool.remove(ev.Txid) && r.mode == ModeZMQ {
			r.emit(reactor.Event{Kind: reactor.EventMempoolRemove, Txids: []block.Hash{ev.Txid}})
		}
	case pushstream.KindBlockDisconnected:
		if r.mode == ModeZMQ {
			r.emit(reactor.Event{Kind: reactor.EventBlockRemove, BlockID: block.HashID(ev.Hash)})
		}
	case pushstream.KindBlockConnected:
		if r.mode != ModeZMQ {
			break
		}
		if !r.haveLatest {
			r.logger.Error("zmq block-connected with no start height recorded")
			return false
		}
		if ev.Block.Height != r.latestHeight+1 {
			r.logger.WithField("height", ev.Block.Height).WithField("expected", r.latestHeight+1).
				Warn("zmq block-connected at unexpected height, ignoring (reactor will request rewind on mismatch)")
			break
		}
		r.latestHeight = ev.Block.Height
		removed := r.mempool.removeAll(txids(ev.Block))
		if len(removed) > 0 {
			r.emit(reactor.Event{Kind: reactor.EventMempoolRemove, Txids: removed})
		}
		r.emit(reactor.Event{Kind: reactor.EventBlockInsert, TargetHeight: ev.Block.Height, Block: ev.Block})
	}
	return true
}

// handleRPCEvent implements reconciler.rs's handle_rpc_event: the
// mempool-remove half of handle_block is always overwritten by an
// empty MempoolSet, since the mempool cache isn't actively tracked
// while catching up via RPC.
func (r *Reconciler) handleRPCEvent(ctx context.Context, res fetch.Result) bool {
	r.latestHeight = res.Height
	r.haveLatest = true
	if res.TargetHeight > r.targetHeight {
		r.targetHeight = res.TargetHeight
	}

	r.mempool.removeAll(txids(res.Block))
	r.emit(reactor.Event{Kind: reactor.EventMempoolSet})
	r.emit(reactor.Event{Kind: reactor.EventBlockInsert, TargetHeight: r.targetHeight, Block: res.Block})

	if r.zmqConnected && r.targetHeight == res.Height {
		tip, err := r.info.GetBlockchainInfo(ctx)
		if err != nil {
			r.logger.WithError(errors.Wrap(err, "reading blockchain tip to check rpc catch-up")).Error("catch-up check failed")
			return false
		}
		if tip == res.Height {
			r.logger.WithField("height", res.Height).Info("rpc fetcher caught up, switching to zmq")
			r.switchToZMQ()
		}
	}
	return true
}

// caughtUp reports whether the RPC side has nothing left to catch up
// on, per reconciler.rs's handle_zmq_event Connected arm.
func (r *Reconciler) caughtUp() bool {
	return r.haveLatest && r.targetHeight == r.latestHeight
}

func (r *Reconciler) switchToZMQ() {
	r.mode = ModeZMQ
	r.stopFetcher()
	r.emit(reactor.Event{Kind: reactor.EventMempoolSet, Txs: r.mempool.values()})
}

func (r *Reconciler) startFetcher(ctx context.Context, startHeight uint64) {
	r.pipeline = r.newFetcher(startHeight)
	r.pipelineOut = r.pipeline.Start(ctx)
}

func (r *Reconciler) stopFetcher() {
	if r.pipeline == nil {
		return
	}
	r.pipeline.Stop()
	r.pipeline = nil
	r.pipelineOut = nil
}

func (r *Reconciler) emit(ev reactor.Event) {
	r.out.write(ev)
}

// txids lists a block's transaction ids in order, or nil for a nil block.
func txids(b *block.Block) []block.Hash {
	if b == nil {
		return nil
	}
	out := make([]block.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		out[i] = tx.Txid
	}
	return out
}
