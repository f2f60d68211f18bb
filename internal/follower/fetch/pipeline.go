// Package fetch implements the RPC pull pipeline of spec.md §4.C: four
// cooperating stages — producer, fetcher, processor, orderer — joined
// by bounded channels, each independently cancellable.
//
// Grounded on the teacher's watchPegs goroutine (watch.go: a polling
// loop with exponential backoff feeding a downstream consumer) spread
// across four stages, using golang.org/x/sync/errgroup and
// golang.org/x/sync/semaphore (both in the teacher's own dependency
// graph, indirectly) for the bounded-concurrency fan-out the teacher's
// single-goroutine watcher doesn't need.
package fetch

import (
	"container/heap"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/rpcclient"
)

// pipelineCapacity is the bounded channel capacity between every pair
// of stages, per spec.md §4.C ("capacity ≈ 10").
const pipelineCapacity = 10

// RPC is the subset of *rpcclient.Client the pipeline depends on,
// narrowed for testability.
type RPC interface {
	GetBlockchainInfo(ctx context.Context) (*rpcclient.BlockchainInfo, error)
	GetBlockHash(ctx context.Context, height uint64) (string, error)
	GetBlockRaw(ctx context.Context, hash string) ([]byte, error)
}

// Result is one fully ordered, fully processed block ready for the
// reconciler, paired with the chain tip the producer observed when it
// first saw this height.
type Result struct {
	TargetHeight uint64
	Height       uint64
	Block        *block.Block
}

// Config configures a Pipeline. Zero-value fields fall back to
// reasonable defaults in New.
type Config struct {
	// StartHeight is the first height the orderer will emit.
	StartHeight uint64
	// PollInterval is how often the producer re-checks the chain tip
	// once it has caught up. Default 5s.
	PollInterval time.Duration
	// FetchConcurrency bounds in-flight hash/block RPC lookups. Default 10.
	FetchConcurrency int
	// ProcessWorkers bounds per-block witness-scan parallelism. Default 4.
	ProcessWorkers int
	// Logger receives fatal stage errors. Defaults to logrus's standard logger.
	Logger logrus.FieldLogger
}

// Pipeline runs the four-stage pull pipeline described in spec.md §4.C.
type Pipeline struct {
	rpc    RPC
	cfg    Config
	logger logrus.FieldLogger

	cancel context.CancelFunc
	done   chan struct{}
	out    <-chan Result
}

// New constructs a Pipeline against rpc. Call Start to begin running it.
func New(rpc RPC, cfg Config) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 10
	}
	if cfg.ProcessWorkers <= 0 {
		cfg.ProcessWorkers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{rpc: rpc, cfg: cfg, logger: logger}
}

// Start launches the pipeline's stages and returns the channel of
// strictly height-ordered results, starting at cfg.StartHeight.
// Callers must eventually call Stop.
func (p *Pipeline) Start(ctx context.Context) <-chan Result {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	heights := make(chan heightPair, pipelineCapacity)
	fetched := make(chan fetchedBlock, pipelineCapacity)
	processed := make(chan Result, pipelineCapacity)
	out := make(chan Result, pipelineCapacity)

	p.runProducer(gctx, g, heights)
	p.runFetcher(gctx, g, heights, fetched)
	p.runProcessor(gctx, g, fetched, processed)
	p.runOrderer(gctx, g, processed, out)

	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := g.Wait(); err != nil && errors.Cause(err) != context.Canceled {
			p.logger.WithError(err).Error("fetch pipeline stage failed")
		}
	}()
	p.out = out
	return out
}

// Stop cancels every stage, awaits their shutdown, and drains any
// residual messages left buffered in the output channel.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	for range p.out {
	}
}

type heightPair struct {
	targetHeight uint64
	nextHeight   uint64
}

type fetchedBlock struct {
	targetHeight uint64
	height       uint64
	raw          []byte
}

// runProducer polls the node's chain tip and emits every height from
// the pipeline's start height up to the tip, re-polling only once it
// catches up.
func (p *Pipeline) runProducer(ctx context.Context, g *errgroup.Group, out chan<- heightPair) {
	g.Go(func() error {
		defer close(out)
		next := p.cfg.StartHeight
		for {
			info, err := p.rpc.GetBlockchainInfo(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, "polling chain tip")
			}
			tip := info.Blocks
			for next <= tip {
				select {
				case out <- heightPair{targetHeight: tip, nextHeight: next}:
				case <-ctx.Done():
					return ctx.Err()
				}
				next++
			}
			select {
			case <-time.After(p.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// runFetcher performs bounded-concurrency hash-by-height then
// block-by-hash lookups, retrying transport errors with backoff until
// they succeed or the context is cancelled.
func (p *Pipeline) runFetcher(ctx context.Context, g *errgroup.Group, in <-chan heightPair, out chan<- fetchedBlock) {
	sem := semaphore.NewWeighted(int64(p.cfg.FetchConcurrency))
	g.Go(func() error {
		var inflight errgroup.Group
		defer func() {
			inflight.Wait()
			close(out)
		}()
		for {
			select {
			case hp, ok := <-in:
				if !ok {
					return nil
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					return ctx.Err()
				}
				hp := hp
				inflight.Go(func() error {
					defer sem.Release(1)
					raw, err := p.fetchOne(ctx, hp.nextHeight)
					if err != nil {
						return nil // context cancelled; shutting down
					}
					select {
					case out <- fetchedBlock{targetHeight: hp.targetHeight, height: hp.nextHeight, raw: raw}:
					case <-ctx.Done():
					}
					return nil
				})
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// fetchOne retries getblockhash+getblock until both succeed or ctx is
// done; transport errors never give up on their own, per spec.md §4.C.
func (p *Pipeline) fetchOne(ctx context.Context, height uint64) ([]byte, error) {
	backoff := Backoff{Base: 200 * time.Millisecond, Cap: 60 * time.Second}
	for {
		hash, err := p.rpc.GetBlockHash(ctx, height)
		if err == nil {
			var raw []byte
			raw, err = p.rpc.GetBlockRaw(ctx, hash)
			if err == nil {
				return raw, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.WithError(err).WithField("height", height).Warn("fetch retrying after transport error")
		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runProcessor applies the block package's txid-filter (parallelized
// across the block's tx set) to each fetched block.
func (p *Pipeline) runProcessor(ctx context.Context, g *errgroup.Group, in <-chan fetchedBlock, out chan<- Result) {
	g.Go(func() error {
		defer close(out)
		for {
			select {
			case fb, ok := <-in:
				if !ok {
					return nil
				}
				blk, err := block.DecodeBlockParallel(fb.height, fb.raw, p.cfg.ProcessWorkers)
				if err != nil {
					return errors.Wrapf(err, "decoding block at height %d", fb.height)
				}
				select {
				case out <- Result{TargetHeight: fb.targetHeight, Height: fb.height, Block: blk}:
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// runOrderer re-sequences out-of-order processed blocks using a
// min-heap keyed on height, emitting strictly monotonic results
// starting at the pipeline's configured start height.
func (p *Pipeline) runOrderer(ctx context.Context, g *errgroup.Group, in <-chan Result, out chan<- Result) {
	g.Go(func() error {
		defer close(out)
		h := &resultHeap{}
		next := p.cfg.StartHeight
		drain := func() error {
			for h.Len() > 0 && (*h)[0].Height == next {
				r := heap.Pop(h).(Result)
				select {
				case out <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
				next++
			}
			return nil
		}
		for {
			if err := drain(); err != nil {
				return err
			}
			select {
			case r, ok := <-in:
				if !ok {
					return drain()
				}
				heap.Push(h, r)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

type resultHeap []Result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Height < h[j].Height }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
