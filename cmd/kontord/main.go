// Command kontord is the daemon entrypoint: it parses the CLI surface
// spec.md §6 names, wires the follower, reconciler, reactor, contract
// runtime, and state store together, and runs until a signal or a
// fatal error shuts it down.
//
// Grounded on the teacher's cmd/slidechaind/slidechaind.go (flag.String
// CLI parsing, no framework; open the store, build the long-running
// component, serve until interrupted).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/chainparams"
	"github.com/kontor-chain/kontor/internal/filestore"
	"github.com/kontor-chain/kontor/internal/follower/fetch"
	"github.com/kontor-chain/kontor/internal/follower/pushstream"
	"github.com/kontor-chain/kontor/internal/reactor"
	"github.com/kontor-chain/kontor/internal/reconciler"
	"github.com/kontor-chain/kontor/internal/rpcclient"
	"github.com/kontor-chain/kontor/internal/runtime"
	"github.com/kontor-chain/kontor/internal/runtime/selftest"
	"github.com/kontor-chain/kontor/internal/store"
	"github.com/kontor-chain/kontor/internal/subscribe"

	"github.com/bobg/multichan"
)

// chainInfoAdapter narrows *rpcclient.Client's getblockchaininfo
// response down to the bare tip height the reconciler's internal
// blockchainInfo interface needs.
type chainInfoAdapter struct {
	client *rpcclient.Client
}

func (a chainInfoAdapter) GetBlockchainInfo(ctx context.Context) (uint64, error) {
	info, err := a.client.GetBlockchainInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.Blocks, nil
}

func (a chainInfoAdapter) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	return a.client.GetBlockHash(ctx, height)
}

func main() {
	var (
		dataDir      = flag.String("data-dir", "kontor-data", "directory holding the state store database")
		network      = flag.String("network", "mainnet", "base-chain network: mainnet, testnet, regtest")
		useRegtest   = flag.Bool("use-local-regtest", false, "force regtest params regardless of --network")
		startHeight  = flag.Uint64("starting-block-height", 0, "when the store is empty, indexing begins at the block after this height")
		rpcURL       = flag.String("rpc-url", "http://127.0.0.1:8332", "base-chain node JSON-RPC endpoint")
		rpcUser      = flag.String("rpc-user", "", "base-chain node RPC username")
		rpcPass      = flag.String("rpc-pass", "", "base-chain node RPC password")
		zmqAddr      = flag.String("zmq-addr", "tcp://127.0.0.1:28332", "base-chain node ZMQ publisher endpoint")
		skipSelftest = flag.Bool("skip-selftest", false, "skip the startup self-test battery")
		logLevel     = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Parse()

	logger := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	params := chainparams.ForNetwork(*network, *useRegtest)
	params.StartBlock = *startHeight

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %s", err)
	}

	if !*skipSelftest {
		report := selftest.Run(context.Background(), logger, os.TempDir())
		if !report.OK() {
			logger.Warn("self-test battery reported failures; proceeding anyway (advisory only)")
		}
	}

	st, err := store.Open(filepath.Join(*dataDir, "kontor.db"))
	if err != nil {
		log.Fatalf("opening state store: %s", err)
	}
	defer st.Close()

	rt, err := runtime.New(st)
	if err != nil {
		log.Fatalf("constructing contract runtime: %s", err)
	}

	eventBus := subscribe.NewEventBus()
	rt.SetEventSink(func(contractID int64, signature string, data map[string]interface{}) {
		addr, err := st.ContractAddress(context.Background(), contractID)
		if err != nil {
			logger.WithError(err).WithField("contract_id", contractID).Warn("resolving address for emitted event")
			return
		}
		topicData := make(map[string]interface{}, len(data))
		for k, v := range data {
			topicData[k] = v
		}
		eventBus.Dispatch(subscribe.Event{
			ContractAddress: addr,
			Signature:       signature,
			// No topic-key declaration reaches the host ABI at
			// host_emit_event's layer (spec.md §4.G names
			// topic_keys as part of the event but the runtime
			// doesn't carry per-signature topic schemas) — every
			// emitted event is dispatched with zero topic
			// dimensions, so only (address, signature)-level
			// subscriptions receive them; subscriptions registered
			// under a non-empty topic path receive none.
			TopicKeys: nil,
			Data:      topicData,
		})
	})

	resultBus := subscribe.NewResultBus(func(ctx context.Context, key subscribe.OpResultKey) (subscribe.ResultEvent, bool, error) {
		contractID, funcName, gasUsed, value, found, err := st.ResultByKey(ctx, key.Txid[:], key.InputIndex, key.OpIndex)
		if err != nil || !found {
			return subscribe.ResultEvent{}, false, err
		}
		return subscribe.ResultEvent{ContractID: contractID, Func: funcName, GasUsed: gasUsed, Value: value}, true, nil
	})

	ledger := filestore.NewLedger(st)
	if err := ledger.Rebuild(context.Background()); err != nil {
		log.Fatalf("rebuilding file ledger: %s", err)
	}

	rpcClient := rpcclient.New(*rpcURL, *rpcUser, *rpcPass)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := multichan.New(reactor.Event{})
	defer events.Close()

	rc := reconciler.New(chainInfoAdapter{rpcClient}, func(startHeight uint64) *fetch.Pipeline {
		return fetch.New(rpcClient, fetch.Config{StartHeight: startHeight, Logger: logger})
	}, func(ev reactor.Event) {
		events.Write(ev)
	}, logger)

	re := reactor.New(st, rt, ledger, resultBus, rc, rpcClient, nil, cancel, logger)

	zmqSub := pushstream.New(*zmqAddr, rpcClient, logger)
	zmqEvents, err := zmqSub.Run(ctx)
	if err != nil {
		logger.WithError(err).Warn("starting push-stream subscriber; continuing in RPC-only mode")
		zmqEvents = make(chan pushstream.Event)
	}

	// Resume just past the last persisted block when the store already
	// holds one; otherwise begin after --starting-block-height.
	startAt := params.StartBlock + 1
	var lastHash *block.Hash
	if latest, ok, err := st.LatestHeight(ctx); err != nil {
		log.Fatalf("reading latest indexed height: %s", err)
	} else if ok {
		startAt = latest + 1
		raw, found, err := st.BlockHash(ctx, latest)
		if err != nil {
			log.Fatalf("reading latest indexed block hash: %s", err)
		}
		if found {
			var h block.Hash
			copy(h[:], raw)
			lastHash = &h
		}
	}
	rc.RequestStart(ctx, startAt, lastHash)

	go rc.Run(ctx, zmqEvents)
	go re.Run(ctx, events.Reader())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	clean := false
	select {
	case s := <-sig:
		logger.WithField("signal", s).Info("received shutdown signal")
		clean = true
		cancel()
	case <-ctx.Done():
		logger.Warn("shutting down after a fatal condition")
	}

	// Give in-flight work a brief window to observe cancellation and
	// drain before the process exits, matching spec.md §5's "complete
	// the in-flight op, drain input channels, and exit" semantics.
	time.Sleep(200 * time.Millisecond)

	if !clean {
		fmt.Fprintln(os.Stderr, "kontord: fatal condition during run")
		os.Exit(1)
	}
}
