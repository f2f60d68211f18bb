package reactor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/store"
	"github.com/kontor-chain/kontor/internal/subscribe"
)

var errDeliberate = errors.New("deliberate call failure")

// fakeRuntime is a minimal ContractRuntime stand-in: init always
// succeeds and assigns sequential contract ids; calls succeed unless
// the expression is "fail", which lets tests exercise the op-failure
// path without tripping the fuel metering machinery.
type fakeRuntime struct {
	nextID int64
}

func (f *fakeRuntime) PublishAndInit(ctx context.Context, name string, height uint64, txIndex uint32, componentBytes []byte, signer string, gasLimit uint64) (int64, uint64, error) {
	f.nextID++
	return f.nextID, 10, nil
}

func (f *fakeRuntime) CallProc(ctx context.Context, contractID int64, height uint64, txIndex uint32, signer string, expr string, gasLimit uint64) (string, uint64, error) {
	if expr == "fail()" {
		return "", 5, errDeliberate
	}
	return "ok", 5, nil
}

func (f *fakeRuntime) ResolveAddress(ctx context.Context, addr string) (int64, error) {
	return 1, nil
}

// fakeChainInfo supplies a fixed height->hash map for reorg walk-back.
type fakeChainInfo struct {
	canonical map[uint64]block.Hash
}

func (f *fakeChainInfo) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	// Rendered in the node's display byte order, the form
	// block.HashFromHex parses.
	h := f.canonical[height]
	return chainhash.Hash(h).String(), nil
}

// fakeReconciler records RequestStart calls.
type fakeReconciler struct {
	calls []struct {
		height   uint64
		lastHash *block.Hash
	}
}

func (f *fakeReconciler) RequestStart(ctx context.Context, height uint64, lastHash *block.Hash) {
	f.calls = append(f.calls, struct {
		height   uint64
		lastHash *block.Hash
	}{height, lastHash})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kontor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hashOf(b byte) block.Hash {
	var h block.Hash
	h[0] = b
	return h
}

func newTestReactor(t *testing.T, rt ContractRuntime, chainInfo ChainHashSource, rec RewindRequester) (*Reactor, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	resultBus := subscribe.NewResultBus(func(ctx context.Context, key subscribe.OpResultKey) (subscribe.ResultEvent, bool, error) {
		return subscribe.ResultEvent{}, false, nil
	})
	rc := New(st, rt, nil, resultBus, rec, chainInfo, nil, func() {}, logrus.StandardLogger())
	return rc, st
}

func simpleBlock(height uint64, hash, prevHash block.Hash, expr string) *block.Block {
	txid := hash
	return &block.Block{
		Height:   height,
		Hash:     hash,
		PrevHash: prevHash,
		Transactions: []block.Transaction{
			{
				TxIndex: 0,
				Txid:    txid,
				Ops: []block.Op{
					{InputIndex: 0, OpIndex: 0, Kind: block.OpCall, CallContract: "pool@1:0", CallExpr: expr},
				},
			},
		},
	}
}

func TestApplyBlockInOrder(t *testing.T) {
	ctx := context.Background()
	rc, st := newTestReactor(t, &fakeRuntime{}, &fakeChainInfo{}, &fakeReconciler{})

	blk := simpleBlock(1, hashOf(1), block.Hash{}, "ok()")
	ok := rc.handle(ctx, Event{Kind: EventBlockInsert, Block: blk})
	require.True(t, ok)

	height, found, err := st.LatestHeight(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), height)

	_, funcName, gasUsed, value, found, err := st.ResultByKey(ctx, blk.Transactions[0].Txid[:], 0, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ok", funcName)
	require.Equal(t, uint64(5), gasUsed)
	require.Equal(t, []byte("ok"), value)
}

func TestOutOfOrderBlockIsRejected(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestReactor(t, &fakeRuntime{}, &fakeChainInfo{}, &fakeReconciler{})

	blk := simpleBlock(2, hashOf(2), hashOf(1), "ok()")
	ok := rc.handle(ctx, Event{Kind: EventBlockInsert, Block: blk})
	require.False(t, ok, "height 2 with no height 1 persisted must be rejected")
}

func TestNonFatalOpFailureDoesNotHaltBlock(t *testing.T) {
	ctx := context.Background()
	rc, st := newTestReactor(t, &fakeRuntime{}, &fakeChainInfo{}, &fakeReconciler{})

	blk := simpleBlock(1, hashOf(1), block.Hash{}, "fail()")
	ok := rc.handle(ctx, Event{Kind: EventBlockInsert, Block: blk})
	require.True(t, ok, "a runtime-level call failure must not be fatal")

	height, found, err := st.LatestHeight(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), height)

	_, _, _, value, found, err := st.ResultByKey(ctx, blk.Transactions[0].Txid[:], 0, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, value, "a failed call persists a null-value result row, per spec.md §3")
}

func TestExplicitBlockRemoveRollsBack(t *testing.T) {
	ctx := context.Background()
	rc, st := newTestReactor(t, &fakeRuntime{}, &fakeChainInfo{}, &fakeReconciler{})

	for h := uint64(1); h <= 3; h++ {
		blk := simpleBlock(h, hashOf(byte(h)), hashOf(byte(h-1)), "ok()")
		require.True(t, rc.handle(ctx, Event{Kind: EventBlockInsert, Block: blk}))
	}

	ok := rc.handle(ctx, Event{Kind: EventBlockRemove, BlockID: block.HashID(hashOf(3))})
	require.True(t, ok)

	height, found, err := st.LatestHeight(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), height, "removing height 3 by hash must roll back to height 2")
}

func TestReorgWalksBackAndRequestsRestart(t *testing.T) {
	ctx := context.Background()
	rec := &fakeReconciler{}
	chainInfo := &fakeChainInfo{canonical: map[uint64]block.Hash{
		1: hashOf(1),
		2: hashOf(2),
	}}
	rc, st := newTestReactor(t, &fakeRuntime{}, chainInfo, rec)

	for h := uint64(1); h <= 2; h++ {
		blk := simpleBlock(h, hashOf(byte(h)), hashOf(byte(h-1)), "ok()")
		require.True(t, rc.handle(ctx, Event{Kind: EventBlockInsert, Block: blk}))
	}

	// A height-3 block whose prev_hash doesn't match the stored hash at
	// height 2 — the base chain reorganized somewhere at or before
	// height 2, and this is the first sign of it.
	conflicting := simpleBlock(3, hashOf(99), hashOf(200), "ok()")
	ok := rc.handle(ctx, Event{Kind: EventBlockInsert, Block: conflicting})
	require.True(t, ok, "a reorg is handled, not fatal")

	require.Len(t, rec.calls, 1)
	require.Equal(t, uint64(3), rec.calls[0].height, "walk-back should stop at height 2 (still canonical) and request a restart at height 3")

	height, found, err := st.LatestHeight(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), height, "the conflicting block itself is never applied")
}

func TestMempoolMirror(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestReactor(t, &fakeRuntime{}, &fakeChainInfo{}, &fakeReconciler{})

	tx1 := &block.Transaction{TxIndex: 0, Txid: hashOf(1)}
	tx2 := &block.Transaction{TxIndex: 1, Txid: hashOf(2)}

	require.True(t, rc.handle(ctx, Event{Kind: EventMempoolInsert, Txs: []*block.Transaction{tx1, tx2}}))
	require.Len(t, rc.Mempool(), 2)

	require.True(t, rc.handle(ctx, Event{Kind: EventMempoolRemove, Txids: []block.Hash{tx1.Txid}}))
	require.Len(t, rc.Mempool(), 1)

	require.True(t, rc.handle(ctx, Event{Kind: EventMempoolSet, Txs: []*block.Transaction{tx2}}))
	require.Len(t, rc.Mempool(), 1)
}
