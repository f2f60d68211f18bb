package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/kontor-chain/kontor/internal/rpcclient"
)

// fakeRPC serves a fixed chain of empty, pre-serialized blocks keyed by
// height, simulating bitcoind's getblockchaininfo/getblockhash/getblock.
type fakeRPC struct {
	mu     sync.Mutex
	tip    uint64
	blocks map[uint64][]byte // height -> raw serialized block
	hashes map[uint64]string // height -> hex "hash" (just the height, for this fake)
}

func newFakeRPC(height uint64) *fakeRPC {
	f := &fakeRPC{blocks: make(map[uint64][]byte), hashes: make(map[uint64]string)}
	for h := uint64(0); h <= height; h++ {
		f.addBlock(h)
	}
	return f
}

func (f *fakeRPC) addBlock(height uint64) {
	msg := wire.NewMsgBlock(&wire.BlockHeader{Nonce: uint32(height)})
	var buf []byte
	w := newByteWriter(&buf)
	if err := msg.Serialize(w); err != nil {
		panic(err)
	}
	f.blocks[height] = buf
	f.hashes[height] = fmt.Sprintf("%064x", height)
	f.tip = height
}

func (f *fakeRPC) GetBlockchainInfo(ctx context.Context) (*rpcclient.BlockchainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &rpcclient.BlockchainInfo{Blocks: f.tip}, nil
}

func (f *fakeRPC) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.hashes[height]
	if !ok {
		return "", fmt.Errorf("no block at height %d", height)
	}
	return hash, nil
}

func (f *fakeRPC) GetBlockRaw(ctx context.Context, hash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, hh := range f.hashes {
		if hh == hash {
			return f.blocks[h], nil
		}
	}
	return nil, fmt.Errorf("no block for hash %s", hash)
}

// byteWriter adapts a *[]byte into an io.Writer for wire.Serialize.
type byteWriter struct{ buf *[]byte }

func newByteWriter(buf *[]byte) *byteWriter { return &byteWriter{buf: buf} }
func (w *byteWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func TestPipelineEmitsStrictlyMonotonicHeights(t *testing.T) {
	rpc := newFakeRPC(5)
	p := New(rpc, Config{StartHeight: 0, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := p.Start(ctx)
	defer p.Stop()

	var got []uint64
	for r := range out {
		got = append(got, r.Height)
		if len(got) == 6 {
			break
		}
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 results, got %d", len(got))
	}
	for i, h := range got {
		if h != uint64(i) {
			t.Fatalf("results out of order: %v", got)
		}
	}
}

func TestPipelineDecodesBlockHash(t *testing.T) {
	rpc := newFakeRPC(0)
	p := New(rpc, Config{StartHeight: 0, PollInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := p.Start(ctx)
	defer p.Stop()

	r, ok := <-out
	if !ok {
		t.Fatal("expected a result")
	}
	if r.Height != 0 {
		t.Fatalf("expected height 0, got %d", r.Height)
	}
	if r.Block == nil {
		t.Fatal("expected a decoded block")
	}
}

func TestPipelineStopDrainsCleanly(t *testing.T) {
	rpc := newFakeRPC(100)
	p := New(rpc, Config{StartHeight: 0, PollInterval: time.Hour})

	ctx := context.Background()
	out := p.Start(ctx)

	<-out // consume one result so the pipeline is actually running

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
