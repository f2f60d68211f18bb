package pushstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/kontor-chain/kontor/internal/block"
)

type fakeConn struct {
	messages [][][]byte
	idx      int
	closed   bool
}

func (c *fakeConn) ReceiveEvent() ([][]byte, error) {
	if c.idx >= len(c.messages) {
		time.Sleep(time.Millisecond)
		return nil, fmt.Errorf("i/o timeout")
	}
	m := c.messages[c.idx]
	c.idx++
	return m, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func sequenceFrame(hash block.Hash, flag byte, mempoolSeq uint64) []byte {
	payload := append([]byte{}, hash[:]...)
	payload = append(payload, flag)
	if flag == 'A' || flag == 'R' {
		var seqBytes [8]byte
		binary.LittleEndian.PutUint64(seqBytes[:], mempoolSeq)
		payload = append(payload, seqBytes[:]...)
	}
	return payload
}

func seqFrame(n uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return b[:]
}

func buildRawTx(t *testing.T, withOp bool) []byte {
	t.Helper()
	tx := wire.NewMsgTx(2)
	if withOp {
		payload, err := block.EncodeOp(block.Op{Kind: block.OpPublish, PublishName: "pool"})
		if err != nil {
			t.Fatalf("encoding op: %s", err)
		}
		b := txscript.NewScriptBuilder()
		b.AddOp(txscript.OP_CHECKSIG)
		b.AddOp(txscript.OP_FALSE)
		b.AddOp(txscript.OP_IF)
		b.AddData([]byte("kon"))
		b.AddOp(txscript.OP_0)
		b.AddData(payload)
		b.AddOp(txscript.OP_ENDIF)
		tapscript, err := b.Script()
		if err != nil {
			t.Fatalf("building script: %s", err)
		}
		in := wire.NewTxIn(&wire.OutPoint{}, nil, nil)
		in.Witness = wire.TxWitness{[]byte{0x01}, tapscript, []byte{0xc0}}
		tx.AddTxIn(in)
	} else {
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(0, nil))

	var buf bufferWriter
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serializing tx: %s", err)
	}
	return buf.b
}

type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type fakeRPC struct {
	raw     map[string][]byte
	blocks  map[string][]byte
	heights map[string]uint64
}

func (f *fakeRPC) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	raw, ok := f.raw[txid]
	if !ok {
		return nil, fmt.Errorf("No such mempool or blockchain transaction")
	}
	return raw, nil
}

func (f *fakeRPC) GetBlockRaw(ctx context.Context, hash string) ([]byte, error) {
	raw, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block not found: %s", hash)
	}
	return raw, nil
}

func (f *fakeRPC) GetBlockHeight(ctx context.Context, hash string) (uint64, error) {
	height, ok := f.heights[hash]
	if !ok {
		return 0, fmt.Errorf("header not found: %s", hash)
	}
	return height, nil
}

func buildRawBlock(t *testing.T) []byte {
	t.Helper()
	blk := wire.MsgBlock{Header: wire.BlockHeader{}}
	var buf bufferWriter
	if err := blk.Serialize(&buf); err != nil {
		t.Fatalf("serializing block: %s", err)
	}
	return buf.b
}

func TestSubscriberEmitsConnectedThenBlockEvents(t *testing.T) {
	hash := block.Hash{1, 2, 3}
	rawBlock := buildRawBlock(t)
	conn := &fakeConn{messages: [][][]byte{
		{[]byte(topicSequence), sequenceFrame(hash, 'C', 0), seqFrame(0)},
	}}

	rpc := &fakeRPC{
		blocks:  map[string][]byte{hash.String(): rawBlock},
		heights: map[string]uint64{hash.String(): 42},
	}
	s := New("tcp://fake", rpc, nil)
	s.dial = func(addr string, d time.Duration) (zmqConn, error) { return conn, nil }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}

	ev := <-out
	if ev.Kind != KindConnected {
		t.Fatalf("expected KindConnected first, got %+v", ev)
	}
	ev = <-out
	if ev.Kind != KindBlockConnected || ev.Block == nil || ev.Block.Height != 42 {
		t.Fatalf("expected block-connected event, got %+v", ev)
	}
}

func TestSubscriberDetectsSequenceGap(t *testing.T) {
	hash := block.Hash{9}
	rawBlock := buildRawBlock(t)
	conn := &fakeConn{messages: [][][]byte{
		{[]byte(topicSequence), sequenceFrame(hash, 'C', 0), seqFrame(0)},
		{[]byte(topicSequence), sequenceFrame(hash, 'C', 0), seqFrame(5)}, // gap
	}}

	rpc := &fakeRPC{
		blocks:  map[string][]byte{hash.String(): rawBlock},
		heights: map[string]uint64{hash.String(): 1},
	}
	s := New("tcp://fake", rpc, nil)
	s.dial = func(addr string, d time.Duration) (zmqConn, error) { return conn, nil }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}

	<-out // Connected
	<-out // first block-connected
	ev, ok := <-out
	if !ok || ev.Kind != KindDisconnected {
		t.Fatalf("expected KindDisconnected on gap, got %+v ok=%v", ev, ok)
	}
	if _, stillOpen := <-out; stillOpen {
		t.Fatal("expected stream to end after a sequence gap")
	}
}

func TestSubscriberCachesRawTxOnAdd(t *testing.T) {
	raw := buildRawTx(t, true)
	txid, err := block.TxidFromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}

	conn := &fakeConn{messages: [][][]byte{
		{[]byte(topicRawTx), raw, seqFrame(0)},
		{[]byte(topicSequence), sequenceFrame(txid, 'A', 1), seqFrame(0)},
	}}

	rpc := &fakeRPC{raw: map[string][]byte{}} // empty: cache hit must avoid this entirely
	s := New("tcp://fake", rpc, nil)
	s.dial = func(addr string, d time.Duration) (zmqConn, error) { return conn, nil }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}

	<-out // Connected
	ev := <-out
	if ev.Kind != KindMempoolTransactionAdded || ev.Tx == nil {
		t.Fatalf("expected a mempool-add event served from cache, got %+v", ev)
	}
}

func TestSubscriberDropsNoSuchTransactionBenignly(t *testing.T) {
	txid := block.Hash{7}
	conn := &fakeConn{messages: [][][]byte{
		{[]byte(topicSequence), sequenceFrame(txid, 'A', 1), seqFrame(0)},
	}}

	s := New("tcp://fake", &fakeRPC{raw: map[string][]byte{}}, nil)
	s.dial = func(addr string, d time.Duration) (zmqConn, error) { return conn, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}

	<-out // Connected
	select {
	case ev := <-out:
		t.Fatalf("expected the add to be dropped silently, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
