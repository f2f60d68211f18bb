package block

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// DecodeBlock deserializes a raw base-chain block (the bytes returned
// by the node's getblock RPC at verbosity 0) into the package's Block
// type, scanning every input's witness for inscription envelopes and
// keeping only the transactions that carry at least one op.
func DecodeBlock(height uint64, raw []byte) (*Block, error) {
	return decodeBlock(height, raw, 1)
}

// DecodeBlockParallel is DecodeBlock with the per-transaction witness
// scan (the processor stage's CPU-heavy work, per spec.md §4.C) spread
// across up to workers goroutines.
func DecodeBlockParallel(height uint64, raw []byte, workers int) (*Block, error) {
	return decodeBlock(height, raw, workers)
}

func decodeBlock(height uint64, raw []byte, workers int) (*Block, error) {
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "deserializing block")
	}

	b := &Block{
		Height:   height,
		Hash:     Hash(msg.BlockHash()),
		PrevHash: Hash(msg.Header.PrevBlock),
	}

	txs := make([]Transaction, len(msg.Transactions))
	errs := make([]error, len(msg.Transactions))

	if workers <= 1 {
		for i, tx := range msg.Transactions {
			txs[i], errs[i] = decodeTx(i, tx)
		}
	} else {
		var wg sync.WaitGroup
		sem := make(chan struct{}, workers)
		for i, tx := range msg.Transactions {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, tx *wire.MsgTx) {
				defer wg.Done()
				defer func() { <-sem }()
				txs[i], errs[i] = decodeTx(i, tx)
			}(i, tx)
		}
		wg.Wait()
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	// txid-filter: only inscription-bearing transactions survive into
	// the block the reactor sees, preserving each one's original
	// position via TxIndex.
	for _, t := range txs {
		if len(t.Ops) > 0 {
			b.Transactions = append(b.Transactions, t)
		}
	}
	return b, nil
}

// TxidFromRaw computes the txid of a raw wire-format transaction
// without fully decoding its ops — used by the push-stream subscriber
// to match an incoming tx-add against its raw-tx cache.
func TxidFromRaw(raw []byte) (Hash, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return Hash{}, errors.Wrap(err, "deserializing transaction")
	}
	return Hash(tx.TxHash()), nil
}

// DecodeTransaction parses a single raw wire-format transaction and
// applies the same txid-filter DecodeBlock applies per-transaction: it
// returns (nil, nil) when the transaction carries no inscription ops.
// Shared by the RPC pull pipeline and the push-stream subscriber so
// both sides of the follower treat "does this tx matter" identically.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "deserializing transaction")
	}
	t, err := decodeTx(0, &tx)
	if err != nil {
		return nil, err
	}
	if len(t.Ops) == 0 {
		return nil, nil
	}
	return &t, nil
}

func decodeTx(txIndex int, tx *wire.MsgTx) (Transaction, error) {
	txid := Hash(tx.TxHash())
	var ops []Op
	opIndex := 0
	for inputIndex, in := range tx.TxIn {
		// A taproot script-path spend's witness stack is
		// [...data, tapscript, control_block]; the envelope (if
		// any) lives in the tapscript, one below the top.
		if len(in.Witness) < 2 {
			continue
		}
		tapscript := in.Witness[len(in.Witness)-2]
		op, _, err := ParseWitnessOps(tapscript, inputIndex, opIndex)
		if err != nil {
			return Transaction{}, errors.Wrapf(err, "parsing witness for tx %s input %d", txid, inputIndex)
		}
		if op != nil {
			ops = append(ops, *op)
			opIndex++
		}
	}
	return Transaction{TxIndex: txIndex, Txid: txid, Ops: ops}, nil
}
