package block

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func buildEnvelopeScript(t *testing.T, payload []byte) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_FALSE)
	b.AddOp(txscript.OP_IF)
	b.AddData(envelopeMagic)
	b.AddOp(txscript.OP_0)
	b.AddData(payload)
	b.AddOp(txscript.OP_ENDIF)
	script, err := b.Script()
	if err != nil {
		t.Fatalf("building envelope script: %s", err)
	}
	return script
}

func TestDecodeBlockExtractsOp(t *testing.T) {
	payload, err := EncodeOp(Op{Kind: OpPublish, PublishName: "pool", PublishBytes: []byte{9, 9}})
	if err != nil {
		t.Fatalf("encoding op: %s", err)
	}
	tapscript := buildEnvelopeScript(t, payload)

	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&wire.OutPoint{}, nil, nil)
	in.Witness = wire.TxWitness{[]byte{0x01}, tapscript, []byte{0xc0}}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(0, nil))

	msg := wire.NewMsgBlock(&wire.BlockHeader{})
	msg.AddTransaction(tx)

	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		t.Fatalf("serializing block: %s", err)
	}

	got, err := DecodeBlock(42, buf.Bytes())
	if err != nil {
		t.Fatalf("decoding block: %s", err)
	}
	if got.Height != 42 {
		t.Fatalf("height = %d, want 42", got.Height)
	}
	if len(got.Transactions) != 1 || len(got.Transactions[0].Ops) != 1 {
		t.Fatalf("got %+v", got)
	}
	op := got.Transactions[0].Ops[0]
	if op.Kind != OpPublish || op.PublishName != "pool" {
		t.Errorf("got op %+v", op)
	}
}
