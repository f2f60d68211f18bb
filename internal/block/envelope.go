package block

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// envelopeMagic is the 3-byte protocol tag that marks an inscription
// envelope, per spec.md §6: `<xonly-pubkey> OP_CHECKSIG OP_FALSE OP_IF
// "kon" OP_0 <payload-bytes...> OP_ENDIF`.
var envelopeMagic = []byte("kon")

// maxPushSize is the maximum size of a single push-data segment inside
// the envelope, matching the base chain's own script push-data limit.
const maxPushSize = 520

// ParseWitnessOps scans a transaction input's witness script for an
// inscription envelope and, if found, decodes its payload as CBOR into
// an Op, also returning the raw payload bytes. It returns (nil, nil,
// nil) when the witness carries no envelope —
// that is not an error, most inputs don't inscribe anything.
func ParseWitnessOps(witnessScript []byte, inputIndex, opIndex int) (*Op, []byte, error) {
	tok := txscript.MakeScriptTokenizer(0, witnessScript)

	var (
		sawCheckSig bool
		inEnvelope  bool
		sawMagic    bool
		payload     bytes.Buffer
	)

	for tok.Next() {
		op := tok.Opcode()
		data := tok.Data()

		switch {
		case !sawCheckSig:
			if op == txscript.OP_CHECKSIG {
				sawCheckSig = true
			}
			continue

		case !inEnvelope:
			// Expect OP_FALSE OP_IF.
			if op == txscript.OP_0 || op == txscript.OP_FALSE {
				continue
			}
			if op == txscript.OP_IF {
				inEnvelope = true
				continue
			}
			// Not an envelope at all.
			return nil, nil, nil

		case inEnvelope && !sawMagic:
			if !bytes.Equal(data, envelopeMagic) {
				return nil, nil, nil
			}
			sawMagic = true
			continue

		case inEnvelope && sawMagic:
			if op == txscript.OP_ENDIF {
				opPtr, err := decodeOp(payload.Bytes(), inputIndex, opIndex)
				return opPtr, payload.Bytes(), err
			}
			if op == txscript.OP_0 {
				// Separator between magic and payload segments; ignored.
				continue
			}
			if len(data) > maxPushSize {
				return nil, nil, errors.Errorf("envelope push-data segment exceeds %d bytes", maxPushSize)
			}
			payload.Write(data)
		}
	}
	if err := tok.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "tokenizing witness script")
	}
	// Reached end of script without a closing OP_ENDIF: not a
	// well-formed envelope.
	return nil, nil, nil
}

// cborOp mirrors Op's CBOR wire shape. Op itself carries Go-only
// bookkeeping fields (InputIndex, OpIndex) that aren't part of the
// on-chain encoding.
type cborOp struct {
	Kind OpKind `cbor:"kind"`

	PublishName  string `cbor:"name,omitempty"`
	PublishBytes []byte `cbor:"bytes,omitempty"`

	CallContract string `cbor:"contract,omitempty"`
	CallGasLimit uint64 `cbor:"gas_limit,omitempty"`
	CallExpr     string `cbor:"expr,omitempty"`

	BindPath string `cbor:"path,omitempty"`
}

func decodeOp(payload []byte, inputIndex, opIndex int) (*Op, error) {
	var c cborOp
	if err := cbor.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrap(err, "decoding CBOR op payload")
	}
	return &Op{
		InputIndex:   inputIndex,
		OpIndex:      opIndex,
		Kind:         c.Kind,
		PublishName:  c.PublishName,
		PublishBytes: c.PublishBytes,
		CallContract: c.CallContract,
		CallGasLimit: c.CallGasLimit,
		CallExpr:     c.CallExpr,
		BindPath:     c.BindPath,
	}, nil
}

// EncodeOp renders an Op back into its CBOR wire payload — used by
// tests and by the (out-of-core) envelope script-builder's consumers
// to verify round-trip fidelity.
func EncodeOp(op Op) ([]byte, error) {
	c := cborOp{
		Kind:         op.Kind,
		PublishName:  op.PublishName,
		PublishBytes: op.PublishBytes,
		CallContract: op.CallContract,
		CallGasLimit: op.CallGasLimit,
		CallExpr:     op.CallExpr,
		BindPath:     op.BindPath,
	}
	b, err := cbor.Marshal(c)
	return b, errors.Wrap(err, "encoding CBOR op payload")
}

// RevealRef is the reveal metadata an OP_RETURN commit output carries,
// linking a spend back to the op it reveals.
type RevealRef struct {
	Txid       Hash `cbor:"txid"`
	InputIndex int  `cbor:"input_index"`
	OpIndex    int  `cbor:"op_index"`
}

// ParseRevealRef decodes an OP_RETURN output's data push (after the
// "kon" magic prefix) into a RevealRef.
func ParseRevealRef(data []byte) (*RevealRef, error) {
	if len(data) < len(envelopeMagic) || !bytes.Equal(data[:len(envelopeMagic)], envelopeMagic) {
		return nil, errors.New("missing kon magic in reveal output")
	}
	var ref RevealRef
	if err := cbor.Unmarshal(data[len(envelopeMagic):], &ref); err != nil {
		return nil, errors.Wrap(err, "decoding reveal reference")
	}
	return &ref, nil
}
