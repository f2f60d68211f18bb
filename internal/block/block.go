// Package block defines the core chain data model: blocks, transactions,
// and the inscription ops extracted from their witness data.
package block

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is a 32-byte block or transaction identifier.
type Hash [32]byte

// String renders a Hash as lowercase hex, big-endian as stored.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash (used for the genesis
// block's PrevHash).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromHex parses the conventional display-order hex a base-chain
// RPC returns (e.g. getblockhash's result) into a Hash, matching the
// byte order wire.MsgBlock.BlockHash() produces — both go through
// chainhash's reversed internal/display convention, so a Hash built
// here compares equal to one built by decoding a block.
func HashFromHex(s string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return Hash{}, err
	}
	return Hash(*h), nil
}

// OpKind distinguishes the inscription op variants the core treats
// non-opaquely.
type OpKind int

const (
	// OpPublish installs a compiled contract component.
	OpPublish OpKind = iota
	// OpCall invokes a procedure on an installed contract.
	OpCall
	// OpAttach binds state to a UTXO lineage.
	OpAttach
	// OpDetach releases a prior Attach binding.
	OpDetach
)

// Op is a single parsed inscription payload: the atomic unit of
// contract execution. InputIndex and OpIndex, together with the owning
// transaction's Txid, content-address the op.
type Op struct {
	InputIndex int
	OpIndex    int

	Kind OpKind

	// Publish
	PublishName  string
	PublishBytes []byte

	// Call
	CallContract string
	CallGasLimit uint64
	CallExpr     string

	// Attach/Detach
	BindPath string
}

// Transaction is one base-chain transaction, identified within its
// block by TxIndex and globally by Txid.
type Transaction struct {
	TxIndex int
	Txid    Hash
	Ops     []Op
}

// Block is a strictly height-ordered unit of the canonical chain.
// Identity is the pair (Height, Hash); the canonical chain is the
// unique maximal sequence in which each block's PrevHash equals its
// predecessor's Hash.
type Block struct {
	Height       uint64
	Hash         Hash
	PrevHash     Hash
	Transactions []Transaction
}

// ID returns the (height, hash) pair that uniquely identifies this block.
func (b *Block) ID() BlockID {
	return BlockID{Height: b.Height, Hash: b.Hash}
}

// BlockID names a block either by height or by hash; the reconciler and
// reactor use whichever is convenient for the operation at hand (see
// BlockRemove in the reconciler/reactor event protocol).
type BlockID struct {
	Height uint64
	Hash   Hash
	// ByHash reports whether Hash (rather than Height) identifies the
	// block; set by the Height/HashID constructors below.
	ByHash bool
}

// HeightID builds a BlockID that names a block by height.
func HeightID(h uint64) BlockID { return BlockID{Height: h} }

// HashID builds a BlockID that names a block by hash.
func HashID(h Hash) BlockID { return BlockID{Hash: h, ByHash: true} }
