package rpcclient

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
)

// BlockchainInfo mirrors the fields of getblockchaininfo that the
// follower and reconciler care about.
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        uint64 `json:"blocks"`
	Headers       uint64 `json:"headers"`
	BestBlockHash string `json:"bestblockhash"`
}

// GetBlockchainInfo reports the node's current chain tip.
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var out BlockchainInfo
	if err := c.Call(ctx, "getblockchaininfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBlockHash returns the block hash at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.Call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockRaw returns the raw serialized block for hash, verbosity 0
// (the hex-encoded form; callers deserialize per spec.md §6's wire
// format rather than trusting bitcoind's json block decomposition).
func (c *Client) GetBlockRaw(ctx context.Context, hash string) ([]byte, error) {
	var hexBlock string
	if err := c.Call(ctx, "getblock", []interface{}{hash, 0}, &hexBlock); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexBlock)
	return raw, errors.Wrap(err, "decoding block hex")
}

// GetBlockHeight resolves a block hash to its height via getblockheader,
// since a live zmq block-connected notification carries only a hash.
func (c *Client) GetBlockHeight(ctx context.Context, hash string) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.Call(ctx, "getblockheader", []interface{}{hash, true}, &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// GetRawMempool lists the txids currently sitting in the node's mempool.
func (c *Client) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.Call(ctx, "getrawmempool", nil, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// GetRawTransaction fetches one transaction's raw bytes by txid.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	var hexTx string
	if err := c.Call(ctx, "getrawtransaction", []interface{}{txid, false}, &hexTx); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexTx)
	return raw, errors.Wrap(err, "decoding transaction hex")
}

// RawTxResult pairs a requested txid with its outcome in a batch fetch.
type RawTxResult struct {
	Txid string
	Raw  []byte
	Err  error
}

// GetRawTransactions fetches many transactions in a single JSON-RPC
// batch round trip, matching batch_call's per-item error shape: one
// failing txid (e.g. evicted from the mempool between listing and
// fetch) doesn't fail the whole batch.
func (c *Client) GetRawTransactions(ctx context.Context, txids []string) ([]RawTxResult, error) {
	calls := make([]BatchCall, len(txids))
	for i, txid := range txids {
		calls[i] = BatchCall{Method: "getrawtransaction", Params: []interface{}{txid, false}}
	}
	results, err := c.BatchCallMany(ctx, calls)
	if err != nil {
		return nil, err
	}
	out := make([]RawTxResult, len(txids))
	for i, r := range results {
		out[i].Txid = txids[i]
		var hexTx string
		if err := r.Decode(&hexTx); err != nil {
			out[i].Err = err
			continue
		}
		raw, err := hex.DecodeString(hexTx)
		if err != nil {
			out[i].Err = errors.Wrap(err, "decoding transaction hex")
			continue
		}
		out[i].Raw = raw
	}
	return out, nil
}

// MempoolAcceptResult is one entry of testmempoolaccept's response.
type MempoolAcceptResult struct {
	Txid         string `json:"txid"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject-reason"`
}

// TestMempoolAccept checks whether raw transactions would be accepted
// into the mempool without actually submitting them.
func (c *Client) TestMempoolAccept(ctx context.Context, rawTxHex []string) ([]MempoolAcceptResult, error) {
	var out []MempoolAcceptResult
	if err := c.Call(ctx, "testmempoolaccept", []interface{}{rawTxHex}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendRawTransaction broadcasts a fully signed raw transaction and
// returns its txid, for the out-of-core wrapper that builds and submits
// inscription envelopes (spec.md §6's push path, used by cmd/kontorctl).
func (c *Client) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var txid string
	if err := c.Call(ctx, "sendrawtransaction", []interface{}{rawTxHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}
