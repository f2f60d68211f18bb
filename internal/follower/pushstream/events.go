package pushstream

import "github.com/kontor-chain/kontor/internal/block"

// Kind discriminates the Event variants the subscriber emits.
type Kind int

const (
	// KindConnected fires once the socket has dialed and subscribed.
	KindConnected Kind = iota
	// KindDisconnected fires on any fatal condition (sequence gap,
	// dropped connection) and ends the stream; Err names the reason.
	KindDisconnected
	KindBlockConnected
	KindBlockDisconnected
	KindMempoolTransactionAdded
	KindMempoolTransactionRemoved
)

// Event is one live update from the push stream, per spec.md §4.D.
type Event struct {
	Kind Kind

	Block *block.Block       // KindBlockConnected: fully resolved and txid-filtered
	Hash  block.Hash         // KindBlockDisconnected
	Tx    *block.Transaction // KindMempoolTransactionAdded (already txid-filtered)
	Txid  block.Hash         // KindMempoolTransactionRemoved
	Err   error              // KindDisconnected
}
