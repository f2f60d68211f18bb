// Package chainparams carries the small set of network parameters the
// core needs to talk to a base-chain node: which network we're on, its
// btcsuite chain params, and the configured start height.
package chainparams

import "github.com/btcsuite/btcd/chaincfg"

// Network identifies which base-chain network the follower is pointed at.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params bundles a Network with the btcsuite chain params used for
// address decoding and witness script validation.
type Params struct {
	Network    Network
	BTCParams  *chaincfg.Params
	StartBlock uint64
}

// ForNetwork resolves CLI/config network names to Params, mirroring the
// --network / --use-local-regtest flags in spec.md §6.
func ForNetwork(network string, useLocalRegtest bool) Params {
	if useLocalRegtest {
		return Params{Network: Regtest, BTCParams: &chaincfg.RegressionNetParams}
	}
	switch Network(network) {
	case Testnet:
		return Params{Network: Testnet, BTCParams: &chaincfg.TestNet3Params}
	case Regtest:
		return Params{Network: Regtest, BTCParams: &chaincfg.RegressionNetParams}
	default:
		return Params{Network: Mainnet, BTCParams: &chaincfg.MainNetParams}
	}
}
