// Command kontorctl is the thin out-of-core wrapper spec.md §6 names
// alongside the CLI surface: it builds inscription envelopes for
// Publish and Call ops, derives the taproot commit address a wallet
// funds to reveal one, and broadcasts an already-signed reveal
// transaction. It does not sign transactions itself — key custody and
// signing stay with whatever wallet the operator already uses, the
// same division the teacher's cmd/peg and cmd/export draw between
// "build the operation" and "the Stellar account signs it".
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/kontor-chain/kontor/internal/block"
	"github.com/kontor-chain/kontor/internal/chainparams"
	"github.com/kontor-chain/kontor/internal/rpcclient"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "publish":
		runPublish(args)
	case "call":
		runCall(args)
	case "submit":
		runSubmit(args)
	case "info":
		runInfo(args)
	case "tx":
		runTx(args)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kontorctl <publish|call|submit|info|tx> [flags]")
	os.Exit(2)
}

// rpcFlags registers the base-chain connection flags every subcommand
// that talks to a node needs, mirroring the teacher's per-command
// --horizon flag.
func rpcFlags(fs *flag.FlagSet) (url, user, pass *string) {
	url = fs.String("rpc-url", "http://127.0.0.1:8332", "base-chain node JSON-RPC endpoint")
	user = fs.String("rpc-user", "", "base-chain node RPC username")
	pass = fs.String("rpc-pass", "", "base-chain node RPC password")
	return
}

// buildEnvelope assembles the inscription witness script of spec.md §6
// for op: `<xonly-pubkey> OP_CHECKSIG OP_FALSE OP_IF "kon" OP_0
// <payload-bytes...> OP_ENDIF`, chunked to envelope's 520-byte push-data
// limit, and derives the taproot commit address a funding transaction
// sends to.
func buildEnvelope(op block.Op, internalKey *btcec.PublicKey, params *chainparams.Params) (script []byte, address string, err error) {
	payload, err := block.EncodeOp(op)
	if err != nil {
		return nil, "", fmt.Errorf("encoding op: %w", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(internalKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_FALSE)
	builder.AddOp(txscript.OP_IF)
	builder.AddData([]byte("kon"))
	builder.AddOp(txscript.OP_0)
	const maxPush = 520
	for len(payload) > 0 {
		n := maxPush
		if n > len(payload) {
			n = len(payload)
		}
		builder.AddData(payload[:n])
		payload = payload[n:]
	}
	builder.AddOp(txscript.OP_ENDIF)
	script, err = builder.Script()
	if err != nil {
		return nil, "", fmt.Errorf("building envelope script: %w", err)
	}

	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params.BTCParams)
	if err != nil {
		return nil, "", fmt.Errorf("deriving taproot address: %w", err)
	}
	return script, addr.EncodeAddress(), nil
}

func parsePubkey(hexKey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding pubkey hex: %w", err)
	}
	switch len(raw) {
	case 32:
		return schnorr.ParsePubKey(raw)
	case 33:
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, err
		}
		return pk, nil
	default:
		return nil, fmt.Errorf("pubkey must be 32 (x-only) or 33 (compressed) bytes, got %d", len(raw))
	}
}

func runPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	network := fs.String("network", "mainnet", "base-chain network: mainnet, testnet, regtest")
	useRegtest := fs.Bool("use-local-regtest", false, "force regtest params regardless of --network")
	pubkey := fs.String("pubkey", "", "x-only or compressed hex pubkey that will sign the reveal spend")
	name := fs.String("name", "", "contract name to publish under")
	componentFile := fs.String("component", "", "path to the compiled component bytes")
	fs.Parse(args)

	if *pubkey == "" || *name == "" || *componentFile == "" {
		log.Fatal("must specify --pubkey, --name, and --component")
	}
	componentBytes, err := os.ReadFile(*componentFile)
	if err != nil {
		log.Fatalf("reading component file: %s", err)
	}
	key, err := parsePubkey(*pubkey)
	if err != nil {
		log.Fatal(err)
	}
	params := chainparams.ForNetwork(*network, *useRegtest)

	op := block.Op{Kind: block.OpPublish, PublishName: *name, PublishBytes: componentBytes}
	script, addr, err := buildEnvelope(op, key, &params)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("fund this taproot address to commit the inscription:\n  %s\n", addr)
	fmt.Printf("reveal witness script (hex):\n  %s\n", hex.EncodeToString(script))
}

func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	network := fs.String("network", "mainnet", "base-chain network: mainnet, testnet, regtest")
	useRegtest := fs.Bool("use-local-regtest", false, "force regtest params regardless of --network")
	pubkey := fs.String("pubkey", "", "x-only or compressed hex pubkey that will sign the reveal spend")
	contract := fs.String("contract", "", "contract address, name@height:tx_index")
	expr := fs.String("expr", "", "call expression, e.g. transfer(\"bob\", 10)")
	gasLimit := fs.Uint64("gas-limit", 1_000_000, "fuel budget for the call")
	fs.Parse(args)

	if *pubkey == "" || *contract == "" || *expr == "" {
		log.Fatal("must specify --pubkey, --contract, and --expr")
	}
	key, err := parsePubkey(*pubkey)
	if err != nil {
		log.Fatal(err)
	}
	params := chainparams.ForNetwork(*network, *useRegtest)

	op := block.Op{Kind: block.OpCall, CallContract: *contract, CallExpr: *expr, CallGasLimit: *gasLimit}
	script, addr, err := buildEnvelope(op, key, &params)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("fund this taproot address to commit the inscription:\n  %s\n", addr)
	fmt.Printf("reveal witness script (hex):\n  %s\n", hex.EncodeToString(script))
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	url, user, pass := rpcFlags(fs)
	rawTxHex := fs.String("raw-tx", "", "hex-encoded, fully signed reveal transaction")
	fs.Parse(args)

	if *rawTxHex == "" {
		log.Fatal("must specify --raw-tx")
	}
	client := rpcclient.New(*url, *user, *pass)
	txid, err := client.SendRawTransaction(context.Background(), *rawTxHex)
	if err != nil {
		log.Fatalf("broadcasting transaction: %s", err)
	}
	fmt.Println(txid)
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	url, user, pass := rpcFlags(fs)
	fs.Parse(args)

	client := rpcclient.New(*url, *user, *pass)
	info, err := client.GetBlockchainInfo(context.Background())
	if err != nil {
		log.Fatalf("fetching chain info: %s", err)
	}
	fmt.Printf("chain=%s height=%d headers=%d tip=%s\n", info.Chain, info.Blocks, info.Headers, info.BestBlockHash)
}

func runTx(args []string) {
	fs := flag.NewFlagSet("tx", flag.ExitOnError)
	url, user, pass := rpcFlags(fs)
	txid := fs.String("txid", "", "transaction id to fetch")
	fs.Parse(args)

	if *txid == "" {
		log.Fatal("must specify --txid")
	}
	client := rpcclient.New(*url, *user, *pass)
	raw, err := client.GetRawTransaction(context.Background(), *txid)
	if err != nil {
		log.Fatalf("fetching transaction: %s", err)
	}
	fmt.Println(hex.EncodeToString(raw))
}
