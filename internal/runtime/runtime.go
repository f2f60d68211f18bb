// Package runtime is the contract sandbox from spec.md §4.B: it loads
// compiled WASM components, dispatches textual call expressions against
// their exported entry points, meters fuel, and makes cross-contract
// calls atomic via the store's savepoint stack.
//
// Grounded on orbas1-Synnergy/synnergy-network/core/virtual_machine.go's
// HeavyVM (wasmer-go engine/store/module/instance lifecycle, host
// function registration over linear memory) and contracts.go's
// ContractRegistry (lookup-then-invoke, gas clamping). Uses
// github.com/wasmerio/wasmer-go (Synnergy's dependency) and
// github.com/hashicorp/golang-lru/v2 (Synnergy's, ethereum-go-ethereum's)
// for the contract-bytes and instance caches spec.md §4.B calls for.
package runtime

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/kontor-chain/kontor/internal/store"
)

// Entry point export names a component must provide, per spec.md §4.B.
const (
	entryInit     = "init"
	entryFallback = "fallback"
)

// Errors mirror spec.md §4.B's typed error arms.
var (
	ErrNotFound    = errors.New("not found")
	ErrMessage     = errors.New("message")
	ErrValidation  = errors.New("validation")
	ErrSyntaxError = errors.New("syntax error")
)

// Runtime owns the WASM engine and the caches spec.md §4.B requires
// for cross-contract calls: decompressed component bytes keyed by
// contract_id, and instantiated modules keyed by the same.
type Runtime struct {
	store  *store.Store
	engine *wasmer.Engine

	mu        sync.Mutex
	bytesLRU  *lru.Cache[int64, []byte]
	moduleLRU *lru.Cache[int64, *wasmer.Module]

	eventSink EventSink
}

// EventSink receives a contract-emitted event, per spec.md §4.G. The
// reactor wires this to a subscribe.EventBus's Dispatch once the
// contract address resolving contractID is known at the call site.
type EventSink func(contractID int64, signature string, data map[string]interface{})

// SetEventSink installs the callback contracts' host_emit_event calls
// feed into. Nil disables event emission (host_emit_event becomes a no-op).
func (r *Runtime) SetEventSink(sink EventSink) {
	r.eventSink = sink
}

// New creates a Runtime backed by st, with LRU caches sized per
// spec.md's expectation of a modest working set of hot contracts.
func New(st *store.Store) (*Runtime, error) {
	bytesCache, err := lru.New[int64, []byte](256)
	if err != nil {
		return nil, errors.Wrap(err, "creating contract bytes cache")
	}
	moduleCache, err := lru.New[int64, *wasmer.Module](64)
	if err != nil {
		return nil, errors.Wrap(err, "creating module cache")
	}
	return &Runtime{
		store:     st,
		engine:    wasmer.NewEngine(),
		bytesLRU:  bytesCache,
		moduleLRU: moduleCache,
	}, nil
}

// Publish compresses and installs a new component under name at
// (height, txIndex), returning its contract_id.
func (r *Runtime) Publish(ctx context.Context, name string, height uint64, txIndex uint32, componentBytes []byte) (int64, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(componentBytes); err != nil {
		return 0, errors.Wrap(err, "compressing component")
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrap(err, "closing brotli writer")
	}
	return r.store.InsertContract(ctx, name, height, uint32(txIndex), buf.Bytes())
}

// PublishAndInit installs a component and runs its init entry point as
// one atomic unit, per spec.md §4.B's install-time contract: either the
// contract and its init-time state both land, or neither does. Mirrors
// CallProc's own savepoint-around-dispatch shape one level up.
func (r *Runtime) PublishAndInit(ctx context.Context, name string, height uint64, txIndex uint32, componentBytes []byte, signer string, gasLimit uint64) (contractID int64, gasUsed uint64, err error) {
	if err := r.store.Savepoint(ctx); err != nil {
		return 0, 0, err
	}
	id, err := r.Publish(ctx, name, height, txIndex, componentBytes)
	if err != nil {
		if rbErr := r.store.Rollback(ctx); rbErr != nil {
			return 0, 0, errors.Wrapf(err, "publish failed (rollback also failed: %s)", rbErr)
		}
		return 0, 0, err
	}
	used, err := r.Init(ctx, id, height, txIndex, signer, gasLimit)
	if err != nil {
		if rbErr := r.store.Rollback(ctx); rbErr != nil {
			return 0, 0, errors.Wrapf(err, "init failed (rollback also failed: %s)", rbErr)
		}
		return 0, 0, err
	}
	if err := r.store.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return id, used, nil
}

// ResolveAddress exposes resolveAddress to callers outside the package
// (the reactor) that need to turn a Call op's textual contract address
// into a contract_id before invoking CallProc.
func (r *Runtime) ResolveAddress(ctx context.Context, addr string) (int64, error) {
	return r.resolveAddress(ctx, addr)
}

// loadBytes returns the decompressed component bytes for contractID,
// consulting then populating the LRU cache.
func (r *Runtime) loadBytes(ctx context.Context, contractID int64) ([]byte, error) {
	r.mu.Lock()
	if b, ok := r.bytesLRU.Get(contractID); ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	compressed, err := r.store.ContractBytes(ctx, contractID)
	if err != nil {
		return nil, errors.Wrap(err, "loading contract bytes")
	}
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing component")
	}

	r.mu.Lock()
	r.bytesLRU.Add(contractID, raw)
	r.mu.Unlock()
	return raw, nil
}

// loadModule compiles (or fetches from cache) the wasmer.Module for contractID.
func (r *Runtime) loadModule(ctx context.Context, contractID int64) (*wasmer.Module, error) {
	r.mu.Lock()
	if m, ok := r.moduleLRU.Get(contractID); ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	raw, err := r.loadBytes(ctx, contractID)
	if err != nil {
		return nil, err
	}
	wasmerStore := wasmer.NewStore(r.engine)
	mod, err := wasmer.NewModule(wasmerStore, raw)
	if err != nil {
		return nil, errors.Wrap(err, "compiling component")
	}

	r.mu.Lock()
	r.moduleLRU.Add(contractID, mod)
	r.mu.Unlock()
	return mod, nil
}

// callSite bundles the per-call bookkeeping threaded through a single
// contract invocation — instantiate, dispatch one entry point, tear down.
type callSite struct {
	ctx        context.Context
	rt         *Runtime
	contractID int64
	height     uint64
	txIndex    uint32
	signer     string
	gauge      *Gauge
	mutating   bool
}

// instantiate compiles contractID's module (cached) and creates a
// fresh instance bound to a host import object wired to this callSite.
func (cs *callSite) instantiate() (*wasmer.Instance, *hostCtx, error) {
	mod, err := cs.rt.loadModule(cs.ctx, cs.contractID)
	if err != nil {
		return nil, nil, err
	}
	wasmerStore := mod.Store()
	hctx := &hostCtx{cs: cs}
	imports := registerHost(wasmerStore, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, nil, errors.Wrap(err, "instantiating component")
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, nil, errors.Wrap(err, "component has no memory export")
	}
	hctx.mem = mem
	return instance, hctx, nil
}

// Init runs a freshly-published contract's init entry point,
// idempotently, under a fuel budget of gasLimit (or defaultFuelBudget
// if gasLimit is 0), returning the fuel actually consumed.
func (r *Runtime) Init(ctx context.Context, contractID int64, height uint64, txIndex uint32, signer string, gasLimit uint64) (uint64, error) {
	if gasLimit == 0 {
		gasLimit = defaultFuelBudget
	}
	cs := &callSite{ctx: ctx, rt: r, contractID: contractID, height: height, txIndex: txIndex, signer: signer, gauge: NewGauge(gasLimit), mutating: true}
	instance, _, err := cs.instantiate()
	if err != nil {
		return 0, err
	}
	fn, err := instance.Exports.GetFunction(entryInit)
	if err != nil {
		return 0, errors.Wrap(err, "component missing init export")
	}
	_, err = fn()
	return cs.gauge.Used(), errors.Wrap(err, "running init")
}

// defaultFuelBudget seeds a fresh Gauge for each top-level dispatch;
// spec.md leaves the exact number to the embedder, so this is a
// generous ceiling meant to be overridden by the reactor per-op cost
// policy once block-level gas limits are configured.
const defaultFuelBudget = 10_000_000

// CallProc dispatches a mutating call expr against contractID under a
// fuel budget of gasLimit (or defaultFuelBudget if gasLimit is 0),
// running inside a fresh savepoint so the call is atomic from the
// caller's perspective (spec.md §4.B's cross-contract-call atomicity
// rule). Returns the fuel actually consumed alongside the rendered
// result, for the reactor's op_result row.
func (r *Runtime) CallProc(ctx context.Context, contractID int64, height uint64, txIndex uint32, signer string, expr string, gasLimit uint64) (result string, gasUsed uint64, err error) {
	if err := r.store.Savepoint(ctx); err != nil {
		return "", 0, err
	}
	result, gauge, err := r.dispatch(ctx, contractID, height, txIndex, signer, expr, true, gasLimit)
	gasUsed = gaugeUsed(gauge)
	if err != nil {
		if rbErr := r.store.Rollback(ctx); rbErr != nil {
			return "", gasUsed, errors.Wrapf(err, "dispatch failed (rollback also failed: %s)", rbErr)
		}
		return "", gasUsed, err
	}
	if err := r.store.Commit(ctx); err != nil {
		return "", gasUsed, err
	}
	return result, gasUsed, nil
}

// CallView dispatches a read-only call expr, with no savepoint needed.
func (r *Runtime) CallView(ctx context.Context, contractID int64, signer string, expr string) (string, error) {
	result, _, err := r.dispatch(ctx, contractID, 0, 0, signer, expr, false, 0)
	return result, err
}

func gaugeUsed(g *Gauge) uint64 {
	if g == nil {
		return 0
	}
	return g.Used()
}

// CallFallback invokes a contract's fallback(FallContext, expr) entry
// point when a dynamic call names a function the contract doesn't
// export directly, per spec.md §4.B.
func (r *Runtime) CallFallback(ctx context.Context, contractID int64, signer string, expr string) (string, error) {
	cs := &callSite{ctx: ctx, rt: r, contractID: contractID, signer: signer, gauge: NewGauge(defaultFuelBudget)}
	instance, _, err := cs.instantiate()
	if err != nil {
		return "", err
	}
	fn, err := instance.Exports.GetFunction(entryFallback)
	if err != nil {
		return "", errors.Wrapf(ErrNotFound, "component exports no fallback")
	}
	ptr, err := allocAndWrite(instance, []byte(expr))
	if err != nil {
		return "", err
	}
	out, err := fn(ptr, int32(len(expr)))
	if err != nil {
		return "", errors.Wrap(ErrMessage, err.Error())
	}
	values, ok := out.([]wasmer.Value)
	if !ok {
		return "", nil
	}
	return renderResult(values), nil
}

// contractAddress is the wire form of a contract's address, per
// spec.md §3's (name, height, tx_index) identity: "name@height:tx_index".
type contractAddress struct {
	name    string
	height  uint64
	txIndex uint32
}

func parseContractAddress(s string) (contractAddress, error) {
	at := strings.LastIndexByte(s, '@')
	colon := strings.LastIndexByte(s, ':')
	if at < 0 || colon < at {
		return contractAddress{}, errors.Wrapf(ErrSyntaxError, "malformed contract address %q", s)
	}
	height, err := strconv.ParseUint(s[at+1:colon], 10, 64)
	if err != nil {
		return contractAddress{}, errors.Wrapf(ErrSyntaxError, "parsing height in address %q", s)
	}
	txIndex, err := strconv.ParseUint(s[colon+1:], 10, 32)
	if err != nil {
		return contractAddress{}, errors.Wrapf(ErrSyntaxError, "parsing tx_index in address %q", s)
	}
	return contractAddress{name: s[:at], height: height, txIndex: uint32(txIndex)}, nil
}

// resolveAddress maps a textual contract address to its contract_id,
// the first step of a cross-contract call (spec.md §4.B).
func (r *Runtime) resolveAddress(ctx context.Context, addr string) (int64, error) {
	parsed, err := parseContractAddress(addr)
	if err != nil {
		return 0, err
	}
	id, _, err := r.store.ContractByAddress(ctx, parsed.name, parsed.height, parsed.txIndex)
	if err != nil {
		return 0, errors.Wrap(ErrNotFound, "resolving contract address")
	}
	return id, nil
}

func (r *Runtime) dispatch(ctx context.Context, contractID int64, height uint64, txIndex uint32, signer string, expr string, mutating bool, gasLimit uint64) (string, *Gauge, error) {
	if gasLimit == 0 {
		gasLimit = defaultFuelBudget
	}
	name, args, err := parseCallExpr(expr)
	if err != nil {
		return "", nil, err
	}

	cs := &callSite{ctx: ctx, rt: r, contractID: contractID, height: height, txIndex: txIndex, signer: signer, gauge: NewGauge(gasLimit), mutating: mutating}
	instance, _, err := cs.instantiate()
	if err != nil {
		return "", cs.gauge, err
	}
	fn, err := instance.Exports.GetFunction(name)
	if err != nil {
		// A name the component doesn't export goes to its fallback entry
		// point, when it has one.
		if _, fbErr := instance.Exports.GetFunction(entryFallback); fbErr == nil {
			result, fbErr := r.CallFallback(ctx, contractID, signer, expr)
			return result, cs.gauge, fbErr
		}
		return "", cs.gauge, errors.Wrapf(ErrNotFound, "entry point %q", name)
	}

	// The sandbox's linear-memory ABI carries numeric primitives only;
	// string/record arguments are host-allocated and passed as a
	// (ptr, len) pair by dispatchArgs.
	wasmArgs, err := dispatchArgs(instance, cs, args)
	if err != nil {
		return "", cs.gauge, err
	}
	out, err := fn(wasmArgs...)
	if err != nil {
		return "", cs.gauge, errors.Wrapf(ErrMessage, "executing %q: %s", name, err)
	}
	return renderResult(out), cs.gauge, nil
}

// parseCallExpr parses `name(arg0, arg1, ...)` into a function name
// and its textually-encoded arguments, per spec.md §4.B's call dispatch.
func parseCallExpr(expr string) (name string, args []string, err error) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, errors.Wrapf(ErrSyntaxError, "malformed call expression %q", expr)
	}
	name = strings.TrimSpace(expr[:open])
	if name == "" {
		return "", nil, errors.Wrapf(ErrSyntaxError, "missing function name in %q", expr)
	}
	inner := expr[open+1 : len(expr)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, nil
	}
	for _, part := range splitArgs(inner) {
		args = append(args, strings.TrimSpace(part))
	}
	return name, args, nil
}

// splitArgs splits a comma-joined argument list, respecting quoted
// strings so a literal comma inside quotes isn't treated as a separator.
func splitArgs(s string) []string {
	var (
		out      []string
		depth    int
		inQuotes bool
		start    int
	)
	for i, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case inQuotes:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// renderResult renders a component's return values as a comma-joined
// tuple when there is more than one, per spec.md §4.B.
func renderResult(values []wasmer.Value) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = renderValue(v)
	}
	return strings.Join(parts, ", ")
}

func renderValue(v wasmer.Value) string {
	switch v.Kind() {
	case wasmer.I32:
		return strconv.FormatInt(int64(v.I32()), 10)
	case wasmer.I64:
		return strconv.FormatInt(v.I64(), 10)
	default:
		return ""
	}
}
