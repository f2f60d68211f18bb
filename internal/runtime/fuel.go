package runtime

import (
	"sync"

	"github.com/pkg/errors"
)

// Operation identifies a host-call family for fuel accounting, per
// spec.md §4.B's cost table. Grounded on
// _examples/original_source/core/indexer/src/runtime/fuel.rs's Fuel
// enum, ported from Rust's per-variant associated data to a Go struct
// carrying the same length parameter.
type Operation int

const (
	OpSignerToString Operation = iota
	OpPathConstruct
	OpGetValue
	OpSetValue
	OpExists
	OpKeysNext
	OpMatchingPath
	OpDeleteMatchingPaths
	OpCryptoHash
	OpNumericAddSubMulDiv
	OpNumericLog10
	OpNumericParse
	OpNumericRender
)

// Cost computes the fuel cost of op given its length parameter n
// (segment count, byte length, or string length depending on op),
// per spec.md §4.B's table.
func (op Operation) Cost(n uint64) uint64 {
	switch op {
	case OpSignerToString:
		return 500
	case OpPathConstruct:
		return 10 * n
	case OpGetValue:
		return 10 * n
	case OpSetValue:
		return 200 + 10*n
	case OpExists:
		return 50
	case OpKeysNext:
		return 100 + 10*n
	case OpMatchingPath:
		return 500 + 10*n
	case OpDeleteMatchingPaths:
		return 1000 + 10*n
	case OpCryptoHash:
		return 500 + 10*n
	case OpNumericAddSubMulDiv:
		return 100
	case OpNumericLog10:
		return 500
	case OpNumericParse:
		return 100 + 10*n
	case OpNumericRender:
		return 100 + 10*n
	default:
		return 0
	}
}

func (op Operation) String() string {
	names := [...]string{
		"signer_to_string", "path_construct", "get_value", "set_value",
		"exists", "keys_next", "matching_path", "delete_matching_paths",
		"crypto_hash", "numeric_add_sub_mul_div", "numeric_log10",
		"numeric_parse", "numeric_render",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return "unknown"
}

// ErrOutOfFuel is returned by Gauge.Consume when the gauge is
// exhausted; the caller must roll back the enclosing savepoint.
var ErrOutOfFuel = errors.New("out of fuel")

// opStats tracks aggregate cost for one operation family.
type opStats struct {
	count      uint64
	totalFuel  uint64
	percentage float64
}

// Gauge is a single monotonic fuel counter shared across one contract
// call, decremented on every host call. Mutex-guarded the way the
// teacher guards shared mutable counters (sync.Mutex around custodian
// state in custodian.go).
type Gauge struct {
	mu sync.Mutex

	remaining uint64
	starting  uint64

	totalHostFuel uint64
	perType       map[Operation]*opStats
	history       []Operation
}

// NewGauge creates a fuel gauge seeded with budget units.
func NewGauge(budget uint64) *Gauge {
	return &Gauge{
		remaining: budget,
		starting:  budget,
		perType:   make(map[Operation]*opStats),
	}
}

// Consume deducts op's cost (given length parameter n) from the
// gauge, returning ErrOutOfFuel if that would underflow.
func (g *Gauge) Consume(op Operation, n uint64) error {
	cost := op.Cost(n)

	g.mu.Lock()
	defer g.mu.Unlock()

	if cost > g.remaining {
		return errors.Wrapf(ErrOutOfFuel, "consuming %s (cost %d, remaining %d)", op, cost, g.remaining)
	}
	g.remaining -= cost
	g.totalHostFuel += cost

	stats, ok := g.perType[op]
	if !ok {
		stats = &opStats{}
		g.perType[op] = stats
	}
	stats.count++
	stats.totalFuel += cost

	if g.totalHostFuel > 0 {
		total := float64(g.totalHostFuel)
		for _, s := range g.perType {
			s.percentage = float64(s.totalFuel) / total * 100
		}
	}
	g.history = append(g.history, op)

	return nil
}

// Remaining returns the fuel units left in the gauge.
func (g *Gauge) Remaining() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

// Used returns the total fuel consumed so far (starting budget minus
// what remains) — the gas_used value the reactor persists alongside
// an op's result, per spec.md §3's op_result row.
func (g *Gauge) Used() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starting - g.remaining
}

// TotalHostFuel returns the cumulative fuel spent on host calls
// (excluding the underlying WASM runtime's own instruction-level fuel
// counter, which is tracked separately by the engine).
func (g *Gauge) TotalHostFuel() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalHostFuel
}

// HostVsEngineShare reports what fraction of total fuel consumption
// (starting - remaining) was spent on host calls versus anything else.
// Only Consume draws on the gauge and it counts every unit as host
// fuel, so once anything has been consumed the result is (100, 0);
// engine-level instruction fuel is not recorded here.
func (g *Gauge) HostVsEngineShare() (hostPct, enginePct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	used := g.starting - g.remaining
	if used == 0 {
		return 0, 0
	}
	hostPct = float64(g.totalHostFuel) / float64(used) * 100
	enginePct = float64(used-g.totalHostFuel) / float64(used) * 100
	return hostPct, enginePct
}
