package subscribe

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// OpResultKey content-addresses a single op result, per spec.md §3:
// (txid, input_index, op_index) is unique.
type OpResultKey struct {
	Txid       [32]byte
	InputIndex int
	OpIndex    int
}

// ResultEvent is the delivered outcome of one op. A nil Value denotes
// failure — spec.md §3's "error messages are ephemeral (not
// persisted) by design".
type ResultEvent struct {
	ContractID int64
	Func       string
	GasUsed    uint64
	Value      []byte
}

// ResultFilter selects which op results a subscriber receives. Build
// one with the constructors below.
type ResultFilter struct {
	All         bool
	HasContract bool
	ContractID  int64
	HasFunc     bool
	Func        string
	IsOneShot   bool
	OpResultID  OpResultKey
}

// AllResults subscribes to every op result.
func AllResults() ResultFilter { return ResultFilter{All: true} }

// ContractResults subscribes to every result produced by contractID.
func ContractResults(contractID int64) ResultFilter {
	return ResultFilter{HasContract: true, ContractID: contractID}
}

// ContractFuncResults subscribes to results produced by contractID's
// funcName entry point only.
func ContractFuncResults(contractID int64, funcName string) ResultFilter {
	return ResultFilter{HasContract: true, ContractID: contractID, HasFunc: true, Func: funcName}
}

// OpResultSubscription subscribes, one-shot, to a single op's result —
// delivered once (immediately, if already persisted) and then torn
// down, per spec.md §4.G.
func OpResultSubscription(key OpResultKey) ResultFilter {
	return ResultFilter{IsOneShot: true, OpResultID: key}
}

// LookupResult resolves an already-persisted op result, used to
// deliver a one-shot subscription immediately when the caller
// subscribes after the result already landed. Wired by the reactor to
// store.Store's contract_results lookup.
type LookupResult func(ctx context.Context, key OpResultKey) (ResultEvent, bool, error)

type contractResultSubs struct {
	any    *ringBus[ResultEvent]
	byFunc map[string]*ringBus[ResultEvent]
}

func newContractResultSubs() *contractResultSubs {
	return &contractResultSubs{any: newRingBus[ResultEvent](), byFunc: make(map[string]*ringBus[ResultEvent])}
}

func (cs *contractResultSubs) isEmpty() bool {
	if !cs.any.isEmpty() {
		return false
	}
	return len(cs.byFunc) == 0
}

// ResultBus is the process-wide op-result fan-out: an "all" bucket, a
// per-contract (optionally per-function) bucket, and a one-shot
// per-(txid,input,op) bucket that self-unsubscribes after firing once.
type ResultBus struct {
	lookup LookupResult

	mu         sync.Mutex
	nextID     uint64
	all        *ringBus[ResultEvent]
	byContract map[int64]*contractResultSubs
	oneShot    map[OpResultKey]*ringBus[ResultEvent]
	filters    map[uint64]ResultFilter
}

// NewResultBus constructs an empty ResultBus. lookup may be nil, in
// which case one-shot subscriptions never see an already-persisted
// result delivered eagerly (they'll still fire on the next Dispatch).
func NewResultBus(lookup LookupResult) *ResultBus {
	return &ResultBus{
		lookup:     lookup,
		all:        newRingBus[ResultEvent](),
		byContract: make(map[int64]*contractResultSubs),
		oneShot:    make(map[OpResultKey]*ringBus[ResultEvent]),
		filters:    make(map[uint64]ResultFilter),
	}
}

// Subscribe registers filter and returns its id and delivery channel.
func (b *ResultBus) Subscribe(ctx context.Context, filter ResultFilter) (uint64, <-chan ResultEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	var ch <-chan ResultEvent
	switch {
	case filter.IsOneShot:
		bus, ok := b.oneShot[filter.OpResultID]
		if !ok {
			bus = newRingBus[ResultEvent]()
			b.oneShot[filter.OpResultID] = bus
		}
		ch = bus.subscribe(id)
	case filter.All:
		ch = b.all.subscribe(id)
	case !filter.HasFunc:
		ch = b.contractSubs(filter.ContractID).any.subscribe(id)
	default:
		cs := b.contractSubs(filter.ContractID)
		fb, ok := cs.byFunc[filter.Func]
		if !ok {
			fb = newRingBus[ResultEvent]()
			cs.byFunc[filter.Func] = fb
		}
		ch = fb.subscribe(id)
	}
	b.filters[id] = filter

	if filter.IsOneShot && b.lookup != nil {
		if ev, found, err := b.lookup(ctx, filter.OpResultID); err != nil {
			return id, ch, errors.Wrap(err, "looking up persisted op result")
		} else if found {
			b.dispatchOneShotLocked(filter.OpResultID, ev)
		}
	}
	return id, ch, nil
}

func (b *ResultBus) contractSubs(contractID int64) *contractResultSubs {
	cs, ok := b.byContract[contractID]
	if !ok {
		cs = newContractResultSubs()
		b.byContract[contractID] = cs
	}
	return cs
}

// Unsubscribe removes id, reporting whether it was found.
func (b *ResultBus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	filter, ok := b.filters[id]
	if !ok {
		return false
	}
	delete(b.filters, id)

	switch {
	case filter.IsOneShot:
		bus, ok := b.oneShot[filter.OpResultID]
		if !ok {
			return false
		}
		removed := bus.unsubscribe(id)
		if bus.isEmpty() {
			delete(b.oneShot, filter.OpResultID)
		}
		return removed
	case filter.All:
		return b.all.unsubscribe(id)
	case !filter.HasFunc:
		cs, ok := b.byContract[filter.ContractID]
		if !ok {
			return false
		}
		removed := cs.any.unsubscribe(id)
		b.gcContract(filter.ContractID, cs)
		return removed
	default:
		cs, ok := b.byContract[filter.ContractID]
		if !ok {
			return false
		}
		fb, ok := cs.byFunc[filter.Func]
		if !ok {
			return false
		}
		removed := fb.unsubscribe(id)
		if fb.isEmpty() {
			delete(cs.byFunc, filter.Func)
		}
		b.gcContract(filter.ContractID, cs)
		return removed
	}
}

func (b *ResultBus) gcContract(contractID int64, cs *contractResultSubs) {
	if cs.isEmpty() {
		delete(b.byContract, contractID)
	}
}

// dispatchOneShotLocked fires the one-shot bucket for key (if any
// subscriber is waiting) and tears it down; caller must hold b.mu.
func (b *ResultBus) dispatchOneShotLocked(key OpResultKey, ev ResultEvent) {
	bus, ok := b.oneShot[key]
	if !ok {
		return
	}
	bus.publish(ev)
	ids := bus.closeAll()
	for _, id := range ids {
		delete(b.filters, id)
	}
	delete(b.oneShot, key)
}

// Dispatch delivers ev (identified by key, produced by contractID's
// func) to the "all" bucket, the contract's (and func's) recurring
// buckets, and fires off any one-shot subscription waiting on key.
func (b *ResultBus) Dispatch(key OpResultKey, contractID int64, funcName string, ev ResultEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dispatchOneShotLocked(key, ev)

	b.all.publish(ev)
	cs, ok := b.byContract[contractID]
	if !ok {
		return
	}
	cs.any.publish(ev)
	if fb, ok := cs.byFunc[funcName]; ok {
		fb.publish(ev)
	}
}
