package subscribe

import (
	"sync"

	"github.com/kontor-chain/kontor/internal/subscribe/topictree"
)

// Event is one contract-emitted event, routed by (ContractAddress,
// Signature) and, within a signature, by the topic values extracted
// from Data using TopicKeys — per spec.md §4.G.
type Event struct {
	ContractAddress string
	Signature       string
	TopicKeys       []string
	Data            map[string]topictree.Value
}

// EventFilter selects which events a subscriber receives. Use the
// constructors below rather than building one by hand.
type EventFilter struct {
	All             bool
	ContractAddress string
	Signature       string
	HasSignature    bool
	// Topics, when HasSignature is set, is the topic-value path to
	// subscribe under (nil entries are wildcards). A zero-length slice
	// subscribes at the signature's root, matching every topic
	// combination.
	Topics []topictree.Value
}

// AllEvents subscribes to every event across every contract.
func AllEvents() EventFilter { return EventFilter{All: true} }

// ContractEvents subscribes to every event emitted by addr, regardless
// of signature.
func ContractEvents(addr string) EventFilter {
	return EventFilter{ContractAddress: addr}
}

// ContractSignatureEvents subscribes to events from addr carrying
// signature sig, filtered by topics (nil wildcards allowed; an empty
// slice matches every topic combination for that signature).
func ContractSignatureEvents(addr, sig string, topics []topictree.Value) EventFilter {
	return EventFilter{ContractAddress: addr, Signature: sig, HasSignature: true, Topics: topics}
}

type contractEventSubs struct {
	any         *ringBus[Event]
	bySignature map[string]*topictree.Tree[Event]
}

func newContractEventSubs() *contractEventSubs {
	return &contractEventSubs{any: newRingBus[Event](), bySignature: make(map[string]*topictree.Tree[Event])}
}

func (cs *contractEventSubs) isEmpty() bool {
	if !cs.any.isEmpty() {
		return false
	}
	return len(cs.bySignature) == 0
}

// EventBus is the process-wide event fan-out: a per-contract bucket of
// signature-keyed topic trees, plus a top-level "all contracts"
// bucket, per spec.md §4.G / §9 ("owned by a single runtime handle").
type EventBus struct {
	mu         sync.Mutex
	nextID     uint64
	all        *ringBus[Event]
	byContract map[string]*contractEventSubs
	filters    map[uint64]EventFilter
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		all:        newRingBus[Event](),
		byContract: make(map[string]*contractEventSubs),
		filters:    make(map[uint64]EventFilter),
	}
}

// Subscribe registers filter and returns its subscription id and
// delivery channel.
func (b *EventBus) Subscribe(filter EventFilter) (uint64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	var ch <-chan Event
	switch {
	case filter.All:
		ch = b.all.subscribe(id)
	case !filter.HasSignature:
		ch = b.contractSubs(filter.ContractAddress).any.subscribe(id)
	default:
		cs := b.contractSubs(filter.ContractAddress)
		tree, ok := cs.bySignature[filter.Signature]
		if !ok {
			tree = topictree.New[Event]()
			cs.bySignature[filter.Signature] = tree
		}
		ch = tree.Add(id, filter.Topics)
	}
	b.filters[id] = filter
	return id, ch
}

func (b *EventBus) contractSubs(addr string) *contractEventSubs {
	cs, ok := b.byContract[addr]
	if !ok {
		cs = newContractEventSubs()
		b.byContract[addr] = cs
	}
	return cs
}

// Unsubscribe removes id, reporting whether it was found.
func (b *EventBus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	filter, ok := b.filters[id]
	if !ok {
		return false
	}
	delete(b.filters, id)

	switch {
	case filter.All:
		return b.all.unsubscribe(id)
	case !filter.HasSignature:
		cs, ok := b.byContract[filter.ContractAddress]
		if !ok {
			return false
		}
		removed := cs.any.unsubscribe(id)
		b.gcContract(filter.ContractAddress, cs)
		return removed
	default:
		cs, ok := b.byContract[filter.ContractAddress]
		if !ok {
			return false
		}
		tree, ok := cs.bySignature[filter.Signature]
		if !ok {
			return false
		}
		removed := tree.Remove(id, filter.Topics)
		if tree.IsEmpty() {
			delete(cs.bySignature, filter.Signature)
		}
		b.gcContract(filter.ContractAddress, cs)
		return removed
	}
}

func (b *EventBus) gcContract(addr string, cs *contractEventSubs) {
	if cs.isEmpty() {
		delete(b.byContract, addr)
	}
}

// Dispatch multicasts ev to the "all contracts" bucket, the contract's
// no-signature bucket, and (if any) the matching signature's topic
// tree — walked using the topic values Data holds under TopicKeys.
func (b *EventBus) Dispatch(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all.publish(ev)

	cs, ok := b.byContract[ev.ContractAddress]
	if !ok {
		return
	}
	cs.any.publish(ev)

	tree, ok := cs.bySignature[ev.Signature]
	if !ok {
		return
	}
	actual := make([]topictree.Value, len(ev.TopicKeys))
	for i, k := range ev.TopicKeys {
		actual[i] = ev.Data[k]
	}
	tree.Dispatch(ev, actual)
}
