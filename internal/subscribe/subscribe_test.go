package subscribe

import (
	"context"
	"testing"

	"github.com/kontor-chain/kontor/internal/subscribe/topictree"
)

func TestEventBusWildcardTopic(t *testing.T) {
	bus := NewEventBus()
	_, ch := bus.Subscribe(ContractSignatureEvents("0xabc", "Transfer", []topictree.Value{nil, "bob"}))

	publish := func(from, to string) {
		bus.Dispatch(Event{
			ContractAddress: "0xabc",
			Signature:       "Transfer",
			TopicKeys:       []string{"from", "to"},
			Data:            map[string]topictree.Value{"from": from, "to": to},
		})
	}
	publish("alice", "bob")
	publish("carol", "bob")
	publish("alice", "dave")

	delivered := 0
loop:
	for {
		select {
		case <-ch:
			delivered++
		default:
			break loop
		}
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
}

func TestEventBusAllAndContractBuckets(t *testing.T) {
	bus := NewEventBus()
	_, allCh := bus.Subscribe(AllEvents())
	_, contractCh := bus.Subscribe(ContractEvents("0xabc"))

	bus.Dispatch(Event{ContractAddress: "0xabc", Signature: "Ping"})
	bus.Dispatch(Event{ContractAddress: "0xdef", Signature: "Ping"})

	if len(allCh) != 2 {
		t.Fatalf("expected all-bucket to see both events, got %d", len(allCh))
	}
	if len(contractCh) != 1 {
		t.Fatalf("expected contract bucket to see only its own contract's event, got %d", len(contractCh))
	}
}

func TestEventBusUnsubscribeGCs(t *testing.T) {
	bus := NewEventBus()
	id, _ := bus.Subscribe(ContractEvents("0xabc"))

	if _, ok := bus.byContract["0xabc"]; !ok {
		t.Fatal("expected contract bucket to exist")
	}
	if !bus.Unsubscribe(id) {
		t.Fatal("expected unsubscribe to report true")
	}
	if _, ok := bus.byContract["0xabc"]; ok {
		t.Fatal("expected contract bucket to be garbage collected")
	}
	if bus.Unsubscribe(id) {
		t.Fatal("expected second unsubscribe of the same id to report false")
	}
}

func TestResultBusOneShotDeliveredImmediatelyWhenAlreadyPersisted(t *testing.T) {
	key := OpResultKey{Txid: [32]byte{1}, InputIndex: 0, OpIndex: 0}
	persisted := ResultEvent{ContractID: 7, Func: "transfer", Value: []byte("42")}

	bus := NewResultBus(func(ctx context.Context, k OpResultKey) (ResultEvent, bool, error) {
		if k == key {
			return persisted, true, nil
		}
		return ResultEvent{}, false, nil
	})

	_, ch, err := bus.Subscribe(context.Background(), OpResultSubscription(key))
	if err != nil {
		t.Fatalf("subscribe: %s", err)
	}

	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("expected a delivered value before channel closed")
		}
		if string(got.Value) != "42" {
			t.Fatalf("unexpected delivered value: %+v", got)
		}
	default:
		t.Fatal("expected immediate delivery for an already-persisted result")
	}

	if _, stillOpen := <-ch; stillOpen {
		t.Fatal("expected one-shot channel to be closed after firing once")
	}
}

func TestResultBusOneShotFiresOnceOnDispatch(t *testing.T) {
	key := OpResultKey{Txid: [32]byte{2}, InputIndex: 1, OpIndex: 0}
	bus := NewResultBus(nil)

	_, ch, err := bus.Subscribe(context.Background(), OpResultSubscription(key))
	if err != nil {
		t.Fatal(err)
	}

	bus.Dispatch(key, 3, "mint", ResultEvent{ContractID: 3, Func: "mint", Value: []byte("ok")})

	got, ok := <-ch
	if !ok || string(got.Value) != "ok" {
		t.Fatalf("expected delivered result, got %+v ok=%v", got, ok)
	}
	if _, stillOpen := <-ch; stillOpen {
		t.Fatal("expected channel closed after one-shot fired")
	}
}

func TestResultBusContractAndFuncFiltering(t *testing.T) {
	bus := NewResultBus(nil)
	_, anyCh, _ := bus.Subscribe(context.Background(), ContractResults(5))
	_, funcCh, _ := bus.Subscribe(context.Background(), ContractFuncResults(5, "swap"))

	bus.Dispatch(OpResultKey{InputIndex: 0}, 5, "mint", ResultEvent{ContractID: 5, Func: "mint"})
	bus.Dispatch(OpResultKey{InputIndex: 1}, 5, "swap", ResultEvent{ContractID: 5, Func: "swap"})

	if len(anyCh) != 2 {
		t.Fatalf("expected contract-wide bucket to see both calls, got %d", len(anyCh))
	}
	if len(funcCh) != 1 {
		t.Fatalf("expected func-scoped bucket to see only swap, got %d", len(funcCh))
	}
}
