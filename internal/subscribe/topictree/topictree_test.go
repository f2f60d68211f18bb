package topictree

import "testing"

type testEvent struct {
	Data map[string]Value
}

func TestAddSingleTopic(t *testing.T) {
	tree := New[testEvent]()
	topics := []Value{"value1"}
	ch := tree.Add(1, topics)

	if len(tree.subs) != 0 {
		t.Fatalf("root should have no direct subs")
	}
	if len(tree.children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(tree.children))
	}

	ev := testEvent{Data: map[string]Value{"key1": "value1"}}
	tree.Dispatch(ev, topics)

	select {
	case got := <-ch:
		if got.Data["key1"] != "value1" {
			t.Fatalf("unexpected delivered event: %+v", got)
		}
	default:
		t.Fatal("expected delivered event")
	}
}

func TestAddMultipleTopics(t *testing.T) {
	tree := New[testEvent]()
	topics := []Value{"value1", "value2"}
	ch := tree.Add(1, topics)

	child, ok := tree.children["value1"]
	if !ok {
		t.Fatalf("expected child keyed by value1")
	}
	if len(child.children) != 1 {
		t.Fatalf("expected nested child, got %d", len(child.children))
	}

	ev := testEvent{Data: map[string]Value{"key1": "value1", "key2": "value2"}}
	tree.Dispatch(ev, topics)

	select {
	case got := <-ch:
		if got.Data["key2"] != "value2" {
			t.Fatalf("unexpected delivered event: %+v", got)
		}
	default:
		t.Fatal("expected delivered event")
	}
}

func TestAddWildcard(t *testing.T) {
	tree := New[testEvent]()
	topics := []Value{nil, "bob"}
	ch := tree.Add(1, topics)

	for _, actual := range [][]Value{
		{"alice", "bob"},
		{"carol", "bob"},
	} {
		tree.Dispatch(testEvent{Data: map[string]Value{"from": actual[0], "to": actual[1]}}, actual)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		default:
			t.Fatalf("expected delivery %d", i)
		}
	}

	// Not delivered: "to" differs.
	tree.Dispatch(testEvent{Data: map[string]Value{"from": "alice", "to": "dave"}}, []Value{"alice", "dave"})
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %+v", got)
	default:
	}
}

func TestRemoveSingleTopic(t *testing.T) {
	tree := New[testEvent]()
	topics := []Value{"value1"}
	tree.Add(1, topics)

	if !tree.Remove(1, topics) {
		t.Fatal("expected removal to report true")
	}
	if !tree.IsEmpty() {
		t.Fatal("expected tree to be empty after removing its only subscriber")
	}
}

func TestRemoveMultipleSubs(t *testing.T) {
	tree := New[testEvent]()
	topics1 := []Value{"value1"}
	topics2 := []Value{"value2"}

	tree.Add(1, topics1)
	tree.Add(2, topics2)

	if len(tree.children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(tree.children))
	}

	if !tree.Remove(1, topics1) {
		t.Fatal("expected removal of id 1")
	}
	if len(tree.children) != 1 {
		t.Fatalf("expected 1 child remaining, got %d", len(tree.children))
	}
	if _, ok := tree.children["value2"]; !ok {
		t.Fatal("expected value2's subtree to remain")
	}

	if !tree.Remove(2, topics2) {
		t.Fatal("expected removal of id 2")
	}
	if !tree.IsEmpty() {
		t.Fatal("expected tree fully empty")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	tree := New[testEvent]()
	if tree.Remove(99, []Value{"value1"}) {
		t.Fatal("expected removal of unknown id to report false")
	}
}
