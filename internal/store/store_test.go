package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "kontor.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("opening store: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Savepoint(ctx); err != nil {
		t.Fatalf("savepoint: %s", err)
	}
	contractID, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm bytes"))
	if err != nil {
		t.Fatalf("insert contract: %s", err)
	}
	if err := s.Set(ctx, contractID, "balances.alice", []byte("10"), 100, 0); err != nil {
		t.Fatalf("set: %s", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %s", err)
	}

	value, ok, err := s.Get(ctx, contractID, "balances.alice")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if !ok || string(value) != "10" {
		t.Fatalf("got (%q, %v), want (10, true)", value, ok)
	}

	if err := s.Savepoint(ctx); err != nil {
		t.Fatalf("savepoint: %s", err)
	}
	if err := s.Delete(ctx, contractID, "balances.alice", 101, 0); err != nil {
		t.Fatalf("delete: %s", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %s", err)
	}

	_, ok, err = s.Get(ctx, contractID, "balances.alice")
	if err != nil {
		t.Fatalf("get after delete: %s", err)
	}
	if ok {
		t.Fatalf("expected tombstoned path to be absent")
	}
}

func TestNestedSavepointRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	contractID, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "x", []byte("1"), 100, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "x", []byte("2"), 100, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("rolling back nested savepoint: %s", err)
	}

	if err := s.Commit(ctx); err != nil {
		t.Fatalf("committing outer: %s", err)
	}

	value, ok, err := s.Get(ctx, contractID, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("expected nested write to have been undone, got (%q, %v)", value, ok)
	}
}

func TestWriteWithoutSavepointFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm"))
	if err != ErrNoSavepoint {
		t.Fatalf("got err %v, want ErrNoSavepoint", err)
	}
}

func TestKeysUnderAndDeleteMatching(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	contractID, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm"))
	if err != nil {
		t.Fatal(err)
	}
	for i, path := range []string{"balances.alice", "balances.bob", "meta.name"} {
		if err := s.Set(ctx, contractID, path, []byte("v"), 100, uint32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err = s.KeysUnder(ctx, contractID, "balances.", func(path string, value []byte) error {
		seen = append(seen, path)
		return nil
	})
	if err != nil {
		t.Fatalf("keys_under: %s", err)
	}
	if len(seen) != 2 {
		t.Fatalf("got %d matching keys, want 2: %v", len(seen), seen)
	}

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteMatching(ctx, contractID, "^balances\\.", 101, 0)
	if err != nil {
		t.Fatalf("delete_matching: %s", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d paths, want 2", n)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	seen = nil
	err = s.KeysUnder(ctx, contractID, "balances.", func(path string, value []byte) error {
		seen = append(seen, path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Fatalf("expected no balances left, got %v", seen)
	}
}

func TestCheckpointChangesOnSecondMutationAtSameHeight(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	contractID, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "a", []byte("1"), 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "b", []byte("2"), 100, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	h1, ok, err := s.CheckpointHash(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("checkpoint hash at 100: ok=%v err=%v", ok, err)
	}

	// A second mutation at the same height must fold into, not replace,
	// the existing checkpoint.
	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "c", []byte("3"), 100, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	h2, ok, err := s.CheckpointHash(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("checkpoint hash after second mutation: ok=%v err=%v", ok, err)
	}
	if h1 == h2 {
		t.Fatalf("expected checkpoint to change after folding in a new mutation")
	}
}

func TestRollbackToHeight(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	contractID, err := s.InsertContract(ctx, "pool", 100, 0, []byte("wasm"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBlock(ctx, 100, []byte("hash100")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "a", []byte("1"), 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBlock(ctx, 101, []byte("hash101")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, contractID, "a", []byte("2"), 101, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Savepoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.RollbackToHeight(ctx, 100); err != nil {
		t.Fatalf("rollback_to_height: %s", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	height, ok, err := s.LatestHeight(ctx)
	if err != nil || !ok || height != 100 {
		t.Fatalf("got height=%d ok=%v err=%v, want 100", height, ok, err)
	}

	value, ok, err := s.Get(ctx, contractID, "a")
	if err != nil || !ok || string(value) != "1" {
		t.Fatalf("got (%q, %v), want (1, true) after rollback", value, ok)
	}

	if _, ok, err := s.CheckpointHash(ctx, 101); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("expected checkpoint at height 101 to have been rolled back")
	}
}
