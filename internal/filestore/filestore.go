// Package filestore implements the proof-of-retrievability module
// supplemented from _examples/original_source/core/indexer/src/runtime/file_ledger.rs
// and src/reactor/challenges.rs (spec.md §12): file metadata with an
// append-only historical-root ledger, and deterministic per-block
// challenge generation/expiry for storage agreements (spec.md §4.F
// steps 4-5).
//
// Grounded on the teacher's store/store.go pattern of a thin struct
// wrapping *store.Store for a sibling set of tables that must
// participate in the reactor's savepoint — filestore never opens its
// own transactions, it rides the caller's.
package filestore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kontor-chain/kontor/internal/store"
)

// FileMetadata is one row of the file ledger: a Merkle root over a
// padded file, plus the historical root the ledger chain pushed when
// this file was added (spec.md §3).
type FileMetadata struct {
	FileID         string
	MerkleRoot     [32]byte
	PaddedLen      uint64
	OriginalSize   uint64
	HistoricalRoot *[32]byte
	Height         uint64
}

// Ledger is the in-memory mirror of file_metadata, rebuilt from the
// database on startup and after every rollback (spec.md §9's resolved
// Open Question: historical roots are recomputed, not trusted, across
// rewinds).
type Ledger struct {
	store *store.Store

	mu      sync.RWMutex
	entries []FileMetadata
}

// NewLedger constructs an empty Ledger bound to st. Call Rebuild once
// at startup to populate it from persisted state.
func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Rebuild reloads every file_metadata row height-ascending and
// replaces the in-memory entry list — the "resync_from_db" operation
// the original source's file_ledger.rs performs after a rollback.
func (l *Ledger) Rebuild(ctx context.Context) error {
	rows, err := l.store.Query(ctx, `
		SELECT file_id, merkle_root, padded_len, original_size, historical_root, height
		FROM file_metadata ORDER BY height, id`)
	if err != nil {
		return errors.Wrap(err, "querying file metadata")
	}
	defer rows.Close()

	var entries []FileMetadata
	for rows.Next() {
		var (
			fm     FileMetadata
			root   []byte
			hist   []byte
			height uint64
		)
		if err := rows.Scan(&fm.FileID, &root, &fm.PaddedLen, &fm.OriginalSize, &hist, &height); err != nil {
			return errors.Wrap(err, "scanning file metadata row")
		}
		copy(fm.MerkleRoot[:], root)
		fm.Height = height
		if hist != nil {
			var h [32]byte
			copy(h[:], hist)
			fm.HistoricalRoot = &h
		}
		entries = append(entries, fm)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// CurrentRoot returns the most recently added file's Merkle root, the
// ledger's "current" root — the pre-modification root that the next
// AddFile call will push onto the historical list.
func (l *Ledger) CurrentRoot() ([32]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return [32]byte{}, false
	}
	return l.entries[len(l.entries)-1].MerkleRoot, true
}

// AddFile appends metadata at height, capturing the ledger's
// pre-modification root as this entry's HistoricalRoot (nil if the
// ledger was empty), and persists the row within the caller's open
// savepoint.
func (l *Ledger) AddFile(ctx context.Context, fileID string, merkleRoot [32]byte, paddedLen, originalSize, height uint64) error {
	prevRoot, hadPrev := l.CurrentRoot()

	var histBytes []byte
	if hadPrev {
		histBytes = prevRoot[:]
	}
	_, err := l.store.Exec(ctx, `
		INSERT INTO file_metadata (file_id, merkle_root, padded_len, original_size, historical_root, height)
		VALUES (?,?,?,?,?,?)`,
		fileID, merkleRoot[:], paddedLen, originalSize, histBytes, height)
	if err != nil {
		return errors.Wrap(err, "inserting file metadata")
	}

	entry := FileMetadata{FileID: fileID, MerkleRoot: merkleRoot, PaddedLen: paddedLen, OriginalSize: originalSize, Height: height}
	if hadPrev {
		root := prevRoot
		entry.HistoricalRoot = &root
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return nil
}

// HistoricalRoots returns every pushed historical root, oldest first.
func (l *Ledger) HistoricalRoots() [][32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out [][32]byte
	for _, e := range l.entries {
		if e.HistoricalRoot != nil {
			out = append(out, *e.HistoricalRoot)
		}
	}
	return out
}

