// Package store implements the transactional, versioned KV described in
// spec.md §4.A: a local embedded SQL engine holding contract state keyed
// by (contract_id, path), versioned by (height, tx_index), with a
// rolling SHA-256 checkpoint chain over every mutation.
//
// Grounded on the teacher's store/store.go (sql.DB-backed BlockStore
// with height bookkeeping) generalized from "one row per block" to
// "one row per state mutation", using github.com/mattn/go-sqlite3 and
// github.com/bobg/sqlutil the way the teacher does.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"
)

// ErrNoSavepoint is returned by a write operation attempted outside an
// open savepoint — per spec.md §4.A, "Writes outside any savepoint are
// a programming error."
var ErrNoSavepoint = errors.New("store: write attempted with no open savepoint")

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the savepoint-disciplined, versioned KV store. One Store is
// owned by the reactor; reads may be shared, writes are single-writer.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	mu         sync.Mutex
	tx         *sql.Tx
	savepoints []string
	counter    int
}

// Open creates (or attaches to) the sqlite database at path, creating
// the schema if absent, and returns a ready Store.
func Open(path string) (*Store, error) {
	registerDriver()

	writeDB, err := sql.Open(driverName, path)
	if err != nil {
		return nil, errors.Wrap(err, "opening write handle")
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open(driverName, "file:"+path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "opening read pool")
	}
	readDB.SetMaxOpenConns(4)

	if _, err := writeDB.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}

	return &Store{writeDB: writeDB, readDB: readDB}, nil
}

// Close releases both underlying database handles.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// writer returns the currently open transaction, or ErrNoSavepoint if
// none is open.
func (s *Store) writer() (execer, error) {
	if s.tx == nil {
		return nil, ErrNoSavepoint
	}
	return s.tx, nil
}

// reader returns the open transaction if one exists (so readers inside
// a write see their own uncommitted writes), otherwise the shared
// read-only pool.
func (s *Store) reader() execer {
	if s.tx != nil {
		return s.tx
	}
	return s.readDB
}

// Savepoint opens a new nested savepoint, or — if no transaction is
// currently open — a new top-level transaction. Per spec.md §4.A, "The
// first savepoint opens a top-level transaction; subsequent savepoints
// open nested savepoints."
func (s *Store) Savepoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "opening transaction")
		}
		s.tx = tx
		return nil
	}

	s.counter++
	name := fmt.Sprintf("S%d", s.counter)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrapf(err, "opening savepoint %s", name)
	}
	s.savepoints = append(s.savepoints, name)
	return nil
}

// Commit releases the innermost open savepoint, or commits the
// top-level transaction if the savepoint stack is empty.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.savepoints); n > 0 {
		name := s.savepoints[n-1]
		s.savepoints = s.savepoints[:n-1]
		_, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return errors.Wrapf(err, "releasing savepoint %s", name)
	}
	if s.tx == nil {
		return ErrNoSavepoint
	}
	tx := s.tx
	s.tx = nil
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Rollback reverts the innermost open savepoint, or rolls back the
// whole top-level transaction if the savepoint stack is empty.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.savepoints); n > 0 {
		name := s.savepoints[n-1]
		s.savepoints = s.savepoints[:n-1]
		if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return errors.Wrapf(err, "rolling back to savepoint %s", name)
		}
		_, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return errors.Wrapf(err, "releasing savepoint %s after rollback", name)
	}
	if s.tx == nil {
		return ErrNoSavepoint
	}
	tx := s.tx
	s.tx = nil
	s.savepoints = nil
	return errors.Wrap(tx.Rollback(), "rolling back transaction")
}

// RollbackAll discards the entire open transaction regardless of
// savepoint depth — used on cancellation, where the reactor gives up
// on the in-flight block rather than unwinding savepoint by savepoint.
func (s *Store) RollbackAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	s.savepoints = nil
	return errors.Wrap(tx.Rollback(), "rolling back transaction")
}

// Exec runs a write query against the currently open transaction — a
// low-level escape hatch for sibling packages (filestore) that keep
// their own tables but must participate in the same savepoint.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	w, err := s.writer()
	if err != nil {
		return nil, err
	}
	return w.ExecContext(ctx, query, args...)
}

// Query runs a read query, sharing the open transaction if any.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.reader().QueryContext(ctx, query, args...)
}

// Get returns the current value at (contractID, path), or ok=false if
// the path is absent (no row, or the latest row is a tombstone).
func (s *Store) Get(ctx context.Context, contractID int64, path string) (value []byte, ok bool, err error) {
	const q = `
		SELECT value, deleted FROM contract_state
		WHERE contract_id = ? AND path = ?
		ORDER BY height DESC, tx_index DESC LIMIT 1`
	var deleted bool
	err = s.reader().QueryRowContext(ctx, q, contractID, path).Scan(&value, &deleted)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "getting contract state")
	}
	if deleted {
		return nil, false, nil
	}
	return value, true, nil
}

// Exists reports whether a non-tombstoned value exists at (contractID, path).
func (s *Store) Exists(ctx context.Context, contractID int64, path string) (bool, error) {
	_, ok, err := s.Get(ctx, contractID, path)
	return ok, err
}

// Set writes a new current value at (contractID, path), versioned by
// (height, txIndex), and re-derives the checkpoint for height.
func (s *Store) Set(ctx context.Context, contractID int64, path string, value []byte, height uint64, txIndex uint32) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	const q = `INSERT INTO contract_state (contract_id, path, height, tx_index, value, deleted) VALUES (?,?,?,?,?,0)`
	if _, err := w.ExecContext(ctx, q, contractID, path, height, txIndex, value); err != nil {
		return errors.Wrap(err, "setting contract state")
	}
	return s.recomputeCheckpoint(ctx, w, height)
}

// Delete tombstones (contractID, path) at (height, txIndex).
func (s *Store) Delete(ctx context.Context, contractID int64, path string, height uint64, txIndex uint32) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	const q = `INSERT INTO contract_state (contract_id, path, height, tx_index, value, deleted) VALUES (?,?,?,?,NULL,1)`
	if _, err := w.ExecContext(ctx, q, contractID, path, height, txIndex); err != nil {
		return errors.Wrap(err, "deleting contract state")
	}
	return s.recomputeCheckpoint(ctx, w, height)
}

// KeysUnder streams every currently-live path under the given prefix,
// invoking fn for each (path, value). It is "lazy" in the sense that
// rows are streamed via sqlutil.ForQueryRows rather than materialized
// up front — matching the teacher's pin.go/export.go use of
// sqlutil.ForQueryRows for bulk scans.
func (s *Store) KeysUnder(ctx context.Context, contractID int64, prefix string, fn func(path string, value []byte) error) error {
	const q = `
		SELECT cs.path, cs.value FROM contract_state cs
		WHERE cs.contract_id = ? AND cs.path LIKE ? AND cs.deleted = 0
		AND cs.id = (
			SELECT id FROM contract_state cs2
			WHERE cs2.contract_id = cs.contract_id AND cs2.path = cs.path
			ORDER BY height DESC, tx_index DESC LIMIT 1
		)
		ORDER BY cs.path`
	return sqlutil.ForQueryRows(ctx, s.reader(), q, contractID, prefix+"%", func(path string, value []byte) error {
		return fn(path, value)
	})
}

// DeleteMatching deletes every currently-live path under contractID
// whose name matches the regular expression re, versioning the
// tombstones at (height, txIndex), and returns the count removed.
func (s *Store) DeleteMatching(ctx context.Context, contractID int64, re string, height uint64, txIndex uint32) (int, error) {
	w, err := s.writer()
	if err != nil {
		return 0, err
	}
	const sel = `
		SELECT cs.path FROM contract_state cs
		WHERE cs.contract_id = ? AND cs.deleted = 0 AND cs.path REGEXP ?
		AND cs.id = (
			SELECT id FROM contract_state cs2
			WHERE cs2.contract_id = cs.contract_id AND cs2.path = cs.path
			ORDER BY height DESC, tx_index DESC LIMIT 1
		)`
	rows, err := w.QueryContext(ctx, sel, contractID, re)
	if err != nil {
		return 0, errors.Wrap(err, "selecting paths for delete_matching")
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scanning path")
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	for _, p := range paths {
		if err := s.Delete(ctx, contractID, p, height, txIndex); err != nil {
			return 0, err
		}
	}
	return len(paths), nil
}

// InsertBlock records a processed block's (height, hash).
func (s *Store) InsertBlock(ctx context.Context, height uint64, hash []byte) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, `INSERT INTO blocks (height, hash) VALUES (?,?)`, height, hash)
	return errors.Wrapf(err, "inserting block %d", height)
}

// BlockHash returns the hash stored for height, or ok=false if absent.
func (s *Store) BlockHash(ctx context.Context, height uint64) (hash []byte, ok bool, err error) {
	err = s.reader().QueryRowContext(ctx, `SELECT hash FROM blocks WHERE height = ?`, height).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return hash, err == nil, errors.Wrap(err, "reading block hash")
}

// HeightForHash resolves a block hash to its persisted height, or
// ok=false if no processed block carries that hash — used by the
// reactor to turn a hash-named BlockRemove into a height to roll back
// to (spec.md §3's (height, hash) block identity).
func (s *Store) HeightForHash(ctx context.Context, hash []byte) (height uint64, ok bool, err error) {
	err = s.reader().QueryRowContext(ctx, `SELECT height FROM blocks WHERE hash = ?`, hash).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return height, err == nil, errors.Wrap(err, "resolving height for hash")
}

// LatestHeight returns the highest persisted block height, or
// ok=false if the store holds no blocks yet.
func (s *Store) LatestHeight(ctx context.Context) (height uint64, ok bool, err error) {
	var h sql.NullInt64
	err = s.reader().QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&h)
	if err != nil {
		return 0, false, errors.Wrap(err, "reading latest height")
	}
	if !h.Valid {
		return 0, false, nil
	}
	return uint64(h.Int64), true, nil
}

// InsertContract installs a contract, returning its auto-assigned id.
// Re-installing the same (name, height, txIndex) is a no-op that
// returns the existing id, per spec.md §8's re-init idempotence property.
func (s *Store) InsertContract(ctx context.Context, name string, height uint64, txIndex uint32, bytes []byte) (int64, error) {
	w, err := s.writer()
	if err != nil {
		return 0, err
	}
	_, err = w.ExecContext(ctx, `INSERT OR IGNORE INTO contracts (name, height, tx_index, bytes) VALUES (?,?,?,?)`, name, height, txIndex, bytes)
	if err != nil {
		return 0, errors.Wrap(err, "inserting contract")
	}
	var id int64
	err = w.QueryRowContext(ctx, `SELECT id FROM contracts WHERE name=? AND height=? AND tx_index=?`, name, height, txIndex).Scan(&id)
	return id, errors.Wrap(err, "reading contract id")
}

// ContractByAddress resolves a (name, height, txIndex) address to its
// contract_id and compressed bytes.
func (s *Store) ContractByAddress(ctx context.Context, name string, height uint64, txIndex uint32) (id int64, bytes []byte, err error) {
	const q = `SELECT id, bytes FROM contracts WHERE name=? AND height=? AND tx_index=?`
	err = s.reader().QueryRowContext(ctx, q, name, height, txIndex).Scan(&id, &bytes)
	return id, bytes, errors.Wrap(err, "resolving contract address")
}

// ContractAddress resolves a contract_id back to its textual
// (name, height, tx_index) address — the reverse of ContractByAddress,
// used when wiring a contract-emitted event (which only names the
// contract_id it was produced from) onto subscribe.EventBus's
// address-keyed fan-out.
func (s *Store) ContractAddress(ctx context.Context, contractID int64) (string, error) {
	var (
		name    string
		height  uint64
		txIndex uint32
	)
	const q = `SELECT name, height, tx_index FROM contracts WHERE id=?`
	err := s.reader().QueryRowContext(ctx, q, contractID).Scan(&name, &height, &txIndex)
	if err != nil {
		return "", errors.Wrap(err, "resolving contract address")
	}
	return fmt.Sprintf("%s@%d:%d", name, height, txIndex), nil
}

// ContractBytes loads the compressed component bytes for a contract_id.
func (s *Store) ContractBytes(ctx context.Context, contractID int64) ([]byte, error) {
	var bytes []byte
	err := s.reader().QueryRowContext(ctx, `SELECT bytes FROM contracts WHERE id=?`, contractID).Scan(&bytes)
	return bytes, errors.Wrap(err, "loading contract bytes")
}

// InsertResult persists one op's outcome. A nil value denotes failure.
func (s *Store) InsertResult(ctx context.Context, height uint64, txIndex uint32, txid []byte, inputIndex, opIndex, resultIndex int, contractID *int64, funcName string, gasUsed uint64, value []byte) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO contract_results
			(height, tx_index, input_index, op_index, result_index, txid, contract_id, func, gas_used, value)
		VALUES (?,?,?,?,?,?,?,?,?,?)`
	_, err = w.ExecContext(ctx, q, height, txIndex, inputIndex, opIndex, resultIndex, txid, contractID, funcName, gasUsed, value)
	return errors.Wrap(err, "inserting op result")
}

// ResultByKey looks up an already-persisted op result by its
// (txid, input_index, op_index) key, used to serve a one-shot result
// subscription that arrives after the result already landed (spec.md
// §4.G: "if the result is already persisted at subscription time, it
// is delivered immediately").
func (s *Store) ResultByKey(ctx context.Context, txid []byte, inputIndex, opIndex int) (contractID int64, funcName string, gasUsed uint64, value []byte, found bool, err error) {
	const q = `
		SELECT contract_id, func, gas_used, value FROM contract_results
		WHERE txid = ? AND input_index = ? AND op_index = ?`
	var cid sql.NullInt64
	err = s.reader().QueryRowContext(ctx, q, txid, inputIndex, opIndex).Scan(&cid, &funcName, &gasUsed, &value)
	if err == sql.ErrNoRows {
		return 0, "", 0, nil, false, nil
	}
	if err != nil {
		return 0, "", 0, nil, false, errors.Wrap(err, "looking up op result")
	}
	return cid.Int64, funcName, gasUsed, value, true, nil
}

// RollbackToHeight cascade-deletes every row (blocks, contract_state,
// checkpoints, contract_results, file_metadata, challenges) with
// height > h, per spec.md §4.F's rollback procedure. Must be called
// within an open savepoint. In-memory mirrors of those tables (e.g.
// filestore's Ledger) are not touched and must be rebuilt by the caller.
func (s *Store) RollbackToHeight(ctx context.Context, h uint64) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	for _, table := range []string{"blocks", "contract_state", "checkpoints", "contract_results", "file_metadata", "challenges"} {
		if _, err := w.ExecContext(ctx, "DELETE FROM "+table+" WHERE height > ?", h); err != nil {
			return errors.Wrapf(err, "rolling back table %s to height %d", table, h)
		}
	}
	return nil
}
