package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// recomputeCheckpoint re-derives the checkpoint hash for height,
// per spec.md §4.A:
//
//	H_n = SHA256(rowHash(state_n) ‖ H_{n-1})
//
// where rowHash(state_n) is, for a height with several mutations, the
// concatenation of each mutation's own row hash in insertion order —
// this is what lets a later mutation at an already-checkpointed height
// (a second op touching the same height) fold into the existing
// checkpoint rather than replace it outright. H_{n-1} is the hash of
// the nearest checkpoint at a lower height, or the empty string if
// height is the first height ever mutated.
func (s *Store) recomputeCheckpoint(ctx context.Context, w execer, height uint64) error {
	rows, err := w.QueryContext(ctx, `
		SELECT contract_id, path, value, deleted FROM contract_state
		WHERE height = ? ORDER BY id`, height)
	if err != nil {
		return errors.Wrap(err, "reading mutations for checkpoint")
	}

	var concat []byte
	for rows.Next() {
		var (
			contractID int64
			path       string
			value      []byte
			deleted    bool
		)
		if err := rows.Scan(&contractID, &path, &value, &deleted); err != nil {
			rows.Close()
			return errors.Wrap(err, "scanning mutation row")
		}
		concat = append(concat, rowHash(contractID, path, value, deleted)...)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	prev, err := s.prevCheckpointHash(ctx, w, height)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(append(concat, prev...))
	hexHash := strings.ToUpper(hex.EncodeToString(sum[:]))

	_, err = w.ExecContext(ctx, `
		INSERT INTO checkpoints (height, hash) VALUES (?, ?)
		ON CONFLICT(height) DO UPDATE SET hash = excluded.hash`, height, hexHash)
	return errors.Wrapf(err, "upserting checkpoint at height %d", height)
}

// prevCheckpointHash returns the raw bytes of the checkpoint hash at
// the greatest height strictly below height, or nil if none exists.
func (s *Store) prevCheckpointHash(ctx context.Context, w execer, height uint64) ([]byte, error) {
	var hexHash string
	err := w.QueryRowContext(ctx, `
		SELECT hash FROM checkpoints WHERE height < ? ORDER BY height DESC LIMIT 1`, height).Scan(&hexHash)
	if err != nil {
		if errNoRows(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading previous checkpoint")
	}
	return hex.DecodeString(hexHash)
}

// rowHash is the per-mutation hash folded into a checkpoint:
//
//	SHA256(contract_id (8-byte big-endian) ‖ path (UTF-8) ‖ uppercase-hex(value) ‖ deleted (0x00/0x01))
func rowHash(contractID int64, path string, value []byte, deleted bool) []byte {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(contractID))
	h.Write(idBuf[:])
	h.Write([]byte(path))
	h.Write([]byte(strings.ToUpper(hex.EncodeToString(value))))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// CheckpointHash returns the hex-encoded checkpoint hash at height, if any.
func (s *Store) CheckpointHash(ctx context.Context, height uint64) (string, bool, error) {
	var hexHash string
	err := s.reader().QueryRowContext(ctx, `SELECT hash FROM checkpoints WHERE height = ?`, height).Scan(&hexHash)
	if errNoRows(err) {
		return "", false, nil
	}
	return hexHash, err == nil, errors.Wrap(err, "reading checkpoint hash")
}

func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
