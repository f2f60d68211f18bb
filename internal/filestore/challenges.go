package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/kontor-chain/kontor/internal/store"
)

// ChallengeDeadlineBlocks is the number of blocks a selected node has
// to respond to a storage challenge before it expires, per spec.md
// §4.F step 4 (~2 weeks at 10-minute blocks).
const ChallengeDeadlineBlocks = 2016

// challengeThreshold is the probability byte threshold from spec.md
// §4.F: an agreement is challenged in a given block when
// seed[0] < threshold. Grounded on
// _examples/original_source/core/indexer/src/reactor/challenges.rs's
// ChallengeConfig default (challenge_probability: 10, "~4% per block").
const challengeThreshold = 10

// Agreement is an active storage agreement eligible for challenge
// selection: the set of nodes holding replicas and the file's Merkle
// depth (chunk count = 2^Depth).
type Agreement struct {
	ID    string
	Depth uint
	Nodes []string
}

// Challenge is one generated, persisted challenge row.
type Challenge struct {
	ChallengeID [32]byte
	AgreementID string
	Height      uint64
	NodeID      string
	ChunkStart  uint64
	ChunkEnd    uint64
	Deadline    uint64
}

// GenerateChallenges derives and persists challenges for every active
// agreement whose seed byte 0 falls below challengeThreshold, per
// spec.md §4.F step 4:
//
//	seed = SHA256(blockHash ‖ "kontor_challenge" ‖ agreementID)
//
// Node selection uses seed bytes 1..9 (little-endian uint64 mod
// len(nodes)); chunk selection uses seed bytes 9..17 (little-endian
// uint64 mod 2^Depth), matching
// _examples/original_source/core/indexer/src/reactor/challenges.rs.
func GenerateChallenges(ctx context.Context, st *store.Store, blockHash [32]byte, height uint64, agreements []Agreement) ([]Challenge, error) {
	var out []Challenge
	for _, a := range agreements {
		if len(a.Nodes) == 0 {
			continue
		}
		seed := challengeSeed(blockHash, a.ID)
		if seed[0] >= challengeThreshold {
			continue
		}

		nodeIdx := binary.LittleEndian.Uint64(seed[1:9]) % uint64(len(a.Nodes))
		node := a.Nodes[nodeIdx]

		chunkCount := uint64(1) << a.Depth
		chunkIdx := binary.LittleEndian.Uint64(seed[9:17]) % chunkCount

		c := Challenge{
			ChallengeID: challengeID(seed, node, chunkIdx),
			AgreementID: a.ID,
			Height:      height,
			NodeID:      node,
			ChunkStart:  chunkIdx,
			ChunkEnd:    chunkIdx + 1,
			Deadline:    height + ChallengeDeadlineBlocks,
		}
		if err := insertChallenge(ctx, st, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// challengeSeed derives the deterministic per-agreement seed.
func challengeSeed(blockHash [32]byte, agreementID string) [32]byte {
	h := sha256.New()
	h.Write(blockHash[:])
	h.Write([]byte("kontor_challenge"))
	h.Write([]byte(agreementID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// challengeID derives a unique, reproducible id for a generated challenge.
func challengeID(seed [32]byte, nodeID string, chunkIndex uint64) [32]byte {
	h := sha256.New()
	h.Write(seed[:])
	h.Write([]byte(nodeID))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], chunkIndex)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func insertChallenge(ctx context.Context, st *store.Store, c Challenge) error {
	_, err := st.Exec(ctx, `
		INSERT INTO challenges (challenge_id, agreement_id, height, node_id, chunk_start, chunk_end, deadline, status)
		VALUES (?,?,?,?,?,?,?, 'pending')`,
		c.ChallengeID[:], c.AgreementID, c.Height, c.NodeID, c.ChunkStart, c.ChunkEnd, c.Deadline)
	return errors.Wrapf(err, "inserting challenge %s", hex.EncodeToString(c.ChallengeID[:]))
}

// ExpireChallenges marks every still-pending challenge whose deadline
// has passed as expired, per spec.md §4.F step 5, and returns the
// count expired.
func ExpireChallenges(ctx context.Context, st *store.Store, currentHeight uint64) (int, error) {
	res, err := st.Exec(ctx, `
		UPDATE challenges SET status = 'expired'
		WHERE status = 'pending' AND deadline <= ?`, currentHeight)
	if err != nil {
		return 0, errors.Wrap(err, "expiring challenges")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "reading rows affected")
}

// PendingChallenge reports a single outstanding challenge row, used by
// tests and by external responders polling for work.
type PendingChallenge struct {
	Challenge
	Status string
}

// ListPending returns every challenge still awaiting a response,
// height-ascending.
func ListPending(ctx context.Context, st *store.Store) ([]PendingChallenge, error) {
	rows, err := st.Query(ctx, `
		SELECT challenge_id, agreement_id, height, node_id, chunk_start, chunk_end, deadline, status
		FROM challenges WHERE status = 'pending' ORDER BY height`)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending challenges")
	}
	defer rows.Close()

	var out []PendingChallenge
	for rows.Next() {
		var (
			p    PendingChallenge
			idBz []byte
		)
		if err := rows.Scan(&idBz, &p.AgreementID, &p.Height, &p.NodeID, &p.ChunkStart, &p.ChunkEnd, &p.Deadline, &p.Status); err != nil {
			return nil, errors.Wrap(err, "scanning challenge row")
		}
		copy(p.ChallengeID[:], idBz)
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterating pending challenges")
}
