package pushstream

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/kontor-chain/kontor/internal/block"
)

// Topic names the push-stream subscribes to, per spec.md §6.
const (
	topicSequence = "sequence"
	topicRawTx    = "rawtx"
)

type dataKind int

const (
	dataBlockConnected dataKind = iota
	dataBlockDisconnected
	dataTxAdded
	dataTxRemoved
	dataRawTx
)

// dataMessage is one decoded payload from either topic, prior to RPC
// resolution or txid-filtering.
type dataMessage struct {
	kind       dataKind
	hash       block.Hash // block hash (Block*) or txid (Tx*)
	mempoolSeq uint64     // set for dataTxAdded/dataTxRemoved
	rawTx      []byte     // set for dataRawTx
}

// parseZMQMessage decodes one 3-frame multipart message — [topic,
// payload, seq_be32?] per spec.md §4.D — into an optional per-publish
// sequence number (set only for the "sequence" topic) and the decoded
// payload.
func parseZMQMessage(parts [][]byte) (*uint32, *dataMessage, error) {
	if len(parts) != 3 {
		return nil, nil, errors.Errorf("zmq message: want 3 frames, got %d", len(parts))
	}
	topic, payload, seqFrame := string(parts[0]), parts[1], parts[2]

	switch topic {
	case topicRawTx:
		return nil, &dataMessage{kind: dataRawTx, rawTx: payload}, nil
	case topicSequence:
		if len(seqFrame) != 4 {
			return nil, nil, errors.Errorf("sequence message: bad sequence-number frame length %d", len(seqFrame))
		}
		sn := binary.LittleEndian.Uint32(seqFrame)
		dm, err := parseSequencePayload(payload)
		if err != nil {
			return nil, nil, err
		}
		return &sn, dm, nil
	default:
		return nil, nil, errors.Errorf("zmq message: unknown topic %q", topic)
	}
}

func parseSequencePayload(payload []byte) (*dataMessage, error) {
	if len(payload) < 33 {
		return nil, errors.Errorf("sequence payload too short (%d bytes)", len(payload))
	}
	var hash block.Hash
	copy(hash[:], payload[:32])
	flag := payload[32]

	switch {
	case flag == 'C' && len(payload) == 33:
		return &dataMessage{kind: dataBlockConnected, hash: hash}, nil
	case flag == 'D' && len(payload) == 33:
		return &dataMessage{kind: dataBlockDisconnected, hash: hash}, nil
	case flag == 'A' && len(payload) == 41:
		return &dataMessage{kind: dataTxAdded, hash: hash, mempoolSeq: binary.LittleEndian.Uint64(payload[33:41])}, nil
	case flag == 'R' && len(payload) == 41:
		return &dataMessage{kind: dataTxRemoved, hash: hash, mempoolSeq: binary.LittleEndian.Uint64(payload[33:41])}, nil
	default:
		return nil, errors.Errorf("sequence payload: unrecognized flag %q (len %d)", flag, len(payload))
	}
}
