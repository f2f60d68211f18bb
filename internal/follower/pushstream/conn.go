package pushstream

import (
	"time"

	"github.com/lightninglabs/gozmq"
)

// zmqConn is the minimal surface Subscriber needs from a live
// subscription socket, narrowed so tests can fake it without a real
// ZMQ publisher.
type zmqConn interface {
	ReceiveEvent() ([][]byte, error)
	Close() error
}

// dialZMQ opens a SUB connection to addr subscribed to the sequence
// and rawtx topics, per spec.md §6. gozmq is a pure-Go ZMTP client
// (manifests/backend-engineer1-land) rather than a libzmq binding, so
// it has no separate monitor-socket concept; Subscriber synthesizes
// KindConnected once this dial succeeds instead of waiting on a second
// PAIR socket's handshake event.
func dialZMQ(addr string, rcvTimeout time.Duration) (zmqConn, error) {
	return gozmq.NewConn(addr, rcvTimeout, topicSequence, topicRawTx)
}
