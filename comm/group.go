// Package comm is the message-passing boundary between octree workers.
//
// Every collective of the coordinator is expressed as typed messages exchanged
// point to point over a Group: partition summaries, balance change counters,
// marker deltas, octant record runs and migration acknowledgements. Messages
// between one ordered pair of ranks are delivered in FIFO order, which is all
// the protocols rely on.
//
// Collectives must be entered by every rank of the group in the same order.
// Desynchronized callers are not detected beyond the receive timeout of the
// transport, which is reported as ErrTimeout and is fatal to the collective.
package comm

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the protocol message type.
type Kind uint8

const (
	KindGather Kind = iota + 1
	KindPartitionInfo
	KindChangeCounter
	KindMarkerDelta
	KindOctantRecords
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindGather:
		return "gather"
	case KindPartitionInfo:
		return "partition-info"
	case KindChangeCounter:
		return "change-counter"
	case KindMarkerDelta:
		return "marker-delta"
	case KindOctantRecords:
		return "octant-records"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one envelope on the wire.
type Message struct {
	Kind    Kind
	From    int
	Payload []byte
}

var (
	// ErrTimeout is returned when a peer does not answer in time.
	ErrTimeout = errors.New("comm: timed out waiting for peer")

	// ErrProtocol is returned when a message of an unexpected kind arrives.
	ErrProtocol = errors.New("comm: protocol violation")

	// ErrRank is returned for a rank outside the group.
	ErrRank = errors.New("comm: rank out of range")
)

// Group is a process group of octree workers.
type Group interface {
	// ID identifies the group in logs.
	ID() string
	Rank() int
	Size() int

	// Send delivers m to rank to. It may block when the peer's mailbox is full.
	Send(ctx context.Context, to int, m Message) error

	// Recv blocks for the next message from rank from, which must be of the given kind.
	Recv(ctx context.Context, from int, kind Kind) (Message, error)

	// Stats reports the traffic seen by this rank so far.
	Stats() (sentMessages, sentBytes, recvMessages uint64)
}
