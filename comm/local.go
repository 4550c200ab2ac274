package comm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds every receive of the in-process transport.
	DefaultTimeout = 30 * time.Second

	mailboxDepth = 256
)

// hub is the shared state of an in-process group: one mailbox per ordered rank pair.
type hub struct {
	id      string
	size    int
	timeout time.Duration
	mail    [][]chan Message // mail[to][from]
}

// Endpoint is one rank's handle onto an in-process group.
type Endpoint struct {
	hub  *hub
	rank int

	sentMessages atomic.Uint64
	sentBytes    atomic.Uint64
	recvMessages atomic.Uint64
}

// NewLocalGroup creates size endpoints connected by in-memory mailboxes.
// Each endpoint is meant to be driven by its own goroutine.
func NewLocalGroup(size int, timeout time.Duration) ([]*Endpoint, error) {
	if size < 1 {
		return nil, errors.Errorf("group size %d must be positive", size)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := &hub{
		id:      uuid.New().String(),
		size:    size,
		timeout: timeout,
		mail:    make([][]chan Message, size),
	}
	for to := range h.mail {
		h.mail[to] = make([]chan Message, size)
		for from := range h.mail[to] {
			h.mail[to][from] = make(chan Message, mailboxDepth)
		}
	}
	eps := make([]*Endpoint, size)
	for r := range eps {
		eps[r] = &Endpoint{hub: h, rank: r}
	}
	return eps, nil
}

// Single returns a one-rank group; every collective over it is a no-op exchange with itself.
func Single(timeout time.Duration) *Endpoint {
	eps, _ := NewLocalGroup(1, timeout)
	return eps[0]
}

func (e *Endpoint) ID() string { return e.hub.id }
func (e *Endpoint) Rank() int  { return e.rank }
func (e *Endpoint) Size() int  { return e.hub.size }

// Timeout is the receive timeout of the group.
func (e *Endpoint) Timeout() time.Duration { return e.hub.timeout }

// Send implements Group.
func (e *Endpoint) Send(ctx context.Context, to int, m Message) error {
	if to < 0 || to >= e.hub.size {
		return errors.Wrapf(ErrRank, "send to %d", to)
	}
	m.From = e.rank
	timer := time.NewTimer(e.hub.timeout)
	defer timer.Stop()
	select {
	case e.hub.mail[to][e.rank] <- m:
		e.sentMessages.Inc()
		e.sentBytes.Add(uint64(len(m.Payload)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Wrapf(ErrTimeout, "rank %d sending %s to %d", e.rank, m.Kind, to)
	}
}

// Recv implements Group.
func (e *Endpoint) Recv(ctx context.Context, from int, kind Kind) (Message, error) {
	if from < 0 || from >= e.hub.size {
		return Message{}, errors.Wrapf(ErrRank, "receive from %d", from)
	}
	timer := time.NewTimer(e.hub.timeout)
	defer timer.Stop()
	select {
	case m := <-e.hub.mail[e.rank][from]:
		e.recvMessages.Inc()
		if m.Kind != kind {
			return m, errors.Wrapf(ErrProtocol, "rank %d expected %s from %d, got %s", e.rank, kind, from, m.Kind)
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, errors.Wrapf(ErrTimeout, "rank %d waiting for %s from %d", e.rank, kind, from)
	}
}

// Stats reports the traffic seen by this endpoint.
func (e *Endpoint) Stats() (sentMessages, sentBytes, recvMessages uint64) {
	return e.sentMessages.Load(), e.sentBytes.Load(), e.recvMessages.Load()
}

// Run drives fn once per endpoint, each on its own goroutine, and returns the
// first error. A failing rank cancels the context handed to the others.
func Run(ctx context.Context, eps []*Endpoint, fn func(ctx context.Context, g Group) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		ep := ep
		eg.Go(func() error {
			return fn(ctx, ep)
		})
	}
	return eg.Wait()
}
