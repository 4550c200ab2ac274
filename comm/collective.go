package comm

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// AllGather sends payload to every rank and returns the payloads of all ranks
// indexed by rank. The caller's own payload is returned without a round trip.
func AllGather(ctx context.Context, g Group, kind Kind, payload []byte) ([][]byte, error) {
	n, me := g.Size(), g.Rank()
	out := make([][]byte, n)
	out[me] = payload
	if n == 1 {
		return out, nil
	}
	for r := 0; r < n; r++ {
		if r == me {
			continue
		}
		if err := g.Send(ctx, r, Message{Kind: kind, Payload: payload}); err != nil {
			return nil, errors.Wrapf(err, "all-gather %s", kind)
		}
	}
	for r := 0; r < n; r++ {
		if r == me {
			continue
		}
		m, err := g.Recv(ctx, r, kind)
		if err != nil {
			return nil, errors.Wrapf(err, "all-gather %s", kind)
		}
		out[r] = m.Payload
	}
	return out, nil
}

// AllReduceSum sums a per-rank change counter across the group. round is
// carried in the message so a stale counter from a previous round is caught.
func AllReduceSum(ctx context.Context, g Group, round uint32, v uint64) (uint64, error) {
	b, err := ChangeCounter{Round: round, Changed: v}.MarshalMsg(nil)
	if err != nil {
		return 0, err
	}
	all, err := AllGather(ctx, g, KindChangeCounter, b)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for r, p := range all {
		var cc ChangeCounter
		if _, err := cc.UnmarshalMsg(p); err != nil {
			return 0, errors.Wrapf(err, "decoding change counter from %d", r)
		}
		if cc.Round != round {
			return 0, errors.Wrapf(ErrProtocol, "rank %d is in round %d, expected %d", r, cc.Round, round)
		}
		sum += cc.Changed
	}
	return sum, nil
}

// Exchange sends out[r] to every rank r in out and receives one message of
// kind from every rank listed in from. Sends run concurrently with receives so
// that symmetric exchanges cannot deadlock on full mailboxes.
func Exchange(ctx context.Context, g Group, kind Kind, out map[int][]byte, from []int) (map[int][]byte, error) {
	targets := make([]int, 0, len(out))
	for r := range out {
		targets = append(targets, r)
	}
	sort.Ints(targets)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for _, r := range targets {
			if err := g.Send(ctx, r, Message{Kind: kind, Payload: out[r]}); err != nil {
				return errors.Wrapf(err, "exchange %s", kind)
			}
		}
		return nil
	})

	in := make(map[int][]byte, len(from))
	eg.Go(func() error {
		for _, r := range from {
			m, err := g.Recv(ctx, r, kind)
			if err != nil {
				return errors.Wrapf(err, "exchange %s", kind)
			}
			in[r] = m.Payload
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}
