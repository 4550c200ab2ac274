package paratree

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/octforest/comm"
	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/partitions"
)

// planRuns decides where each local octant goes. Without weights every worker
// receives an equal count; with weights an equal share of the total weight.
// Invalid weights on any worker fail the call on every worker.
func (pt *ParaTree) planRuns(ctx context.Context, weights []float64) (partitions.PartitionStrategy, []partitions.Run, error) {
	n, me := pt.group.Size(), pt.Rank()
	count := pt.tree.Len()
	first := pt.layout.FirstGlobalIdx[me]
	block := func() (partitions.PartitionStrategy, []partitions.Run, error) {
		target := partitions.BlockCounts(pt.layout.TotalOctants, n)
		return partitions.BlockPartition, partitions.BlockRuns(first, count, target), nil
	}
	if weights == nil {
		return block()
	}

	valid := uint64(1)
	var localErr error
	if len(weights) != count {
		localErr = errors.Errorf("%d weights for %d octants", len(weights), count)
	}
	for i, w := range weights {
		if localErr == nil && (w < 0 || math.IsNaN(w) || math.IsInf(w, 0)) {
			localErr = errors.Errorf("weight %d is invalid: %v", i, w)
		}
	}
	sum := 0.0
	if localErr != nil {
		valid = 0
	} else {
		sum = floats.Sum(weights)
	}
	b, err := comm.Uint64s{math.Float64bits(sum), valid}.MarshalMsg(nil)
	if err != nil {
		return 0, nil, err
	}
	all, err := comm.AllGather(ctx, pt.group, comm.KindGather, b)
	if err != nil {
		return 0, nil, err
	}
	sums := make([]float64, n)
	for r, p := range all {
		var v comm.Uint64s
		if _, err := v.UnmarshalMsg(p); err != nil || len(v) != 2 {
			return 0, nil, errors.Wrapf(comm.ErrProtocol, "decoding weight sum of rank %d", r)
		}
		if v[1] == 0 {
			if localErr != nil {
				return 0, nil, localErr
			}
			return 0, nil, errors.Errorf("rank %d supplied invalid weights", r)
		}
		sums[r] = math.Float64frombits(v[0])
	}
	prefix := make([]float64, n)
	floats.CumSum(prefix, sums)
	total := prefix[n-1]
	if total == 0 {
		return block()
	}
	lo := 0.0
	if me > 0 {
		lo = prefix[me-1]
	}
	runs, err := partitions.WeightedRuns(lo, prefix[me], weights, total, n)
	return partitions.WeightedPartition, runs, err
}

// LoadBalance redistributes the global sequence so every worker owns an
// equal count of octants, or an equal share of weights when given (one
// weight per local octant). Octants move as contiguous runs; a sender drops a
// run only after its destination acknowledged it. The partition table and
// ghosts are rebuilt. It is a collective call.
func (pt *ParaTree) LoadBalance(ctx context.Context, weights []float64) (*partitions.Plan, error) {
	if pt.dirty {
		if err := pt.rebuild(ctx); err != nil {
			return nil, errors.Wrap(err, "load balance")
		}
	}
	n, me := pt.group.Size(), pt.Rank()
	strategy, runs, err := pt.planRuns(ctx, weights)
	if err != nil {
		return nil, errors.Wrap(err, "load balance")
	}

	send := partitions.SendCounts(runs, n)
	b, err := comm.Uint64s(send).MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	all, err := comm.AllGather(ctx, pt.group, comm.KindGather, b)
	if err != nil {
		return nil, errors.Wrap(err, "load balance")
	}
	matrix := make([][]uint64, n)
	for r, p := range all {
		var v comm.Uint64s
		if _, err := v.UnmarshalMsg(p); err != nil {
			return nil, errors.Wrapf(err, "decoding send counts of rank %d", r)
		}
		matrix[r] = v
	}
	plan, err := partitions.NewPlan(strategy, matrix)
	if err != nil {
		return nil, errors.Wrap(err, "load balance")
	}
	if plan.Moved() == 0 {
		return plan, nil
	}

	received, sentBytes, err := pt.migrate(ctx, plan, runs)
	if err != nil {
		return nil, errors.Wrap(err, "load balance")
	}

	var kept []octant.Octant
	for _, run := range runs {
		if run.Rank == me {
			kept = pt.tree.Octants[run.Start:run.End]
		}
	}
	octs := make([]octant.Octant, 0, plan.NewCounts[me])
	for _, src := range plan.Sources(me) {
		if src < me {
			octs = append(octs, received[src]...)
		}
	}
	octs = append(octs, kept...)
	for _, src := range plan.Sources(me) {
		if src > me {
			octs = append(octs, received[src]...)
		}
	}
	pt.tree.Octants = octs
	pt.tree.ClearGhosts()

	if err := pt.rebuild(ctx); err != nil {
		return nil, errors.Wrap(err, "load balance")
	}
	if err := pt.tree.CheckTiling(); err != nil {
		return nil, errors.Wrap(err, "load balance")
	}
	pt.status++
	stats := pt.layout.PartitionStatistics()
	msgs, bytes, _ := pt.group.Stats()
	pt.logger.Infow("load balanced",
		"strategy", strategy,
		"octants", pt.tree.Len(),
		"moved", humanize.Comma(int64(plan.Moved())),
		"destinations", plan.Destinations(me),
		"sent", humanize.Bytes(sentBytes),
		"imbalance", stats.Imbalance,
		"traffic", fmt.Sprintf("%s messages, %s", humanize.Comma(int64(msgs)), humanize.Bytes(bytes)))
	return plan, nil
}

// migrate sends every outgoing run, waits for its acknowledgement, and
// receives and acknowledges every incoming run.
func (pt *ParaTree) migrate(ctx context.Context, plan *partitions.Plan, runs []partitions.Run) (map[int][]octant.Octant, uint64, error) {
	me := pt.Rank()
	received := make(map[int][]octant.Octant)
	var sentBytes uint64

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for _, run := range runs {
			if run.Rank == me || run.Len() == 0 {
				continue
			}
			rec := comm.OctantRecords{Octants: octant.Octants(pt.tree.Octants[run.Start:run.End])}
			b, err := rec.MarshalMsg(nil)
			if err != nil {
				return err
			}
			if err := pt.group.Send(ctx, run.Rank, comm.Message{Kind: comm.KindOctantRecords, Payload: b}); err != nil {
				return err
			}
			sentBytes += uint64(len(b))
			m, err := pt.group.Recv(ctx, run.Rank, comm.KindAck)
			if err != nil {
				return errors.Wrapf(err, "waiting for rank %d to acknowledge %d octants", run.Rank, run.Len())
			}
			var ack comm.Ack
			if _, err := ack.UnmarshalMsg(m.Payload); err != nil {
				return err
			}
			if ack.Count != uint64(run.Len()) {
				return errors.Wrapf(comm.ErrProtocol, "rank %d acknowledged %d of %d octants", run.Rank, ack.Count, run.Len())
			}
		}
		return nil
	})
	eg.Go(func() error {
		for _, src := range plan.Sources(me) {
			m, err := pt.group.Recv(ctx, src, comm.KindOctantRecords)
			if err != nil {
				return err
			}
			var rec comm.OctantRecords
			if _, err := rec.UnmarshalMsg(m.Payload); err != nil {
				return errors.Wrapf(err, "decoding octants from rank %d", src)
			}
			if uint64(len(rec.Octants)) != plan.Send[src][me] {
				return errors.Wrapf(comm.ErrProtocol, "rank %d sent %d octants, plan says %d",
					src, len(rec.Octants), plan.Send[src][me])
			}
			for i := range rec.Octants {
				rec.Octants[i].Ghost = false
			}
			received[src] = rec.Octants
			b, _ := comm.Ack{Count: uint64(len(rec.Octants))}.MarshalMsg(nil)
			if err := pt.group.Send(ctx, src, comm.Message{Kind: comm.KindAck, Payload: b}); err != nil {
				return err
			}
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}
	return received, sentBytes, nil
}
