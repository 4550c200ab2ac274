package paratree

import (
	"context"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/notargets/octforest/localtree"
	"github.com/notargets/octforest/octant"
)

const (
	checkpointMagic   = "octforest"
	checkpointVersion = 1
)

// Checkpoint writes the local octant sequence: a msgp header with the tree
// dimensions and count, then the snappy compressed octant array. Each worker
// writes its own stream.
func (pt *ParaTree) Checkpoint(w io.Writer) error {
	raw, err := octant.Octants(pt.tree.Octants).MarshalMsg(nil)
	if err != nil {
		return err
	}
	b := msgp.AppendArrayHeader(nil, 6)
	b = msgp.AppendString(b, checkpointMagic)
	b = msgp.AppendUint8(b, checkpointVersion)
	b = msgp.AppendUint8(b, pt.table.Dim)
	b = msgp.AppendUint8(b, pt.table.MaxLevel)
	b = msgp.AppendUint64(b, uint64(pt.tree.Len()))
	b = msgp.AppendBytes(b, snappy.Encode(nil, raw))
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "writing checkpoint")
	}
	pt.logger.Debugw("checkpoint written", "octants", pt.tree.Len(), "bytes", len(b))
	return nil
}

func (pt *ParaTree) readCheckpoint(r io.Reader) ([]octant.Octant, error) {
	bts, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint")
	}
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	if sz != 6 {
		return nil, msgp.ArrayError{Wanted: 6, Got: sz}
	}
	var (
		magic               string
		version, dim, level uint8
		count               uint64
		packed              []byte
	)
	if magic, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return nil, err
	}
	if magic != checkpointMagic {
		return nil, errors.Errorf("not an octree checkpoint: %q", magic)
	}
	if version, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	if version != checkpointVersion {
		return nil, errors.Errorf("unsupported checkpoint version %d", version)
	}
	if dim, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	if level, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return nil, err
	}
	if dim != pt.table.Dim || level != pt.table.MaxLevel {
		return nil, errors.Errorf("checkpoint of a %dD tree with max level %d, tree is %dD with max level %d",
			dim, level, pt.table.Dim, pt.table.MaxLevel)
	}
	if count, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return nil, err
	}
	if packed, _, err = msgp.ReadBytesBytes(bts, nil); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, packed)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing checkpoint")
	}
	var octs octant.Octants
	if _, err := octs.UnmarshalMsg(raw); err != nil {
		return nil, err
	}
	if uint64(len(octs)) != count {
		return nil, errors.Errorf("checkpoint holds %d octants, header says %d", len(octs), count)
	}
	for i, o := range octs {
		v, err := pt.codec.New(o.Coords, o.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint octant %d", i)
		}
		v.Marker, v.Balance = o.Marker, o.Balance
		octs[i] = v
	}
	return octs, nil
}

// loadCheckpoint decodes a checkpoint into a detached store and checks that
// its octants are sorted and contiguous along the curve.
func (pt *ParaTree) loadCheckpoint(r io.Reader) (*localtree.LocalTree, error) {
	octs, err := pt.readCheckpoint(r)
	if err != nil {
		return nil, err
	}
	lt := localtree.New(pt.codec)
	lt.Octants = octs
	if err := lt.CheckSorted(); err != nil {
		return nil, errors.Wrap(err, "checkpoint octants")
	}
	if err := lt.CheckTiling(); err != nil {
		return nil, errors.Wrap(err, "checkpoint octants")
	}
	return lt, nil
}

// Restore replaces the local octants with a checkpoint written by Checkpoint,
// then rebuilds the partition table and ghosts and enforces 2:1 balance. It
// is a collective call. The tree is left untouched on every worker unless all
// checkpoints decode and together tile the domain.
func (pt *ParaTree) Restore(ctx context.Context, r io.Reader) error {
	lt, localErr := pt.loadCheckpoint(r)
	failed := uint64(0)
	if localErr != nil {
		failed = 1
	}
	n, err := pt.reduce(ctx, failed)
	if err != nil {
		return errors.Wrap(err, "restore")
	}
	if localErr != nil {
		return errors.Wrap(localErr, "restore")
	}
	if n > 0 {
		return errors.Errorf("restore: checkpoint rejected on %d workers", n)
	}

	layout, err := pt.gatherLayout(ctx, lt)
	if err != nil {
		return errors.Wrap(err, "restore")
	}
	root := pt.codec.Root()
	if err := layout.CheckCoverage(pt.codec.Morton(pt.codec.LastDesc(root).Coords)); err != nil {
		return errors.Wrap(err, "restore: checkpoints do not cover the domain")
	}

	pt.tree.Octants = lt.Octants
	pt.tree.ClearGhosts()
	if err := pt.Balance21(ctx); err != nil {
		return errors.Wrap(err, "restore")
	}
	pt.status++
	return nil
}
