package paratree

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/octforest/comm"
	"github.com/notargets/octforest/config"
	"github.com/notargets/octforest/localtree"
	"github.com/notargets/octforest/logging"
	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/partitions"
	"github.com/notargets/octforest/topology"
)

// ErrOutOfRange is returned by every index based accessor given a bad index.
var ErrOutOfRange = localtree.ErrOutOfRange

// ParaTree is one worker's view of a distributed octree. Every worker of a
// group constructs its own ParaTree and calls the collective operations
// (Adapt, LoadBalance, ComputeGhosts, Balance21, Restore) in the same order.
// A ParaTree is not safe for concurrent use.
type ParaTree struct {
	cfg    config.Config
	table  *topology.Table
	codec  *octant.Codec
	tree   *localtree.LocalTree
	group  comm.Group
	logger *zap.SugaredLogger

	layout *partitions.PartitionLayout
	halo   *partitions.Halo

	status uint64 // Bumped on every global topology change
	round  uint32 // Collective reduction counter
	dirty  bool   // Halo must be rebuilt before the next collective
}

// NewGroup creates an in-process group of n workers using the configured
// transport timeout.
func NewGroup(cfg config.Config, n int) ([]*comm.Endpoint, error) {
	return comm.NewLocalGroup(n, cfg.Transport.Timeout.Duration)
}

// New builds the tree for one worker. A nil group runs a single worker with
// the configured transport timeout. A nil logger is built from cfg.Log when it
// names a log file and discards output otherwise. Rank 0 starts with the root
// octant.
func New(cfg config.Config, group comm.Group, logger *zap.SugaredLogger) (*ParaTree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid octree configuration")
	}
	table, err := topology.New(cfg.Dim, cfg.MaxLevel)
	if err != nil {
		return nil, err
	}
	if group == nil {
		group = comm.Single(cfg.Transport.Timeout.Duration)
	}
	if logger == nil {
		if cfg.Log.Logfile == "" {
			logger = logging.Nop()
		} else if logger, err = logging.NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}
	codec := octant.NewCodec(table)
	pt := &ParaTree{
		cfg:    cfg,
		table:  table,
		codec:  codec,
		tree:   localtree.New(codec),
		group:  group,
		logger: logger.With("rank", group.Rank(), "group", group.ID()),
	}
	pt.tree.BalanceCodim = cfg.Codim()
	pt.tree.Periodic = cfg.PeriodicFaces()

	counts := make([]uint64, group.Size())
	first := make([]octant.Key, group.Size())
	last := make([]octant.Key, group.Size())
	root := codec.Root()
	counts[0] = 1
	first[0] = codec.Key(codec.FirstDesc(root))
	last[0] = codec.Key(codec.LastDesc(root))
	if pt.layout, err = partitions.NewPartitionLayout(counts, first, last); err != nil {
		return nil, err
	}
	if group.Rank() == 0 {
		pt.tree.SetRoot()
		pt.tree.UpdateBounds()
	}
	pt.halo = partitions.NewHalo(group.Size(), group.Rank())
	pt.logger.Debugw("octree created", "dim", cfg.Dim, "maxLevel", cfg.MaxLevel, "workers", group.Size())
	return pt, nil
}

// Rank is this worker's rank in the group.
func (pt *ParaTree) Rank() int { return pt.group.Rank() }

// NumWorkers is the size of the group.
func (pt *ParaTree) NumWorkers() int { return pt.group.Size() }

// Table returns the connectivity constants of the tree.
func (pt *ParaTree) Table() *topology.Table { return pt.table }

// Codec returns the octant codec of the tree.
func (pt *ParaTree) Codec() *octant.Codec { return pt.codec }

// Tree exposes the local store, mainly for invariant checks.
func (pt *ParaTree) Tree() *localtree.LocalTree { return pt.tree }

// Layout returns the current partition table. It is replaced, not mutated,
// by collectives.
func (pt *ParaTree) Layout() *partitions.PartitionLayout { return pt.layout }

// Status is a counter bumped whenever a collective changed the global topology.
func (pt *ParaTree) Status() uint64 { return pt.status }

// NumOctants is the number of local octants.
func (pt *ParaTree) NumOctants() int { return pt.tree.Len() }

// NumGhosts is the number of ghost octants.
func (pt *ParaTree) NumGhosts() int { return pt.tree.NumGhosts() }

// GlobalNumOctants is the number of octants over all workers.
func (pt *ParaTree) GlobalNumOctants() uint64 { return pt.layout.TotalOctants }

// MaxDepth is the finest local level.
func (pt *ParaTree) MaxDepth() uint8 { return pt.tree.MaxDepth() }

func (pt *ParaTree) checkIdx(idx int) error {
	if idx < 0 || idx >= pt.tree.Len() {
		return errors.Wrapf(ErrOutOfRange, "octant %d of %d", idx, pt.tree.Len())
	}
	return nil
}

// Octant returns a copy of local octant idx.
func (pt *ParaTree) Octant(idx int) (octant.Octant, error) {
	if err := pt.checkIdx(idx); err != nil {
		return octant.Octant{}, err
	}
	return pt.tree.Octants[idx], nil
}

// Ghost returns a copy of ghost idx with its owner rank and global index.
func (pt *ParaTree) Ghost(idx int) (o octant.Octant, owner int, global uint64, err error) {
	if idx < 0 || idx >= pt.tree.NumGhosts() {
		return o, -1, 0, errors.Wrapf(ErrOutOfRange, "ghost %d of %d", idx, pt.tree.NumGhosts())
	}
	return pt.tree.Ghosts[idx], pt.tree.GhostOwner[idx], pt.tree.GhostGlobal[idx], nil
}

// GlobalIdx converts a local index to its position in the global sequence.
func (pt *ParaTree) GlobalIdx(idx int) (uint64, error) {
	if err := pt.checkIdx(idx); err != nil {
		return 0, err
	}
	return pt.layout.FirstGlobalIdx[pt.Rank()] + uint64(idx), nil
}

// LocalIdx converts a global index owned by this worker to a local index.
func (pt *ParaTree) LocalIdx(global uint64) (int, error) {
	if pt.layout.GetPartition(global) != pt.Rank() {
		return -1, errors.Wrapf(ErrOutOfRange, "global octant %d is not owned by rank %d", global, pt.Rank())
	}
	return int(global - pt.layout.FirstGlobalIdx[pt.Rank()]), nil
}

// Level returns the level of octant idx.
func (pt *ParaTree) Level(idx int) (uint8, error) {
	o, err := pt.Octant(idx)
	return o.Level, err
}

// Marker returns the refinement marker of octant idx.
func (pt *ParaTree) Marker(idx int) (int8, error) {
	o, err := pt.Octant(idx)
	return o.Marker, err
}

// IsNewR reports whether octant idx was created by refinement in the last Adapt.
func (pt *ParaTree) IsNewR(idx int) (bool, error) {
	o, err := pt.Octant(idx)
	return o.NewR, err
}

// IsNewC reports whether octant idx was created by coarsening in the last Adapt.
func (pt *ParaTree) IsNewC(idx int) (bool, error) {
	o, err := pt.Octant(idx)
	return o.NewC, err
}

// Bound reports whether face f of octant idx lies on the domain boundary.
func (pt *ParaTree) Bound(idx int, f uint8) (bool, error) {
	o, err := pt.Octant(idx)
	return o.IsBound(f), err
}

// PBound reports whether face f of octant idx borders another worker.
func (pt *ParaTree) PBound(idx int, f uint8) (bool, error) {
	o, err := pt.Octant(idx)
	return o.IsPBound(f), err
}

// Coordinates returns the normalized anchor of octant idx.
func (pt *ParaTree) Coordinates(idx int) (r3.Vector, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return r3.Vector{}, err
	}
	return pt.codec.Coordinates(o), nil
}

// Size returns the normalized side length of octant idx.
func (pt *ParaTree) Size(idx int) (float64, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return 0, err
	}
	return pt.codec.Size(o.Level), nil
}

// Area returns the normalized face measure of octant idx.
func (pt *ParaTree) Area(idx int) (float64, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return 0, err
	}
	return pt.codec.Area(o), nil
}

// Volume returns the normalized measure of octant idx.
func (pt *ParaTree) Volume(idx int) (float64, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return 0, err
	}
	return pt.codec.Volume(o), nil
}

// Center returns the normalized centre of octant idx.
func (pt *ParaTree) Center(idx int) (r3.Vector, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return r3.Vector{}, err
	}
	return pt.codec.Center(o), nil
}

// FaceCenter returns the normalized centre of face f of octant idx.
func (pt *ParaTree) FaceCenter(idx int, f uint8) (r3.Vector, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return r3.Vector{}, err
	}
	if f >= pt.table.NFaces {
		return r3.Vector{}, errors.Wrapf(ErrOutOfRange, "face %d of %d", f, pt.table.NFaces)
	}
	return pt.codec.FaceCenter(o, f), nil
}

// Node returns the normalized position of node n of octant idx.
func (pt *ParaTree) Node(idx int, n uint8) (r3.Vector, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return r3.Vector{}, err
	}
	if n >= pt.table.NNodes {
		return r3.Vector{}, errors.Wrapf(ErrOutOfRange, "node %d of %d", n, pt.table.NNodes)
	}
	return pt.codec.Node(o, n), nil
}

// Nodes returns every node of octant idx.
func (pt *ParaTree) Nodes(idx int) ([]r3.Vector, error) {
	o, err := pt.Octant(idx)
	if err != nil {
		return nil, err
	}
	return pt.codec.Nodes(o), nil
}

// Normal returns the outward normal of face f.
func (pt *ParaTree) Normal(f uint8) (r3.Vector, error) {
	if f >= pt.table.NFaces {
		return r3.Vector{}, errors.Wrapf(ErrOutOfRange, "face %d of %d", f, pt.table.NFaces)
	}
	return pt.codec.Normal(f), nil
}

// SetMarker sets the refinement marker of octant idx: positive refines that
// many levels, negative requests coarsening.
func (pt *ParaTree) SetMarker(idx int, marker int8) error {
	if err := pt.checkIdx(idx); err != nil {
		return err
	}
	pt.tree.Octants[idx].Marker = marker
	return nil
}

// SetBalance includes or excludes octant idx from 2:1 balancing.
func (pt *ParaTree) SetBalance(idx int, balance bool) error {
	if err := pt.checkIdx(idx); err != nil {
		return err
	}
	pt.tree.Octants[idx].Balance = balance
	return nil
}

// SetPeriodic makes face f and its opposite periodic. Every worker must make
// the same call; the halo is rebuilt by the next collective.
func (pt *ParaTree) SetPeriodic(f uint8) error {
	if f >= pt.table.NFaces {
		return errors.Wrapf(ErrOutOfRange, "face %d of %d", f, pt.table.NFaces)
	}
	pt.tree.Periodic[f] = true
	pt.tree.Periodic[pt.table.OppFace[f]] = true
	pt.tree.UpdateBounds()
	pt.dirty = true
	return nil
}

// PointOwnerIdx returns the local index of the octant containing the
// normalized point p, or -1 when p is outside the domain or not local.
func (pt *ParaTree) PointOwnerIdx(p r3.Vector) int {
	coords, ok := pt.codec.LogicalPoint(p)
	if !ok {
		return -1
	}
	return pt.tree.PointOwner(coords)
}

// PointOwnerRank returns the rank owning the normalized point p, or -1 when
// p is outside the domain.
func (pt *ParaTree) PointOwnerRank(p r3.Vector) int {
	coords, ok := pt.codec.LogicalPoint(p)
	if !ok {
		return -1
	}
	return pt.layout.OwnerOfMorton(pt.codec.Morton(coords))
}

// FindNeighbours returns the neighbours of local octant idx through entity e
// of codim (1 face, 2 edge in 3D, dim node). isGhost marks ghost indices.
func (pt *ParaTree) FindNeighbours(idx int, e, codim uint8) (neighbours []int, isGhost []bool, err error) {
	return pt.tree.FindNeighbours(idx, e, codim, false)
}

// FindGhostNeighbours is FindNeighbours for ghost octant idx.
func (pt *ParaTree) FindGhostNeighbours(idx int, e, codim uint8) (neighbours []int, isGhost []bool, err error) {
	return pt.tree.FindNeighbours(idx, e, codim, true)
}
