package localtree

import (
	"github.com/notargets/octforest/octant"
)

// Origin locates an octant as it was before a mutation: a local index, or a
// ghost index when Ghost is set.
type Origin struct {
	Index int
	Ghost bool
}

// Result summarizes one local mutation. Mapping[i] lists the origins of the
// i-th local octant after the mutation: one for a kept or refined octant, a
// whole family for a coarsened parent.
type Result struct {
	Created int
	Removed int
	Clipped int // Refine markers dropped at max level
	Mapping [][]Origin
}

// Changed reports whether the mutation touched the topology.
func (r Result) Changed() bool {
	return r.Created > 0 || r.Removed > 0
}

// Identity is the mapping of n untouched octants.
func Identity(n int) [][]Origin {
	m := make([][]Origin, n)
	for i := range m {
		m[i] = []Origin{{Index: i}}
	}
	return m
}

// Compose chains two mappings: prev from the original to an intermediate
// state and next from the intermediate to the final state. Ghost origins of
// next are carried unchanged.
func Compose(prev, next [][]Origin) [][]Origin {
	out := make([][]Origin, len(next))
	for i, origins := range next {
		var chained []Origin
		for _, o := range origins {
			if o.Ghost {
				chained = append(chained, o)
				continue
			}
			chained = append(chained, prev[o.Index]...)
		}
		out[i] = chained
	}
	return out
}

// Refine replaces every octant with a positive marker by its children until
// no positive marker remains. Each child inherits the marker minus one, so an
// octant marked +k is refined k levels. Markers of octants already at max
// level are cleared and counted as clipped.
func (lt *LocalTree) Refine() Result {
	var res Result
	origin := make([]int, len(lt.Octants))
	for i := range origin {
		origin[i] = i
	}
	for {
		pending := 0
		for _, o := range lt.Octants {
			if o.Marker > 0 {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		out := make([]octant.Octant, 0, len(lt.Octants)+pending*int(lt.t.NChildren-1))
		next := make([]int, 0, cap(out))
		for i, o := range lt.Octants {
			if o.Marker <= 0 {
				out = append(out, o)
				next = append(next, origin[i])
				continue
			}
			children := lt.codec.Children(o)
			if children == nil {
				o.Marker = 0
				res.Clipped++
				out = append(out, o)
				next = append(next, origin[i])
				continue
			}
			for _, ch := range children {
				out = append(out, ch)
				next = append(next, origin[i])
			}
			res.Created += len(children)
			res.Removed++
		}
		lt.Octants, origin = out, next
	}
	res.Mapping = make([][]Origin, len(origin))
	for i, o := range origin {
		res.Mapping[i] = []Origin{{Index: o}}
	}
	return res
}

// VetoCoarsening clears the negative marker of every local octant whose
// parent would end up more than one level coarser than a neighbour: a
// neighbour already finer than the octant, or one marked to become finer.
// Ghost markers must be current. It returns the number of vetoed markers.
func (lt *LocalTree) VetoCoarsening() (vetoed int) {
	finer := func(n octant.Octant, level uint8) bool {
		l := int(n.Level)
		if n.Marker > 0 {
			l += int(n.Marker)
		}
		return l > int(level)
	}
	for i := range lt.Octants {
		o := lt.Octants[i]
		if o.Marker >= 0 || o.Level == 0 || !o.Balance {
			continue
		}
		veto := false
		lt.forEachEntity(func(codim, e uint8) {
			if veto {
				return
			}
			locals, ghosts := lt.neighbours(o, codim, e)
			for _, j := range locals {
				veto = veto || finer(lt.Octants[j], o.Level)
			}
			for _, j := range ghosts {
				veto = veto || finer(lt.Ghosts[j], o.Level)
			}
		})
		if veto {
			lt.Octants[i].Marker = 0
			vetoed++
		}
	}
	return vetoed
}

// family reports whether the local run and ghosts inside one parent form a
// complete family of level octants all marked for coarsening.
func (lt *LocalTree) family(members, ghosts []octant.Octant, level uint8) bool {
	if len(members)+len(ghosts) != int(lt.t.NChildren) {
		return false
	}
	for _, seq := range [][]octant.Octant{members, ghosts} {
		for _, o := range seq {
			if o.Level != level || o.Marker >= 0 {
				return false
			}
		}
	}
	return true
}

// Coarsen replaces every complete family whose members are all marked
// negative by its parent. A family split between workers is completed from
// the ghost halo: the worker owning the first sibling inserts the parent and
// the others drop their members. The parent carries the largest member
// marker plus one, so deeper coarsening requests survive to the next call.
func (lt *LocalTree) Coarsen() Result {
	var res Result
	out := make([]octant.Octant, 0, len(lt.Octants))
	mapping := make([][]Origin, 0, len(lt.Octants))

	for i := 0; i < len(lt.Octants); {
		o := lt.Octants[i]
		if o.Marker >= 0 || o.Level == 0 {
			out = append(out, o)
			mapping = append(mapping, []Origin{{Index: i}})
			i++
			continue
		}
		parent, _ := lt.codec.Parent(o)
		lo, hi := lt.morton(parent), lt.lastMorton(parent)
		j := i
		for j < len(lt.Octants) && lt.morton(lt.Octants[j]) <= hi {
			j++
		}
		gs, ge := lt.span(lt.Ghosts, lo, hi)
		members := lt.Octants[i:j]
		if !lt.family(members, lt.Ghosts[gs:ge], o.Level) {
			out = append(out, o)
			mapping = append(mapping, []Origin{{Index: i}})
			i++
			continue
		}

		if lt.morton(members[0]) == lo {
			marker := int8(-128)
			origins := make([]Origin, 0, lt.t.NChildren)
			for k, m := range members {
				if m.Marker > marker {
					marker = m.Marker
				}
				origins = append(origins, Origin{Index: i + k})
			}
			for g := gs; g < ge; g++ {
				if lt.Ghosts[g].Marker > marker {
					marker = lt.Ghosts[g].Marker
				}
				origins = append(origins, Origin{Index: g, Ghost: true})
			}
			parent.Marker = marker + 1
			parent.NewC = true
			parent.Balance = members[0].Balance
			out = append(out, parent)
			mapping = append(mapping, origins)
			res.Created++
		}
		res.Removed += len(members)
		i = j
	}
	lt.Octants = out
	res.Mapping = mapping
	return res
}

// markBalance raises to +1 the marker of every local octant more than one
// level coarser than a local or ghost octant adjacent to it.
func (lt *LocalTree) markBalance() (marked int) {
	probe := func(q octant.Octant) {
		if q.Level < 2 {
			return
		}
		lt.forEachEntity(func(codim, e uint8) {
			nb := lt.codec.Neighbor(q, codim, e, lt.Periodic)
			if nb.Outside {
				return
			}
			p := lt.findLeaf(lt.Octants, nb.Octant.Coords)
			if p < 0 {
				return
			}
			if o := &lt.Octants[p]; o.Balance && o.Level+1 < q.Level && o.Marker <= 0 {
				o.Marker = 1
				marked++
			}
		})
	}
	for _, q := range lt.Octants {
		probe(q)
	}
	for _, q := range lt.Ghosts {
		probe(q)
	}
	return marked
}

// BalancePass refines local octants until no local octant is more than one
// level coarser than a local or ghost neighbour. It is one local round of the
// distributed balance; ghosts are not updated.
func (lt *LocalTree) BalancePass() Result {
	res := Result{Mapping: Identity(len(lt.Octants))}
	for lt.markBalance() > 0 {
		r := lt.Refine()
		res.Created += r.Created
		res.Removed += r.Removed
		res.Clipped += r.Clipped
		res.Mapping = Compose(res.Mapping, r.Mapping)
	}
	return res
}

// Balance21 enforces 2:1 balance on a tree without remote neighbours.
func (lt *LocalTree) Balance21() Result {
	return lt.BalancePass()
}
