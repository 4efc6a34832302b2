// Package pathfind implements A* path search and BFS reachability over the
// unbounded grid, with team-aware passability: friendly units are
// pass-through but not stop-on, enemy units block both.
package pathfind

import (
	"container/heap"

	"tacticsengine/pkg/grid"
)

// Occupant is the minimal view of a unit the pathfinder needs: its
// position, whether it's alive, and which side of the pass-through rule
// it falls on relative to the unit that's moving.
type Occupant struct {
	Position grid.Position
	Alive    bool
	Friendly bool // true if same team as the moving unit
}

// node is an A* search node, mirroring the teacher's pathfinding.Node but
// generalized to the unbounded grid and 8-connected movement.
type node struct {
	pos    grid.Position
	g      int
	h      int
	f      int
	parent *node
	index  int
}

type priorityQueue []*node

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool { return pq[i].f < pq[j].f }

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	n := x.(*node)
	n.index = len(*pq)
	*pq = append(*pq, n)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// MaxIterations bounds A* search per §4.2/§5; exhausting it yields "no path".
const MaxIterations = 10000

// Occupancy is a lookup of blocking/friendly positions derived from a
// unit list, excluding the moving unit itself and dead units (§4.2 edge
// case). Exported so callers (the rules engine) can reuse the same
// pass-through/stop-on checks Apply needs for its own validation, without
// re-running a full search.
type Occupancy struct {
	blocked  map[grid.Position]bool // enemy-occupied: blocks traversal and stopping
	friendly map[grid.Position]bool // friendly-occupied: blocks stopping only
}

// BuildOccupancy classifies a unit list into blocking and friendly tiles.
func BuildOccupancy(units []Occupant) Occupancy {
	occ := Occupancy{
		blocked:  make(map[grid.Position]bool),
		friendly: make(map[grid.Position]bool),
	}
	for _, u := range units {
		if !u.Alive {
			continue
		}
		if u.Friendly {
			occ.friendly[u.Position] = true
		} else {
			occ.blocked[u.Position] = true
		}
	}
	return occ
}

func buildOccupancy(units []Occupant) Occupancy {
	return BuildOccupancy(units)
}

// PassThroughValid reports whether pos may be traversed (not necessarily
// stopped on): walkable terrain and no enemy present. The goal tile is
// always traversable for the purposes of the path query itself (§4.2).
func PassThroughValid(g *grid.Grid, occ Occupancy, pos, goal grid.Position) bool {
	if pos == goal {
		return true
	}
	if occ.blocked[pos] {
		return false
	}
	return g.GetTile(pos.X, pos.Y).Walkable
}

func passThroughValid(g *grid.Grid, occ Occupancy, pos, goal grid.Position) bool {
	return PassThroughValid(g, occ, pos, goal)
}

// StopValid reports whether pos may be the final resting tile: walkable,
// and no unit — friendly or enemy — occupies it.
func StopValid(g *grid.Grid, occ Occupancy, pos grid.Position) bool {
	if occ.blocked[pos] || occ.friendly[pos] {
		return false
	}
	return g.GetTile(pos.X, pos.Y).Walkable
}

func stopValid(g *grid.Grid, occ Occupancy, pos grid.Position) bool {
	return StopValid(g, occ, pos)
}

var neighborOffsets = [8]grid.Position{
	{X: 1, Y: 0}, {X: -1, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: -1},
	{X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: 1}, {X: -1, Y: -1},
}

func neighbors(pos grid.Position) []grid.Position {
	out := make([]grid.Position, 0, 8)
	for _, off := range neighborOffsets {
		out = append(out, grid.Position{X: pos.X + off.X, Y: pos.Y + off.Y})
	}
	return out
}

// FindPath returns the inclusive step sequence from `from` to `to`, or
// (nil, false) if no path exists within MaxIterations expansions. `units`
// provides team-aware passability relative to the unit identified as
// friendly/enemy by the caller (see Occupant.Friendly).
func FindPath(g *grid.Grid, from, to grid.Position, units []Occupant) ([]grid.Position, bool) {
	if from == to {
		return []grid.Position{from}, true
	}

	occ := buildOccupancy(units)
	if !passThroughValid(g, occ, from, to) || !passThroughValid(g, occ, to, to) {
		return nil, false
	}

	open := &priorityQueue{}
	heap.Init(open)
	nodes := make(map[grid.Position]*node)
	closed := make(map[grid.Position]bool)

	start := &node{pos: from, g: 0, h: from.ChebyshevDistance(to)}
	start.f = start.h
	heap.Push(open, start)
	nodes[from] = start

	iterations := 0
	for open.Len() > 0 {
		iterations++
		if iterations > MaxIterations {
			return nil, false
		}

		current := heap.Pop(open).(*node)
		if current.pos == to {
			return reconstructPath(current), true
		}
		closed[current.pos] = true

		for _, npos := range neighbors(current.pos) {
			if closed[npos] {
				continue
			}
			if !passThroughValid(g, occ, npos, to) {
				continue
			}

			tentativeG := current.g + 1
			existing, seen := nodes[npos]
			if !seen {
				n := &node{pos: npos, g: tentativeG, h: npos.ChebyshevDistance(to), parent: current}
				n.f = n.g + n.h
				heap.Push(open, n)
				nodes[npos] = n
			} else if tentativeG < existing.g {
				existing.g = tentativeG
				existing.f = existing.g + existing.h
				existing.parent = current
				heap.Fix(open, existing.index)
			}
		}
	}

	return nil, false
}

func reconstructPath(n *node) []grid.Position {
	var path []grid.Position
	for cur := n; cur != nil; cur = cur.parent {
		path = append([]grid.Position{cur.pos}, path...)
	}
	return path
}

// Reachable performs a BFS bounded by moveRange, returning the set of
// positions a unit may stop on together with their distance. Friendlies
// are walked through (contributing to the passed-through frontier) but
// excluded from the stoppable result per §4.2.
func Reachable(g *grid.Grid, from grid.Position, moveRange int, units []Occupant) map[grid.Position]int {
	occ := buildOccupancy(units)
	result := make(map[grid.Position]int)

	type frontierEntry struct {
		pos  grid.Position
		dist int
	}

	visited := map[grid.Position]bool{from: true}
	queue := []frontierEntry{{pos: from, dist: 0}}

	// The origin is always reachable at distance 0, regardless of
	// stop-validity at the unit's own current tile.
	result[from] = 0

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.dist >= moveRange {
			continue
		}

		for _, npos := range neighbors(cur.pos) {
			if visited[npos] {
				continue
			}
			if occ.blocked[npos] || !g.GetTile(npos.X, npos.Y).Walkable {
				continue
			}
			visited[npos] = true
			nd := cur.dist + 1
			queue = append(queue, frontierEntry{pos: npos, dist: nd})

			if stopValid(g, occ, npos) {
				if existing, ok := result[npos]; !ok || nd < existing {
					result[npos] = nd
				}
			}
		}
	}

	return result
}
