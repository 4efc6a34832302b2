// Package grid provides the unbounded procedural map: tiles are pure
// functions of (seed, x, y), never stored, so the map has no size limit
// and no generation step to run ahead of time.
package grid

import (
	"hash/fnv"
)

// TileKind classifies a tile's terrain type.
type TileKind int

const (
	// KindFloor is open, walkable ground.
	KindFloor TileKind = iota
	// KindWall blocks all movement.
	KindWall
	// KindWater is a fixed, impassable special tile.
	KindWater
	// KindShop is a fixed, walkable special tile units can trade adjacent to.
	KindShop
)

// String renders a TileKind for logging and wire payloads.
func (k TileKind) String() string {
	switch k {
	case KindFloor:
		return "floor"
	case KindWall:
		return "wall"
	case KindWater:
		return "water"
	case KindShop:
		return "shop"
	default:
		return "unknown"
	}
}

// Position is an integer coordinate on the unbounded lattice.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ChebyshevDistance returns the 8-connected (king-move) distance between
// two positions, used throughout the rules engine for range checks.
func (p Position) ChebyshevDistance(o Position) int {
	dx := abs(p.X - o.X)
	dy := abs(p.Y - o.Y)
	if dx > dy {
		return dx
	}
	return dy
}

// ManhattanDistance returns the 4-connected distance between two positions.
func (p Position) ManhattanDistance(o Position) int {
	return abs(p.X-o.X) + abs(p.Y-o.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Tile is the derived attributes of a single grid cell.
type Tile struct {
	Walkable bool     `json:"walkable"`
	Kind     TileKind `json:"kind"`
}

// Config holds the session-configurable map generation parameters (§9 —
// data on the session, read by the grid but never mutated by it).
type Config struct {
	// WallDensity is the probability threshold below which a tile becomes
	// a wall; default 0.12 per the source's preserved default.
	WallDensity float64

	// ShopOffsetX/Y place the single fixed shop tile relative to the origin.
	ShopOffsetX int
	ShopOffsetY int

	// WaterOffsetX/Y place the single fixed water tile relative to the origin.
	WaterOffsetX int
	WaterOffsetY int
}

// DefaultConfig returns the source-preserved defaults (§9).
func DefaultConfig() Config {
	return Config{
		WallDensity:  0.12,
		ShopOffsetX:  3,
		ShopOffsetY:  0,
		WaterOffsetX: -3,
		WaterOffsetY: 0,
	}
}

// Grid is the procedural map bound to one session's seed and config. It
// holds no per-tile state; GetTile is a pure function of its inputs.
type Grid struct {
	seed   int64
	config Config
}

// New binds a Grid to a session seed and generation config.
func New(seed int64, config Config) *Grid {
	return &Grid{seed: seed, config: config}
}

// GetTile derives the Tile at (x, y). It is total: every coordinate pair,
// including those far outside any nominal play area, yields a well-defined
// Tile with no error path.
func (g *Grid) GetTile(x, y int) Tile {
	if x == g.config.ShopOffsetX && y == g.config.ShopOffsetY {
		return Tile{Walkable: true, Kind: KindShop}
	}
	if x == g.config.WaterOffsetX && y == g.config.WaterOffsetY {
		return Tile{Walkable: false, Kind: KindWater}
	}

	v := tileHash(g.seed, x, y)
	if v < g.config.WallDensity {
		return Tile{Walkable: false, Kind: KindWall}
	}
	return Tile{Walkable: true, Kind: KindFloor}
}

// tileHash derives a deterministic value in [0, 1) from the seed and
// coordinates via FNV-1a. Grid lookups happen at a much higher call
// frequency than the content-seed derivation elsewhere in this codebase,
// so this uses the cheaper non-cryptographic hash while keeping the same
// "hash the coordinates deterministically" technique.
func tileHash(seed int64, x, y int) float64 {
	h := fnv.New64a()
	var buf [24]byte
	putInt64(buf[0:8], seed)
	putInt64(buf[8:16], int64(x))
	putInt64(buf[16:24], int64(y))
	h.Write(buf[:])
	sum := h.Sum64()

	// Scale the top 53 bits into [0, 1) at float64 precision.
	return float64(sum>>11) / float64(uint64(1)<<53)
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
}
