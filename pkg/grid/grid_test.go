package grid

import "testing"

func TestGetTileDeterministic(t *testing.T) {
	g := New(42, DefaultConfig())
	for i := 0; i < 50; i++ {
		a := g.GetTile(7, -3)
		b := g.GetTile(7, -3)
		if a != b {
			t.Fatalf("expected identical tiles for identical coordinates, got %v != %v", a, b)
		}
	}
}

func TestGetTileDiffersBySeed(t *testing.T) {
	g1 := New(1, DefaultConfig())
	g2 := New(2, DefaultConfig())

	differs := false
	for x := 0; x < 100; x++ {
		if g1.GetTile(x, 0) != g2.GetTile(x, 0) {
			differs = true
			break
		}
	}
	if !differs {
		t.Error("expected different seeds to produce different tile layouts somewhere in range")
	}
}

func TestFixedShopAndWaterTiles(t *testing.T) {
	cfg := DefaultConfig()
	g := New(99, cfg)

	shop := g.GetTile(cfg.ShopOffsetX, cfg.ShopOffsetY)
	if shop.Kind != KindShop || !shop.Walkable {
		t.Errorf("expected walkable shop tile at shop offset, got %+v", shop)
	}

	water := g.GetTile(cfg.WaterOffsetX, cfg.WaterOffsetY)
	if water.Kind != KindWater || water.Walkable {
		t.Errorf("expected impassable water tile at water offset, got %+v", water)
	}
}

func TestWallDensityZeroMeansNoWalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WallDensity = 0
	g := New(1, cfg)

	for x := -20; x < 20; x++ {
		for y := -20; y < 20; y++ {
			tile := g.GetTile(x, y)
			if tile.Kind == KindWall {
				t.Fatalf("expected no walls with density 0, found wall at (%d,%d)", x, y)
			}
		}
	}
}

func TestWallDensityOneMeansAllWalls(t *testing.T) {
	cfg := Config{WallDensity: 1.0, ShopOffsetX: 1000, ShopOffsetY: 1000, WaterOffsetX: 1001, WaterOffsetY: 1001}
	g := New(1, cfg)

	for x := -5; x < 5; x++ {
		for y := -5; y < 5; y++ {
			tile := g.GetTile(x, y)
			if tile.Kind != KindWall || tile.Walkable {
				t.Fatalf("expected wall at (%d,%d) with density 1.0, got %+v", x, y, tile)
			}
		}
	}
}

func TestChebyshevDistance(t *testing.T) {
	cases := []struct {
		a, b Position
		want int
	}{
		{Position{0, 0}, Position{0, 0}, 0},
		{Position{0, 0}, Position{3, 0}, 3},
		{Position{0, 0}, Position{3, 4}, 4},
		{Position{-2, -2}, Position{2, 2}, 4},
	}
	for _, c := range cases {
		if got := c.a.ChebyshevDistance(c.b); got != c.want {
			t.Errorf("ChebyshevDistance(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestManhattanDistance(t *testing.T) {
	a := Position{0, 0}
	b := Position{3, 4}
	if got := a.ManhattanDistance(b); got != 7 {
		t.Errorf("ManhattanDistance = %d, want 7", got)
	}
}
