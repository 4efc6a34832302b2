package rng

import "testing"

func TestNewZeroSeedIsReplaced(t *testing.T) {
	s := New(0)
	if s.Seed() == 0 {
		t.Error("expected zero seed to be replaced with a nonzero derived seed")
	}
}

func TestNewDeterministicForSameSeed(t *testing.T) {
	a := New(42)
	b := New(42)

	for i := 0; i < 10; i++ {
		av := a.Intn(1000)
		bv := b.Intn(1000)
		if av != bv {
			t.Fatalf("draw %d diverged: %d != %d", i, av, bv)
		}
	}
}

func TestForkIsDeterministicPerPhase(t *testing.T) {
	a := New(1234)
	b := New(1234)

	childA := a.Fork("attack:u1")
	childB := b.Fork("attack:u1")

	for i := 0; i < 5; i++ {
		av := childA.Intn(100)
		bv := childB.Intn(100)
		if av != bv {
			t.Fatalf("forked draw %d diverged: %d != %d", i, av, bv)
		}
	}
}

func TestForkDiffersByPhaseLabel(t *testing.T) {
	s := New(5555)
	// Reset state by constructing two sources from the same seed so each
	// fork call draws from an identical root position.
	s1 := New(5555)
	s2 := New(5555)

	childAttack := s1.Fork("attack:u1")
	childLoot := s2.Fork("loot:u1")

	same := true
	for i := 0; i < 20; i++ {
		if childAttack.Intn(1000000) != childLoot.Intn(1000000) {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different phase labels to yield different child streams")
	}
	_ = s
}

func TestForkDoesNotAdvanceSiblingCalls(t *testing.T) {
	s1 := New(99)
	s2 := New(99)

	// Forking one phase on s1 and a different phase on s2 should not make
	// the root streams diverge, since Fork's only root interaction is a
	// single Int63() draw.
	s1.Fork("phase-a")
	s2.Fork("phase-b")

	if s1.Intn(1000) != s2.Intn(1000) {
		t.Error("expected root stream to remain in sync after one fork each")
	}
}
