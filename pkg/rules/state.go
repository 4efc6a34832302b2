package rules

import (
	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/rng"
)

// Config carries the session-level rule constants described in §9 as
// "setting-based UI configuration ... session configuration struct": the
// rules engine reads these but never mutates them.
type Config struct {
	CritChance      float64
	SleepHealAmount int
}

// DefaultConfig returns the source-preserved rule constants.
func DefaultConfig() Config {
	return Config{CritChance: 0.10, SleepHealAmount: 10}
}

// State is the full mutable combat state a session owns exclusively
// (§3 "Ownership"). Apply mutates it in place and returns the events that
// resulted; the session state machine is the only caller, and it
// serializes all calls through a single-writer actor (§5), so Apply
// itself performs no locking.
type State struct {
	Units             map[string]*Unit
	LootDrops         map[string]*LootDrop
	Combat            CombatState
	PlayerInventories map[string]*Inventory

	Grid   *grid.Grid
	RNG    *rng.Source
	Config Config

	// WeaponCatalog lists the weapons buy_weapon may purchase, keyed by
	// weapon id. It is session configuration, not mutated by Apply.
	WeaponCatalog map[string]Weapon

	// LootTable lists the weapons a monster's loot roll may draw from.
	LootTable []Weapon
}

// NewState builds an empty state bound to a grid and RNG source, ready
// for StartCombat once a unit roster is populated.
func NewState(g *grid.Grid, r *rng.Source, cfg Config) *State {
	return &State{
		Units:             make(map[string]*Unit),
		LootDrops:         make(map[string]*LootDrop),
		Combat:            CombatState{Phase: PhaseNotStarted},
		PlayerInventories: make(map[string]*Inventory),
		Grid:              g,
		RNG:               r,
		Config:            cfg,
		WeaponCatalog:     make(map[string]Weapon),
	}
}

// livingUnit returns the unit if present and alive, else nil.
func (s *State) livingUnit(id string) *Unit {
	u, ok := s.Units[id]
	if !ok || !u.Alive() {
		return nil
	}
	return u
}

// turnHolder returns the unit whose turn it currently is, or nil if
// combat is not in progress or the turn state is unset.
func (s *State) turnHolder() *Unit {
	if s.Combat.Phase != PhaseInProgress || s.Combat.TurnState == nil {
		return nil
	}
	return s.livingUnit(s.Combat.TurnState.UnitID)
}

// inventoryFor returns the Inventory for a unit's owner, creating one on
// first access (mirrors a lobby-joined player always having a slot).
func (s *State) inventoryFor(userID string) *Inventory {
	inv, ok := s.PlayerInventories[userID]
	if !ok {
		inv = &Inventory{}
		s.PlayerInventories[userID] = inv
	}
	return inv
}
