package rules

import "tacticsengine/pkg/grid"

// ActionKind names one of the six actions the rules engine accepts (§4.4).
type ActionKind string

const (
	ActionMove         ActionKind = "move"
	ActionAttack       ActionKind = "attack"
	ActionCollectLoot  ActionKind = "collect_loot"
	ActionEndTurn      ActionKind = "end_turn"
	ActionBuyWeapon    ActionKind = "buy_weapon"
	ActionSleep        ActionKind = "sleep"
)

// Action is the input to Apply. Only the fields relevant to Kind are
// read; callers populate just those (the router validates wire shape
// before constructing this).
type Action struct {
	Kind ActionKind

	// UnitID is the acting unit for move, attack, collect_loot, end_turn,
	// and sleep.
	UnitID string

	// Path is the move action's inclusive step sequence, path[0] must
	// equal the unit's current position.
	Path []grid.Position

	// TargetID is the attack action's target unit id.
	TargetID string

	// LootDropID is the collect_loot action's target drop id.
	LootDropID string

	// UserID is the buy_weapon action's purchasing player.
	UserID string

	// WeaponID is the buy_weapon action's weapon catalog id.
	WeaponID string
}
