package rules

import (
	"fmt"

	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/pathfind"
)

// StartCombat computes initiative from the current unit roster and moves
// the state from not_started to in_progress, per §4.5's lobby→in_progress
// transition: "On entry, initiative is computed, turn_started is emitted
// for the first unit."
func StartCombat(state *State) ([]Event, error) {
	if state.Combat.Phase != PhaseNotStarted {
		return nil, fmt.Errorf("cannot start combat from phase %s", state.Combat.Phase)
	}

	order := computeInitiativeOrder(state.Units)
	if len(order) == 0 {
		return nil, fmt.Errorf("cannot start combat with no units")
	}

	state.Combat = CombatState{
		Phase:            PhaseInProgress,
		Round:            1,
		InitiativeOrder:  order,
		CurrentTurnIndex: 0,
	}

	events := []Event{newEvent(EventCombatStarted, map[string]interface{}{
		"initiativeOrder": order,
	})}
	events = append(events, startTurnFor(state, order[0])...)
	return events, nil
}

// Apply validates and executes a single action against state, returning
// the events it produced. On a rule violation, state is left completely
// unchanged and the returned error is a *Violation.
func Apply(state *State, action Action) ([]Event, error) {
	switch action.Kind {
	case ActionMove:
		return applyMove(state, action)
	case ActionAttack:
		return applyAttack(state, action)
	case ActionCollectLoot:
		return applyCollectLoot(state, action)
	case ActionEndTurn:
		return applyEndTurn(state, action)
	case ActionBuyWeapon:
		return applyBuyWeapon(state, action)
	case ActionSleep:
		return applySleep(state, action)
	default:
		return nil, violation(ViolationUnknownAction, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

// requireTurnHolder validates that unitID is alive and currently holds
// the turn; used by move, attack, end_turn, and sleep.
func requireTurnHolder(state *State, unitID string) (*Unit, error) {
	u := state.livingUnit(unitID)
	if u == nil {
		return nil, violation(ViolationUnitDead, fmt.Sprintf("unit %s is dead or unknown", unitID))
	}
	if state.Combat.Phase != PhaseInProgress || state.Combat.TurnState == nil || state.Combat.TurnState.UnitID != unitID {
		return nil, violation(ViolationNotYourTurn, fmt.Sprintf("unit %s does not hold the current turn", unitID))
	}
	return u, nil
}

// occupantsFor builds the pathfinder's team-aware occupant list relative
// to mover, excluding the mover itself.
func occupantsFor(state *State, mover *Unit) []pathfind.Occupant {
	out := make([]pathfind.Occupant, 0, len(state.Units))
	moverSide := IsPlayerSide(mover.Team)
	for _, u := range state.Units {
		if u.ID == mover.ID {
			continue
		}
		out = append(out, pathfind.Occupant{
			Position: u.Position,
			Alive:    u.Alive(),
			Friendly: IsPlayerSide(u.Team) == moverSide,
		})
	}
	return out
}

func applyMove(state *State, action Action) ([]Event, error) {
	unit, err := requireTurnHolder(state, action.UnitID)
	if err != nil {
		return nil, err
	}

	if len(action.Path) == 0 || action.Path[0] != unit.Position {
		return nil, violation(ViolationPathInvalid, "path must start at the unit's current position")
	}

	stepCost := len(action.Path) - 1
	if stepCost > state.Combat.TurnState.MovementRemaining {
		return nil, violation(ViolationOutOfRange, "path length exceeds movement remaining")
	}

	occupants := occupantsFor(state, unit)
	occ := pathfind.BuildOccupancy(occupants)
	destination := action.Path[len(action.Path)-1]

	for i := 1; i < len(action.Path); i++ {
		prev, cur := action.Path[i-1], action.Path[i]
		if prev.ChebyshevDistance(cur) != 1 {
			return nil, violation(ViolationPathInvalid, "each path step must be an 8-connected move to an adjacent tile")
		}
		isFinal := i == len(action.Path)-1
		if isFinal {
			if !pathfind.StopValid(state.Grid, occ, cur) {
				return nil, violation(ViolationOccupied, "destination tile is not walkable or is occupied")
			}
		} else {
			if !pathfind.PassThroughValid(state.Grid, occ, cur, destination) {
				return nil, violation(ViolationPathInvalid, "intermediate tile is not pass-through valid")
			}
		}
	}

	unit.Position = action.Path[len(action.Path)-1]
	state.Combat.TurnState.MovementRemaining -= stepCost

	return []Event{newEvent(EventUnitMoved, map[string]interface{}{
		"unitId": unit.ID,
		"path":   action.Path,
	})}, nil
}

func applyAttack(state *State, action Action) ([]Event, error) {
	attacker, err := requireTurnHolder(state, action.UnitID)
	if err != nil {
		return nil, err
	}
	if state.Combat.TurnState.HasAttacked {
		return nil, violation(ViolationAlreadyAttacked, "unit has already attacked this turn")
	}

	target := state.livingUnit(action.TargetID)
	if target == nil {
		return nil, violation(ViolationUnitDead, fmt.Sprintf("target %s is dead or unknown", action.TargetID))
	}
	if IsPlayerSide(target.Team) == IsPlayerSide(attacker.Team) {
		return nil, violation(ViolationOutOfRange, "target must be on the opposing team")
	}
	if attacker.Position.ChebyshevDistance(target.Position) > attacker.Stats.AttackRange {
		return nil, violation(ViolationOutOfRange, "target is outside attack range")
	}

	weaponBonus := 0
	if attacker.OwnerUserID != "" {
		if w := state.inventoryFor(attacker.OwnerUserID).EquippedWeapon(); w != nil {
			weaponBonus = w.AttackBonus
		}
	}

	base := attacker.Stats.Attack + weaponBonus - target.Stats.Defense
	if base < 1 {
		base = 1
	}

	crit := state.RNG.Fork(fmt.Sprintf("attack:%s:%s", attacker.ID, target.ID)).Float64() < state.Config.CritChance
	damage := base
	if crit {
		damage *= 2
	}

	state.Combat.TurnState.HasAttacked = true

	events := []Event{
		newEvent(EventUnitAttacked, map[string]interface{}{
			"attackerId": attacker.ID,
			"targetId":   target.ID,
		}),
	}

	target.Stats.HP -= damage
	if target.Stats.HP < 0 {
		target.Stats.HP = 0
	}

	events = append(events, newEvent(EventUnitDamaged, map[string]interface{}{
		"unitId":      target.ID,
		"damage":      damage,
		"remainingHp": target.Stats.HP,
	}))

	if target.Stats.HP <= 0 {
		events = append(events, newEvent(EventUnitDefeated, map[string]interface{}{
			"unitId": target.ID,
		}))

		if target.Team == TeamMonster {
			drop := rollLoot(state, target)
			if drop != nil {
				state.LootDrops[drop.ID] = drop
				events = append(events, newEvent(EventLootDropped, map[string]interface{}{
					"lootDrop": drop,
				}))
			}
		}
	}

	return events, nil
}

func applyCollectLoot(state *State, action Action) ([]Event, error) {
	unit, err := requireTurnHolder(state, action.UnitID)
	if err != nil {
		return nil, err
	}
	if unit.Team != TeamPlayer || unit.OwnerUserID == "" {
		return nil, violation(ViolationNotYourTurn, "only a player-team unit may collect loot")
	}

	drop, ok := state.LootDrops[action.LootDropID]
	if !ok {
		return nil, violation(ViolationNotAdjacent, fmt.Sprintf("loot drop %s not found", action.LootDropID))
	}
	if unit.Position.ChebyshevDistance(drop.Position) > 1 {
		return nil, violation(ViolationNotAdjacent, "unit is not adjacent to the loot drop")
	}

	inv := state.inventoryFor(unit.OwnerUserID)
	for _, item := range drop.Items {
		switch item.Type {
		case ItemGold, ItemSilver:
			inv.Gold += item.Value
		case ItemWeapon:
			if item.WeaponRef == nil {
				continue
			}
			inv.Weapons = append(inv.Weapons, *item.WeaponRef)
			if current := inv.EquippedWeapon(); current == nil || item.WeaponRef.AttackBonus > current.AttackBonus {
				inv.EquippedWeaponID = item.WeaponRef.ID
			}
		}
	}

	delete(state.LootDrops, action.LootDropID)

	return []Event{
		newEvent(EventLootCollected, map[string]interface{}{
			"lootDropId": action.LootDropID,
			"userId":     unit.OwnerUserID,
		}),
		newEvent(EventInventoryChanged, map[string]interface{}{
			"userId":    unit.OwnerUserID,
			"inventory": inv,
		}),
	}, nil
}

func applyEndTurn(state *State, action Action) ([]Event, error) {
	if _, err := requireTurnHolder(state, action.UnitID); err != nil {
		return nil, err
	}
	return endCurrentTurn(state)
}

// endCurrentTurn implements the shared end_turn logic used both by the
// explicit end_turn action and by sleep, which ends the turn as a side
// effect after healing (§4.4.6).
func endCurrentTurn(state *State) ([]Event, error) {
	endingUnitID := state.Combat.TurnState.UnitID
	events := []Event{newEvent(EventTurnEnded, map[string]interface{}{"unitId": endingUnitID})}

	order := state.Combat.InitiativeOrder
	idx := state.Combat.CurrentTurnIndex

	for attempts := 0; attempts < len(order); attempts++ {
		idx = (idx + 1) % len(order)
		if idx == 0 {
			state.Combat.Round++
		}
		candidate := state.livingUnit(order[idx])
		if candidate != nil {
			state.Combat.CurrentTurnIndex = idx
			events = append(events, startTurnFor(state, candidate.ID)...)
			break
		}
	}

	if ended, result := checkCombatEnd(state); ended {
		state.Combat.Phase = PhaseEnded
		state.Combat.EndResult = result
		state.Combat.TurnState = nil
		events = append(events, newEvent(EventCombatEnded, map[string]interface{}{"result": result}))
	}

	return events, nil
}

// startTurnFor resets turn budget for unitID and emits turn_started.
func startTurnFor(state *State, unitID string) []Event {
	u := state.Units[unitID]
	state.Combat.TurnState = &TurnState{
		UnitID:            unitID,
		MovementRemaining: u.Stats.MoveRange,
		HasAttacked:       false,
	}
	return []Event{newEvent(EventTurnStarted, map[string]interface{}{"unitId": unitID})}
}

func applyBuyWeapon(state *State, action Action) ([]Event, error) {
	unit := state.playerUnitFor(action.UserID)
	if unit == nil || !unit.Alive() {
		return nil, violation(ViolationUnitDead, fmt.Sprintf("no living unit for user %s", action.UserID))
	}

	if _, ok := findAdjacentShop(state, unit.Position); !ok {
		return nil, violation(ViolationNotAdjacent, "unit is not adjacent to a shop tile")
	}

	weapon, ok := state.WeaponCatalog[action.WeaponID]
	if !ok {
		return nil, violation(ViolationUnknownAction, fmt.Sprintf("unknown weapon %s", action.WeaponID))
	}

	inv, ok := state.PlayerInventories[action.UserID]
	if !ok {
		inv = &Inventory{}
	}
	if inv.HasWeapon(weapon.ID) {
		return nil, violation(ViolationDuplicateWeapon, "weapon already owned")
	}
	if inv.Gold < weapon.Price {
		return nil, violation(ViolationInsufficientGold, "insufficient gold for weapon purchase")
	}

	state.PlayerInventories[action.UserID] = inv
	inv.Gold -= weapon.Price
	inv.Weapons = append(inv.Weapons, weapon)

	return []Event{newEvent(EventInventoryChanged, map[string]interface{}{
		"userId":    action.UserID,
		"inventory": inv,
	})}, nil
}

func applySleep(state *State, action Action) ([]Event, error) {
	unit, err := requireTurnHolder(state, action.UnitID)
	if err != nil {
		return nil, err
	}
	if unit.Team != TeamPlayer || unit.OwnerUserID == "" {
		return nil, violation(ViolationNotYourTurn, "only a player-team unit may sleep")
	}

	heal := state.Config.SleepHealAmount
	maxHeal := unit.Stats.MaxHP - unit.Stats.HP
	if heal > maxHeal {
		heal = maxHeal
	}
	unit.Stats.HP += heal

	events := []Event{newEvent(EventUnitHealed, map[string]interface{}{
		"unitId": unit.ID,
		"amount": heal,
	})}

	more, err := endCurrentTurn(state)
	if err != nil {
		return nil, err
	}
	return append(events, more...), nil
}

// playerUnitFor finds the living unit owned by userID, if any.
func (s *State) playerUnitFor(userID string) *Unit {
	for _, u := range s.Units {
		if u.OwnerUserID == userID && u.Alive() {
			return u
		}
	}
	return nil
}

// findAdjacentShop reports whether a shop tile lies within Chebyshev
// distance 1 of pos, returning its position.
func findAdjacentShop(state *State, pos grid.Position) (grid.Position, bool) {
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			cand := grid.Position{X: pos.X + dx, Y: pos.Y + dy}
			if state.Grid.GetTile(cand.X, cand.Y).Kind == grid.KindShop {
				return cand, true
			}
		}
	}
	return grid.Position{}, false
}

// checkCombatEnd reports whether every unit on one side is defeated.
func checkCombatEnd(state *State) (bool, EndResult) {
	monstersAlive, playersAlive := false, false
	for _, u := range state.Units {
		if !u.Alive() {
			continue
		}
		if u.Team == TeamMonster {
			monstersAlive = true
		} else {
			playersAlive = true
		}
	}
	if !monstersAlive {
		return true, EndResultVictory
	}
	if !playersAlive {
		return true, EndResultDefeat
	}
	return false, EndResultNone
}

// rollLoot draws a weapon from the loot table with a seeded roll and
// returns a drop at the defeated monster's position, or nil if the table
// is empty.
func rollLoot(state *State, monster *Unit) *LootDrop {
	if len(state.LootTable) == 0 {
		return nil
	}
	r := state.RNG.Fork(fmt.Sprintf("loot:%s", monster.ID))
	weapon := state.LootTable[r.Intn(len(state.LootTable))]

	return &LootDrop{
		ID:       fmt.Sprintf("drop_%s", monster.ID),
		Position: monster.Position,
		Items: []Item{
			{Type: ItemWeapon, Name: weapon.Name, WeaponRef: &weapon},
		},
	}
}
