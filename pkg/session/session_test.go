package session

import (
	"testing"
	"time"

	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/rules"
)

func scenarioAConfig() Config {
	return Config{
		Grid:  grid.DefaultConfig(),
		Rules: rules.DefaultConfig(),
	}
}

func scenarioAUnits() []rules.Unit {
	return []rules.Unit{
		{
			ID: "P1", Team: rules.TeamPlayer, Name: "P1", Position: grid.Position{X: 0, Y: 0}, OwnerUserID: "u1",
			Stats: rules.Stats{HP: 20, MaxHP: 20, Attack: 5, Defense: 1, Initiative: 10, MoveRange: 5, AttackRange: 1},
		},
		{
			ID: "M1", Team: rules.TeamMonster, Name: "M1", Position: grid.Position{X: 2, Y: 0},
			Stats: rules.Stats{HP: 10, MaxHP: 10, Attack: 4, Defense: 0, Initiative: 8, MoveRange: 3, AttackRange: 1},
		},
	}
}

func newScenarioASession(t *testing.T, id string, seed int64) *Session {
	t.Helper()
	s := New(id, seed, scenarioAConfig())
	for _, u := range scenarioAUnits() {
		if err := s.AddUnit(u); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}
	}
	go s.Run()
	t.Cleanup(s.Stop)
	return s
}

func runScenarioA(t *testing.T, id string, seed int64) *Session {
	t.Helper()
	s := newScenarioASession(t, id, seed)

	if _, err := s.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	if _, err := s.Submit(rules.Action{
		Kind:   rules.ActionMove,
		UnitID: "P1",
		Path:   []grid.Position{{X: 0, Y: 0}, {X: 1, Y: 0}},
	}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := s.Submit(rules.Action{Kind: rules.ActionAttack, UnitID: "P1", TargetID: "M1"}); err != nil {
		t.Fatalf("attack: %v", err)
	}
	if _, err := s.Submit(rules.Action{Kind: rules.ActionEndTurn, UnitID: "P1"}); err != nil {
		t.Fatalf("end_turn: %v", err)
	}
	return s
}

func TestStartCombatTransitionsLobbyToInProgress(t *testing.T) {
	s := newScenarioASession(t, "sess-1", 1)
	if s.Phase() != PhaseLobby {
		t.Fatalf("expected lobby phase before start, got %s", s.Phase())
	}
	events, err := s.StartCombat()
	if err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	if s.Phase() != PhaseInProgress {
		t.Fatalf("expected in_progress phase after start, got %s", s.Phase())
	}
	if len(events) == 0 || events[0].Type != rules.EventCombatStarted {
		t.Fatalf("expected combat_started as first event, got %+v", events)
	}
}

func TestAddUnitRejectedAfterCombatStarted(t *testing.T) {
	s := newScenarioASession(t, "sess-2", 1)
	if _, err := s.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	err := s.AddUnit(rules.Unit{ID: "late", Team: rules.TeamMonster, Stats: rules.Stats{HP: 1, MaxHP: 1}})
	if err == nil {
		t.Fatal("expected AddUnit to be rejected once combat has started")
	}
}

func TestHistoryIsAppendOnlyInCallOrder(t *testing.T) {
	s := runScenarioA(t, "sess-3", 42)
	history := s.History()

	if history[0].Action != nil {
		t.Fatalf("expected first history entry to be the implicit start_combat (nil action)")
	}
	wantKinds := []rules.ActionKind{rules.ActionMove, rules.ActionAttack, rules.ActionEndTurn}
	if len(history) != len(wantKinds)+1 {
		t.Fatalf("expected %d history entries, got %d", len(wantKinds)+1, len(history))
	}
	for i, kind := range wantKinds {
		entry := history[i+1]
		if entry.Action == nil || entry.Action.Kind != kind {
			t.Fatalf("entry %d: expected action kind %s, got %+v", i+1, kind, entry.Action)
		}
	}
}

func TestReplayReconstructsIdenticalEvents(t *testing.T) {
	original := runScenarioA(t, "sess-4", 42)
	snap := original.Snapshot("scenario-a")

	replayed, err := Replay("sess-4-replay", snap)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	defer replayed.Stop()

	origHistory := original.History()
	replayHistory := replayed.History()
	if len(origHistory) != len(replayHistory) {
		t.Fatalf("history length mismatch: %d vs %d", len(origHistory), len(replayHistory))
	}
	for i := range origHistory {
		if !eventsEqual(origHistory[i].Events, replayHistory[i].Events) {
			t.Fatalf("entry %d diverged: %+v vs %+v", i, origHistory[i].Events, replayHistory[i].Events)
		}
	}
}

func TestReplayRejectsDivergentHistory(t *testing.T) {
	original := runScenarioA(t, "sess-5", 42)
	snap := original.Snapshot("scenario-a")

	// Corrupt a recorded event so the replayed run can no longer match it,
	// simulating a tampered or incompatible snapshot.
	snap.History[2].Events[0].Type = "not_a_real_event"

	if _, err := Replay("sess-5-replay", snap); err == nil {
		t.Fatal("expected Replay to reject a snapshot whose recorded events don't match a fresh run")
	}
}

func TestDisconnectThenReconnectEmitsLifecycleEvents(t *testing.T) {
	s := newScenarioASession(t, "sess-6", 1)
	s.Connect("u1", "conn-a")

	disc := s.Disconnect("u1", 30*time.Second)
	if disc.Type != rules.EventPlayerDisconnected {
		t.Fatalf("expected player_disconnected, got %s", disc.Type)
	}
	if ms, ok := disc.Data["gracePeriodMs"].(int64); !ok || ms != 30000 {
		t.Fatalf("expected gracePeriodMs=30000, got %+v", disc.Data["gracePeriodMs"])
	}

	reconnectEvents := s.Connect("u1", "conn-b")
	if len(reconnectEvents) != 1 || reconnectEvents[0].Type != rules.EventPlayerReconnected {
		t.Fatalf("expected player_reconnected on reconnect, got %+v", reconnectEvents)
	}
}

func TestExpiredGraceReportsOnlyPastDeadline(t *testing.T) {
	s := newScenarioASession(t, "sess-7", 1)
	s.Connect("u1", "conn-a")
	s.Disconnect("u1", 10*time.Millisecond)

	if expired := s.ExpiredGrace(time.Now()); len(expired) != 0 {
		t.Fatalf("expected no expirations immediately after disconnect, got %v", expired)
	}
	if expired := s.ExpiredGrace(time.Now().Add(20 * time.Millisecond)); len(expired) != 1 || expired[0] != "u1" {
		t.Fatalf("expected u1 to have expired grace, got %v", expired)
	}
}

func TestLeaveEmitsPlayerLeft(t *testing.T) {
	s := newScenarioASession(t, "sess-8", 1)
	s.Connect("u1", "conn-a")

	ev := s.Leave("u1", "grace_expired")
	if ev.Type != rules.EventPlayerLeft {
		t.Fatalf("expected player_left, got %s", ev.Type)
	}
	if expired := s.ExpiredGrace(time.Now()); len(expired) != 0 {
		t.Fatalf("expected no tracked connection after Leave, got %v", expired)
	}
}

func TestRefCountingTracksInUse(t *testing.T) {
	s := newScenarioASession(t, "sess-9", 1)
	if s.InUse() {
		t.Fatal("expected a freshly created session to not be in use")
	}
	s.AddRef()
	if !s.InUse() {
		t.Fatal("expected session to be in use after AddRef")
	}
	s.Release()
	if s.InUse() {
		t.Fatal("expected session to not be in use after matching Release")
	}
}

func TestIdleForAdvancesAfterSubmit(t *testing.T) {
	s := runScenarioA(t, "sess-10", 1)
	if d := s.IdleFor(time.Now()); d < 0 {
		t.Fatalf("expected non-negative idle duration, got %v", d)
	}
}
