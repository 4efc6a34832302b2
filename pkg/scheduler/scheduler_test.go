package scheduler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/session"
)

// scrapeMetrics renders m's registered series through its own HTTP
// handler, the same surface /metrics exposes in production, so these
// tests assert on the same text a real scrape would see.
func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics response: %v", err)
	}
	return string(body)
}

func twoUnitSession(t *testing.T, id string, seed int64) *session.Session {
	t.Helper()
	cfg := session.Config{Grid: grid.DefaultConfig(), Rules: rules.DefaultConfig()}
	s := session.New(id, seed, cfg)
	units := []rules.Unit{
		{
			ID: "P1", Team: rules.TeamPlayer, Name: "P1", Position: grid.Position{X: 0, Y: 0}, OwnerUserID: "u1",
			Stats: rules.Stats{HP: 20, MaxHP: 20, Attack: 5, Defense: 1, Initiative: 10, MoveRange: 5, AttackRange: 1},
		},
		{
			ID: "M1", Team: rules.TeamMonster, Name: "M1", Position: grid.Position{X: 5, Y: 5},
			Stats: rules.Stats{HP: 10, MaxHP: 10, Attack: 4, Defense: 0, Initiative: 8, MoveRange: 3, AttackRange: 1},
		},
	}
	for _, u := range units {
		if err := s.AddUnit(u); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}
	}
	go s.Run()
	t.Cleanup(s.Stop)
	return s
}

// quietAIConfig uses a pacing delay far longer than any test's window, so
// the background AI goroutine launched when the turn reaches an NPC/
// monster unit never actually acts before the test finishes asserting on
// the state left by the deadline expiry alone.
func quietAIConfig(turnDeadline time.Duration) Config {
	return Config{
		TurnDeadline:        turnDeadline,
		NPCTurnMode:         ModeSequential,
		GameSpeedMultiplier: 0.0001,
	}
}

func TestDeadlineExpiryAutoEndsTurnAndAdvancesInitiative(t *testing.T) {
	sess := twoUnitSession(t, "sched-1", 1)
	sch := New(sess, quietAIConfig(20*time.Millisecond))

	if _, err := sch.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	info, ok := sess.CurrentTurn()
	if !ok || info.UnitID != "P1" {
		t.Fatalf("expected P1 to hold the first turn, got %+v ok=%v", info, ok)
	}

	time.Sleep(80 * time.Millisecond)

	info, ok = sess.CurrentTurn()
	if !ok || info.UnitID != "M1" {
		t.Fatalf("expected turn to have auto-advanced to M1 after deadline expiry, got %+v ok=%v", info, ok)
	}
	if sch.Remaining() != 0 {
		t.Fatalf("expected no armed deadline for the NPC turn, got %v remaining", sch.Remaining())
	}
}

func TestPauseFreezesRemainingTime(t *testing.T) {
	sess := twoUnitSession(t, "sched-2", 1)
	sch := New(sess, quietAIConfig(300*time.Millisecond))

	if _, err := sch.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	sch.Pause()
	frozen := sch.Remaining()
	if frozen <= 0 {
		t.Fatalf("expected positive remaining time at pause, got %v", frozen)
	}

	time.Sleep(100 * time.Millisecond)
	if got := sch.Remaining(); got != frozen {
		t.Fatalf("expected remaining time to stay frozen while paused: had %v, now %v", frozen, got)
	}

	info, ok := sess.CurrentTurn()
	if !ok || info.UnitID != "P1" {
		t.Fatalf("expected P1 to still hold the turn while paused, got %+v ok=%v", info, ok)
	}

	sch.Resume()
	time.Sleep(frozen + 80*time.Millisecond)

	info, ok = sess.CurrentTurn()
	if !ok || info.UnitID != "M1" {
		t.Fatalf("expected turn to auto-advance to M1 once the resumed deadline elapsed, got %+v ok=%v", info, ok)
	}
}

func TestDeadlineExpiryRecordsTimeoutTurnCompletedMetric(t *testing.T) {
	sess := twoUnitSession(t, "sched-metrics-1", 1)
	sch := New(sess, quietAIConfig(20*time.Millisecond))
	m := metrics.New()
	sch.SetMetrics(m)

	if _, err := sch.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	body := scrapeMetrics(t, m)
	if !strings.Contains(body, `tacticsengine_turns_completed_total{reason="timeout"} 1`) {
		t.Fatalf("expected a timeout-reason turn completion to be recorded, got:\n%s", body)
	}
}

func TestManualEndTurnRecordsTurnCompletedMetric(t *testing.T) {
	sess := twoUnitSession(t, "sched-metrics-2", 1)
	sch := New(sess, quietAIConfig(time.Second))
	m := metrics.New()
	sch.SetMetrics(m)

	if _, err := sch.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	if _, err := sch.Submit(rules.Action{Kind: rules.ActionEndTurn, UnitID: "P1"}); err != nil {
		t.Fatalf("Submit end_turn: %v", err)
	}

	body := scrapeMetrics(t, m)
	if !strings.Contains(body, `tacticsengine_turns_completed_total{reason="manual"} 1`) {
		t.Fatalf("expected a manual-reason turn completion to be recorded, got:\n%s", body)
	}
}

func TestCombatEndRecordsSessionEndingMetric(t *testing.T) {
	cfg := session.Config{Grid: grid.DefaultConfig(), Rules: rules.DefaultConfig()}
	sess := session.New("sched-metrics-3", 1, cfg)
	units := []rules.Unit{
		{ID: "P1", Team: rules.TeamPlayer, OwnerUserID: "u1", Position: grid.Position{X: 0, Y: 0},
			Stats: rules.Stats{HP: 20, MaxHP: 20, Attack: 20, Initiative: 10, MoveRange: 5, AttackRange: 1}},
		{ID: "M1", Team: rules.TeamMonster, Position: grid.Position{X: 1, Y: 0},
			Stats: rules.Stats{HP: 1, MaxHP: 1, Attack: 1, Initiative: 5, MoveRange: 3, AttackRange: 1}},
	}
	for _, u := range units {
		if err := sess.AddUnit(u); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}
	}
	go sess.Run()
	t.Cleanup(sess.Stop)

	sch := New(sess, quietAIConfig(time.Second))
	m := metrics.New()
	sch.SetMetrics(m)

	if _, err := sch.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	if _, err := sch.Submit(rules.Action{Kind: rules.ActionAttack, UnitID: "P1", TargetID: "M1"}); err != nil {
		t.Fatalf("Submit attack: %v", err)
	}
	if _, err := sch.Submit(rules.Action{Kind: rules.ActionEndTurn, UnitID: "P1"}); err != nil {
		t.Fatalf("Submit end_turn: %v", err)
	}

	body := scrapeMetrics(t, m)
	if !strings.Contains(body, "tacticsengine_session_endings_total") {
		t.Fatalf("expected a session ending to be recorded, got:\n%s", body)
	}
}

func TestPauseWithoutAnArmedDeadlineOnlySetsFlag(t *testing.T) {
	sess := twoUnitSession(t, "sched-3", 1)
	sch := New(sess, quietAIConfig(time.Second))
	sch.Pause()
	if !sch.Paused() {
		t.Fatal("expected Pause to still flip the paused flag even with no armed deadline")
	}
	sch.Resume()
	if sch.Paused() {
		t.Fatal("expected Resume to clear the paused flag")
	}
}

func adjacentUnitSession(t *testing.T, id string, seed int64) *session.Session {
	t.Helper()
	cfg := session.Config{Grid: grid.DefaultConfig(), Rules: rules.DefaultConfig()}
	s := session.New(id, seed, cfg)
	units := []rules.Unit{
		{
			ID: "P1", Team: rules.TeamPlayer, Name: "P1", Position: grid.Position{X: 0, Y: 0}, OwnerUserID: "u1",
			Stats: rules.Stats{HP: 20, MaxHP: 20, Attack: 5, Defense: 1, Initiative: 10, MoveRange: 5, AttackRange: 1},
		},
		{
			ID: "M1", Team: rules.TeamMonster, Name: "M1", Position: grid.Position{X: 1, Y: 0},
			Stats: rules.Stats{HP: 10, MaxHP: 10, Attack: 4, Defense: 0, Initiative: 8, MoveRange: 3, AttackRange: 1},
		},
	}
	for _, u := range units {
		if err := s.AddUnit(u); err != nil {
			t.Fatalf("AddUnit: %v", err)
		}
	}
	go s.Run()
	t.Cleanup(s.Stop)
	if _, err := s.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}
	return s
}

// decideAction only reads the TurnInfo it's handed plus live opponent
// positions via the session, so it can be exercised directly against a
// constructed TurnInfo without needing it to actually be that unit's turn.
func TestDecideActionAttacksWhenTargetInRange(t *testing.T) {
	sess := adjacentUnitSession(t, "sched-4", 1)
	sch := New(sess, quietAIConfig(time.Second))

	info := session.TurnInfo{
		UnitID: "M1", Team: rules.TeamMonster,
		Position: grid.Position{X: 1, Y: 0}, AttackRange: 1, MoveRange: 3,
	}
	action := sch.decideAction(info)
	if action == nil || action.Kind != rules.ActionAttack || action.TargetID != "P1" {
		t.Fatalf("expected an attack on P1, got %+v", action)
	}
}

func TestDecideActionMovesTowardClosestEnemyWhenOutOfRange(t *testing.T) {
	sess := twoUnitSession(t, "sched-5", 1)
	sch := New(sess, quietAIConfig(time.Second))

	info := session.TurnInfo{
		UnitID: "M1", Team: rules.TeamMonster,
		Position: grid.Position{X: 5, Y: 5}, AttackRange: 1, MoveRange: 3, MovementRemaining: 3,
	}
	action := sch.decideAction(info)
	if action == nil || action.Kind != rules.ActionMove {
		t.Fatalf("expected a move action toward P1, got %+v", action)
	}
	if len(action.Path) < 2 {
		t.Fatalf("expected a multi-step path, got %v", action.Path)
	}
	if steps := len(action.Path) - 1; steps > info.MovementRemaining {
		t.Fatalf("expected path to respect movement remaining %d, got %d steps", info.MovementRemaining, steps)
	}
	start := action.Path[0]
	if start != info.Position {
		t.Fatalf("expected path to start at the unit's position, got %v", start)
	}
	end := action.Path[len(action.Path)-1]
	before := info.Position.ChebyshevDistance(grid.Position{X: 0, Y: 0})
	after := end.ChebyshevDistance(grid.Position{X: 0, Y: 0})
	if after >= before {
		t.Fatalf("expected move to reduce distance to P1: before=%d after=%d", before, after)
	}
}

func TestDecideActionEndsTurnWithNoLivingOpponents(t *testing.T) {
	cfg := session.Config{Grid: grid.DefaultConfig(), Rules: rules.DefaultConfig()}
	sess := session.New("sched-6", 1, cfg)
	if err := sess.AddUnit(rules.Unit{
		ID: "M1", Team: rules.TeamMonster, Position: grid.Position{X: 0, Y: 0},
		Stats: rules.Stats{HP: 10, MaxHP: 10, Initiative: 1, MoveRange: 3, AttackRange: 1},
	}); err != nil {
		t.Fatalf("AddUnit: %v", err)
	}
	go sess.Run()
	t.Cleanup(sess.Stop)
	if _, err := sess.StartCombat(); err != nil {
		t.Fatalf("StartCombat: %v", err)
	}

	sch := New(sess, quietAIConfig(time.Second))
	info := session.TurnInfo{UnitID: "M1", Team: rules.TeamMonster, Position: grid.Position{X: 0, Y: 0}, AttackRange: 1, MoveRange: 3}
	if action := sch.decideAction(info); action != nil {
		t.Fatalf("expected no action with no living opponents, got %+v", action)
	}
}
