// Package scheduler drives real-time turn deadlines, pause/resume, and
// NPC/monster AI ticking on top of a session, generalizing the teacher's
// TurnManager (pkg/server/combat.go: startTurnTimer/endTurn's
// time.AfterFunc pattern) from a callback-invoking timer into one that
// posts a message (here, submits an action back through the session's
// single-writer queue) rather than mutating state directly from the timer
// goroutine (§9, "Timers post messages rather than invoking callbacks").
package scheduler

import (
	"sync"
	"time"

	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/pathfind"
	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/session"

	"github.com/sirupsen/logrus"
)

// Mode selects how the scheduler paces consecutive NPC/monster turns
// (§4.6).
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Config is the scheduler's session-level configuration (§9).
type Config struct {
	TurnDeadline        time.Duration
	NPCTurnMode         Mode
	GameSpeedMultiplier float64
}

// DefaultConfig returns the source-preserved scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TurnDeadline:        15 * time.Second,
		NPCTurnMode:         ModeSequential,
		GameSpeedMultiplier: 1.0,
	}
}

const (
	sequentialPacing = 500 * time.Millisecond
	parallelPacing   = 150 * time.Millisecond
)

// Scheduler wraps one Session, intercepting every externally submitted
// action so it can maintain the current turn-holder's deadline timer and
// kick off AI ticking whenever the turn passes to an NPC or monster unit.
// Callers (the message router) should submit actions through the
// Scheduler, never directly through the Session, once a scheduler exists
// for it.
type Scheduler struct {
	sess    *session.Session
	config  Config
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu            sync.Mutex
	timer         *time.Timer
	deadlineSeq   uint64
	turnUnitID    string
	deadlineAt    time.Time
	remaining     time.Duration
	paused        bool
	turnStartedAt time.Time
	turnTeam      rules.TeamKind
	turnEndReason string
}

// New binds a Scheduler to a session.
func New(sess *session.Session, cfg Config) *Scheduler {
	return &Scheduler{
		sess:   sess,
		config: cfg,
		log:    logrus.WithFields(logrus.Fields{"component": "scheduler", "sessionId": sess.ID}),
	}
}

// SetMetrics assigns the metrics recorder, for wiring call sites that
// build the Scheduler before metrics are constructed (mirrors
// connmgr's SetBroadcast).
func (sch *Scheduler) SetMetrics(m *metrics.Metrics) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.metrics = m
}

// StartCombat starts combat on the underlying session and arms the
// deadline/AI machinery for whichever unit goes first.
func (sch *Scheduler) StartCombat() ([]rules.Event, error) {
	events, err := sch.sess.StartCombat()
	if err != nil {
		return nil, err
	}
	sch.handleEvents(events)
	return events, nil
}

// Submit routes an action through the session and reacts to the events it
// produced: starting/cancelling the turn deadline and, if the turn passed
// to an NPC/monster, kicking off its AI tick.
func (sch *Scheduler) Submit(action rules.Action) ([]rules.Event, error) {
	events, err := sch.sess.Submit(action)
	if err != nil {
		return nil, err
	}
	sch.handleEvents(events)
	return events, nil
}

func (sch *Scheduler) handleEvents(events []rules.Event) {
	for _, ev := range events {
		switch ev.Type {
		case rules.EventTurnEnded:
			sch.recordTurnCompleted()
		case rules.EventTurnStarted:
			if unitID, ok := ev.Data["unitId"].(string); ok {
				sch.onTurnStarted(unitID)
			}
		case rules.EventCombatEnded:
			sch.cancelDeadline()
			if sch.metrics != nil {
				if result, ok := ev.Data["result"].(rules.EndResult); ok {
					sch.metrics.RecordSessionEnding(string(result))
				}
			}
		}
	}
}

// recordTurnCompleted reports the just-ended turn's duration and the
// reason it ended (manual end_turn vs. deadline timeout), keyed by the
// team whose turn it was.
func (sch *Scheduler) recordTurnCompleted() {
	sch.mu.Lock()
	started := sch.turnStartedAt
	team := sch.turnTeam
	reason := sch.turnEndReason
	sch.turnEndReason = "manual"
	sch.mu.Unlock()

	if sch.metrics == nil || started.IsZero() {
		return
	}
	if reason == "" {
		reason = "manual"
	}
	sch.metrics.RecordTurnCompleted(reason, string(team), time.Since(started))
}

func (sch *Scheduler) onTurnStarted(unitID string) {
	info, ok := sch.sess.CurrentTurn()
	if !ok || info.UnitID != unitID {
		return
	}
	sch.mu.Lock()
	sch.turnStartedAt = time.Now()
	sch.turnTeam = info.Team
	sch.mu.Unlock()

	if info.OwnerUserID != "" {
		sch.startDeadline(unitID)
		return
	}
	sch.cancelDeadline()
	go sch.runAITurn(unitID)
}

// startDeadline arms the 15-second (configurable) wall-clock deadline for
// a player-team unit's turn (§4.6).
func (sch *Scheduler) startDeadline(unitID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.stopTimerLocked()
	sch.turnUnitID = unitID
	sch.remaining = sch.config.TurnDeadline
	sch.paused = false
	sch.armLocked()
}

// armLocked schedules the expiry callback for sch.remaining from now,
// tagged with the current deadline generation so a stale timer firing
// after a pause/resume or a new turn can't act on it.
func (sch *Scheduler) armLocked() {
	sch.deadlineAt = time.Now().Add(sch.remaining)
	sch.deadlineSeq++
	seq := sch.deadlineSeq
	unitID := sch.turnUnitID
	sch.timer = time.AfterFunc(sch.remaining, func() { sch.onDeadlineExpired(seq, unitID) })
}

func (sch *Scheduler) stopTimerLocked() {
	if sch.timer != nil {
		sch.timer.Stop()
		sch.timer = nil
	}
}

// cancelDeadline clears any armed deadline, used when combat ends or the
// turn moves to an NPC/monster (which has no wall-clock deadline).
func (sch *Scheduler) cancelDeadline() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.stopTimerLocked()
	sch.turnUnitID = ""
}

// onDeadlineExpired submits an end_turn action on the timed-out player's
// behalf (§4.6: "On expiry, the scheduler submits an end_turn action on
// the player's behalf"). seq guards against a timer that fired just as a
// pause, resume, or manual end_turn raced it.
func (sch *Scheduler) onDeadlineExpired(seq uint64, unitID string) {
	sch.mu.Lock()
	current := sch.deadlineSeq
	paused := sch.paused
	sch.mu.Unlock()
	if paused || seq != current {
		return
	}

	sch.log.WithField("unitId", unitID).Info("timeout: turn deadline expired, auto end_turn")
	sch.mu.Lock()
	sch.turnEndReason = "timeout"
	sch.mu.Unlock()
	if _, err := sch.Submit(rules.Action{Kind: rules.ActionEndTurn, UnitID: unitID}); err != nil {
		sch.mu.Lock()
		sch.turnEndReason = "manual"
		sch.mu.Unlock()
		sch.log.WithError(err).Warn("auto end_turn on deadline expiry was rejected")
	}
}

// Pause freezes the current turn's remaining deadline without resetting
// it (§4.6). If no deadline is currently armed, or the scheduler is already
// paused, it only sets the paused flag.
func (sch *Scheduler) Pause() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.paused || sch.turnUnitID == "" {
		sch.paused = true
		return
	}
	sch.remaining = time.Until(sch.deadlineAt)
	if sch.remaining < 0 {
		sch.remaining = 0
	}
	sch.stopTimerLocked()
	sch.paused = true
}

// Resume re-arms the deadline for whatever time remained when Pause was
// called.
func (sch *Scheduler) Resume() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if !sch.paused {
		return
	}
	sch.paused = false
	if sch.turnUnitID == "" {
		return
	}
	sch.armLocked()
}

// Paused reports whether the scheduler currently has deadlines frozen.
func (sch *Scheduler) Paused() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.paused
}

// Remaining reports how much time is left on the current deadline. Edge
// case per §8: remaining <= 0 is treated as expired even if the timer
// hasn't fired yet.
func (sch *Scheduler) Remaining() time.Duration {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.turnUnitID == "" {
		return 0
	}
	if sch.paused {
		return sch.remaining
	}
	return time.Until(sch.deadlineAt)
}

// runAITurn executes the fixed AI heuristic for one NPC/monster turn
// (§4.6): attack if a target is in range, else move toward the closest
// living player-team unit via the pathfinder, else end the turn. The
// policy produces at most one action before always ending the turn —
// it is not pluggable in this core.
func (sch *Scheduler) runAITurn(unitID string) {
	time.Sleep(sch.pacingDelay())

	info, ok := sch.sess.CurrentTurn()
	if !ok || info.UnitID != unitID {
		return
	}

	if action := sch.decideAction(info); action != nil {
		if _, err := sch.Submit(*action); err != nil {
			sch.log.WithError(err).WithField("unitId", unitID).Warn("AI action rejected")
		}
	}

	info, ok = sch.sess.CurrentTurn()
	if ok && info.UnitID == unitID {
		if _, err := sch.Submit(rules.Action{Kind: rules.ActionEndTurn, UnitID: unitID}); err != nil {
			sch.log.WithError(err).WithField("unitId", unitID).Warn("AI end_turn rejected")
		}
	}
}

// pacingDelay returns the visual delay between consecutive monster turns,
// scaled by the session's game-speed multiplier (§4.6).
func (sch *Scheduler) pacingDelay() time.Duration {
	base := sequentialPacing
	if sch.config.NPCTurnMode == ModeParallel {
		base = parallelPacing
	}
	mult := sch.config.GameSpeedMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(base) / mult)
}

// decideAction implements the fixed heuristic against a read-only
// TurnInfo snapshot.
func (sch *Scheduler) decideAction(info session.TurnInfo) *rules.Action {
	opponents := sch.sess.LivingOpposing(info.Team)
	if len(opponents) == 0 {
		return nil
	}

	if !info.HasAttacked {
		for _, opp := range opponents {
			if info.Position.ChebyshevDistance(opp.Position) <= info.AttackRange {
				return &rules.Action{Kind: rules.ActionAttack, UnitID: info.UnitID, TargetID: opp.UnitID}
			}
		}
	}

	closest := closestTo(info.Position, opponents)
	occupants := sch.sess.Occupants(info.UnitID, info.Team)
	path, found := pathfind.FindPath(sch.sess.Grid(), info.Position, closest.Position, occupants)
	if !found || len(path) <= 1 {
		return nil
	}
	// The last step is the target's own tile, which cannot be stopped on.
	path = path[:len(path)-1]

	if steps := len(path) - 1; steps > info.MovementRemaining {
		path = path[:info.MovementRemaining+1]
	}
	if len(path) <= 1 {
		return nil
	}
	return &rules.Action{Kind: rules.ActionMove, UnitID: info.UnitID, Path: path}
}

// closestTo returns the opponent nearest to from by Chebyshev distance,
// breaking ties by unit id for determinism.
func closestTo(from grid.Position, opponents []session.TurnInfo) session.TurnInfo {
	best := opponents[0]
	bestDist := from.ChebyshevDistance(best.Position)
	for _, opp := range opponents[1:] {
		d := from.ChebyshevDistance(opp.Position)
		if d < bestDist || (d == bestDist && opp.UnitID < best.UnitID) {
			best = opp
			bestDist = d
		}
	}
	return best
}
