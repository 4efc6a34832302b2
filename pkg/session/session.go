// Package session implements the per-encounter state machine: a single
// goroutine owns one Session's rules.State and serializes every action
// through an inbound closure queue, generalizing the teacher's
// reference-counted PlayerSession and background cleanup worker
// (pkg/server/session.go) into the "one inbound queue per session worker"
// design the combat engine needs (§5, §9).
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/pathfind"
	"tacticsengine/pkg/rng"
	"tacticsengine/pkg/rules"

	"github.com/sirupsen/logrus"
)

// Phase is the session-level lifecycle (§4.5), distinct from
// rules.CombatState.Phase: a session exists in "lobby" before any unit has
// taken a turn, then tracks the rules engine's in_progress/ended phases
// once StartCombat has run.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseInProgress Phase = "in_progress"
	PhaseEnded      Phase = "ended"
)

// HistoryEntry pairs one submitted action with the events it produced.
// Action is nil for the implicit start_combat entry and for the
// connection-lifecycle entries (player_reconnected, player_disconnected,
// player_left) written by Connect, Disconnect and Leave. Replaying the Action
// side of every entry, in order, against a freshly seeded State reproduces
// the same Events (§4, "turnHistory" determinism).
type HistoryEntry struct {
	Action *rules.Action
	Events []rules.Event
}

// Config is the lobby-supplied session configuration (§9): map generation,
// rule constants, and the weapon catalog/loot table, all read-only once a
// session exists.
type Config struct {
	Grid   grid.Config
	Rules  rules.Config
	Weapon map[string]rules.Weapon
	Loot   []rules.Weapon
}

// ConnectionState tracks one player's connection lifecycle within the
// session's data model (§3): connected, or disconnected with a grace
// deadline before the player is dropped.
type ConnectionState struct {
	UserID         string
	Connected      bool
	DisconnectedAt time.Time
	GraceDeadline  time.Time
	ConnectionID   string
}

// Snapshot is the serializable record pkg/store persists and pkg/store
// reloads: everything needed to reconstruct a Session from scratch and
// continue applying actions identically (§4.9).
type Snapshot struct {
	ID           string
	Name         string
	Seed         int64
	Config       Config
	InitialUnits []rules.Unit
	History      []HistoryEntry
	SavedAt      time.Time
}

// Session owns one combat encounter's state exclusively. Every method that
// touches state is routed through the actor loop via submit, so state
// itself needs no internal locking (§5): the mutex here guards only the
// bookkeeping fields (phase, refCount, connections) that callers outside
// the actor loop read for routing decisions.
type Session struct {
	ID   string
	Seed int64

	log *logrus.Entry

	mu          sync.RWMutex
	phase       Phase
	connections map[string]*ConnectionState

	state        *rules.State
	config       Config
	initialUnits []rules.Unit
	history      []HistoryEntry

	inbox     chan func()
	closeOnce sync.Once
	doneCh    chan struct{}

	refCount     int32
	lastActivity atomic.Value // time.Time
}

// New constructs a session in the lobby phase, bound to a seed and
// configuration but with no units yet.
func New(id string, seed int64, cfg Config) *Session {
	g := grid.New(seed, cfg.Grid)
	r := rng.New(seed)
	state := rules.NewState(g, r, cfg.Rules)
	state.WeaponCatalog = cfg.Weapon
	state.LootTable = cfg.Loot

	s := &Session{
		ID:          id,
		Seed:        seed,
		log:         logrus.WithFields(logrus.Fields{"component": "session", "sessionId": id}),
		phase:       PhaseLobby,
		connections: make(map[string]*ConnectionState),
		state:       state,
		config:      cfg,
		inbox:       make(chan func(), 64),
		doneCh:      make(chan struct{}),
	}
	s.lastActivity.Store(time.Now())
	return s
}

// Run processes the inbound queue until it is closed. Exactly one
// goroutine should ever call Run for a given Session (§5's single-writer
// actor); Submit/StartCombat/etc. are safe to call from any goroutine
// because they only ever enqueue work for this loop to execute.
func (s *Session) Run() {
	defer close(s.doneCh)
	for fn := range s.inbox {
		s.runGuarded(fn)
	}
}

// Stop closes the inbound queue, letting Run drain and return. Safe to
// call once; subsequent calls are no-ops.
func (s *Session) Stop() {
	s.closeOnce.Do(func() { close(s.inbox) })
}

// Done reports a channel that closes once Run has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// runGuarded executes fn with panic containment (§6 "Propagation policy":
// a panicking session worker must be contained and isolated; the session
// transitions to ended(result = aborted) and never serves stale state).
func (s *Session) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("session worker panic, aborting session")
			s.mu.Lock()
			s.phase = PhaseEnded
			s.mu.Unlock()
			s.state.Combat.Phase = rules.PhaseEnded
			s.state.Combat.EndResult = rules.EndResultAborted
			s.state.Combat.TurnState = nil
		}
	}()
	fn()
}

// submit enqueues fn on the actor loop and blocks until it has run,
// returning whatever fn produced. Every public mutation goes through this
// so call order on inbox is call order of execution, matching the
// envelope's ordering guarantee (§6: "no two actions on the same session
// ever interleave").
func (s *Session) submit(fn func() ([]rules.Event, error)) ([]rules.Event, error) {
	type result struct {
		events []rules.Event
		err    error
	}
	resultCh := make(chan result, 1)
	s.inbox <- func() {
		events, err := fn()
		resultCh <- result{events, err}
	}
	r := <-resultCh
	s.lastActivity.Store(time.Now())
	return r.events, r.err
}

// Query runs fn against the live state from within the actor loop,
// blocking until it completes, for read-only callers (the turn scheduler's
// AI policy, snapshot builders) that need a consistent view without racing
// a concurrent Submit.
func (s *Session) Query(fn func(*rules.State)) {
	done := make(chan struct{})
	s.inbox <- func() {
		fn(s.state)
		close(done)
	}
	<-done
}

// Grid returns the session's map. Grid has no mutable state of its own
// (§4.1: GetTile is a pure function of seed/config), so it's safe to read
// directly without routing through Query.
func (s *Session) Grid() *grid.Grid {
	return s.state.Grid
}

// TurnInfo is the read-only view of the acting unit the turn scheduler
// needs to enforce deadlines and drive AI, without exposing *rules.State
// itself outside the actor loop.
type TurnInfo struct {
	UnitID            string
	Team              rules.TeamKind
	OwnerUserID       string
	Position          grid.Position
	AttackRange       int
	MoveRange         int
	MovementRemaining int
	HasAttacked       bool
}

// CurrentTurn returns the unit currently holding the turn, if combat is
// in progress.
func (s *Session) CurrentTurn() (TurnInfo, bool) {
	var info TurnInfo
	var ok bool
	s.Query(func(st *rules.State) {
		if st.Combat.Phase != rules.PhaseInProgress || st.Combat.TurnState == nil {
			return
		}
		u, exists := st.Units[st.Combat.TurnState.UnitID]
		if !exists || !u.Alive() {
			return
		}
		ok = true
		info = TurnInfo{
			UnitID:            u.ID,
			Team:              u.Team,
			OwnerUserID:       u.OwnerUserID,
			Position:          u.Position,
			AttackRange:       u.Stats.AttackRange,
			MoveRange:         u.Stats.MoveRange,
			MovementRemaining: st.Combat.TurnState.MovementRemaining,
			HasAttacked:       st.Combat.TurnState.HasAttacked,
		}
	})
	return info, ok
}

// LivingOpposing returns every living unit on the opposite side from
// team, for the AI policy's target/move selection.
func (s *Session) LivingOpposing(team rules.TeamKind) []TurnInfo {
	var out []TurnInfo
	s.Query(func(st *rules.State) {
		moverSide := rules.IsPlayerSide(team)
		for _, u := range st.Units {
			if !u.Alive() || rules.IsPlayerSide(u.Team) == moverSide {
				continue
			}
			out = append(out, TurnInfo{
				UnitID: u.ID, Team: u.Team, OwnerUserID: u.OwnerUserID,
				Position: u.Position, AttackRange: u.Stats.AttackRange, MoveRange: u.Stats.MoveRange,
			})
		}
	})
	return out
}

// Occupants builds the pathfinder's team-aware occupant list relative to
// moverTeam, excluding excludeUnitID, for the AI policy's findPath call.
func (s *Session) Occupants(excludeUnitID string, moverTeam rules.TeamKind) []pathfind.Occupant {
	var out []pathfind.Occupant
	s.Query(func(st *rules.State) {
		moverSide := rules.IsPlayerSide(moverTeam)
		for _, u := range st.Units {
			if u.ID == excludeUnitID {
				continue
			}
			out = append(out, pathfind.Occupant{
				Position: u.Position, Alive: u.Alive(), Friendly: rules.IsPlayerSide(u.Team) == moverSide,
			})
		}
	})
	return out
}

// AddUnit adds a unit to the roster. Only valid before StartCombat; once
// combat has started the roster is frozen for the duration of the
// encounter. The unit is queued on the actor loop without waiting for it
// to run, so AddUnit may be called before Run starts; the queue holds 64
// pending operations until Run drains it.
func (s *Session) AddUnit(u rules.Unit) error {
	if s.Phase() != PhaseLobby {
		return fmt.Errorf("cannot add unit %s: combat already started", u.ID)
	}
	unit := u
	s.inbox <- func() {
		if s.state.Combat.Phase == rules.PhaseNotStarted {
			s.state.Units[unit.ID] = &unit
		}
	}
	return nil
}

// StartCombat transitions lobby -> in_progress, snapshotting the roster
// for later replay before handing off to the rules engine.
func (s *Session) StartCombat() ([]rules.Event, error) {
	events, err := s.submit(func() ([]rules.Event, error) {
		roster := make([]rules.Unit, 0, len(s.state.Units))
		for _, u := range s.state.Units {
			roster = append(roster, *u)
		}
		evs, err := rules.StartCombat(s.state)
		if err != nil {
			return nil, err
		}
		s.initialUnits = roster
		return evs, nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.phase = PhaseInProgress
	s.mu.Unlock()
	s.appendHistory(nil, events)
	return events, nil
}

// Submit applies one action to the session's state through the actor
// loop, appending the resulting events to turnHistory on success. A rule
// violation leaves state and history untouched, matching Apply's own
// all-or-nothing contract.
func (s *Session) Submit(action rules.Action) ([]rules.Event, error) {
	events, err := s.submit(func() ([]rules.Event, error) {
		return rules.Apply(s.state, action)
	})
	if err != nil {
		return nil, err
	}
	s.appendHistory(&action, events)
	if s.state.Combat.Phase == rules.PhaseEnded {
		s.mu.Lock()
		s.phase = PhaseEnded
		s.mu.Unlock()
	}
	return events, nil
}

func (s *Session) appendHistory(action *rules.Action, events []rules.Event) {
	var a *rules.Action
	if action != nil {
		cp := *action
		a = &cp
	}
	s.mu.Lock()
	s.history = append(s.history, HistoryEntry{Action: a, Events: events})
	s.mu.Unlock()
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// History returns a copy of the append-only event log recorded so far.
func (s *Session) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot captures everything pkg/store needs to persist and later
// reconstruct this session via Replay.
func (s *Session) Snapshot(name string) Snapshot {
	units := s.initialUnits
	if s.Phase() == PhaseLobby {
		units = nil
		s.Query(func(st *rules.State) {
			for _, u := range st.Units {
				units = append(units, *u)
			}
		})
	}
	return Snapshot{
		ID:           s.ID,
		Name:         name,
		Seed:         s.Seed,
		Config:       s.config,
		InitialUnits: units,
		History:      s.History(),
		SavedAt:      time.Now(),
	}
}

// Replay reconstructs a Session from a Snapshot by re-running its history
// through a freshly seeded state: StartCombat for the nil-action
// combat_started entry, then Apply for every entry with an action, in
// order; nil-action connection-lifecycle entries are copied into the
// rebuilt history unchanged. Because Apply's
// randomness is forked deterministically from the seed and call sequence
// (pkg/rng), this reproduces bit-identical events to the original run
// (§4's testable replay-determinism property), and leaves the rebuilt
// Session ready to accept new actions from where the snapshot left off.
func Replay(id string, snap Snapshot) (*Session, error) {
	s := New(id, snap.Seed, snap.Config)
	for _, u := range snap.InitialUnits {
		if err := s.AddUnit(u); err != nil {
			return nil, fmt.Errorf("replay: seeding roster: %w", err)
		}
	}

	go s.Run()

	for i, entry := range snap.History {
		var events []rules.Event
		var err error
		if entry.Action == nil {
			if len(entry.Events) > 0 && entry.Events[0].Type != rules.EventCombatStarted {
				s.appendHistory(nil, entry.Events)
				continue
			}
			events, err = s.StartCombat()
		} else {
			events, err = s.Submit(*entry.Action)
		}
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("replay: entry %d: %w", i, err)
		}
		if !eventsEqual(events, entry.Events) {
			s.Stop()
			return nil, fmt.Errorf("replay: entry %d produced divergent events", i)
		}
	}

	return s, nil
}

func eventsEqual(a, b []rules.Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// Connect records a player's connection, clearing any pending
// disconnect-grace state (§4.7 reconnect).
func (s *Session) Connect(userID, connectionID string) []rules.Event {
	s.mu.Lock()
	cs, existed := s.connections[userID]
	if !existed {
		cs = &ConnectionState{UserID: userID}
		s.connections[userID] = cs
	}
	wasDisconnected := !cs.Connected && existed
	cs.Connected = true
	cs.ConnectionID = connectionID
	cs.DisconnectedAt = time.Time{}
	cs.GraceDeadline = time.Time{}
	s.mu.Unlock()

	if wasDisconnected {
		ev := rules.NewEvent(rules.EventPlayerReconnected, map[string]interface{}{"userId": userID})
		s.appendHistory(nil, []rules.Event{ev})
		return []rules.Event{ev}
	}
	return nil
}

// Disconnect marks a player disconnected and starts its reconnect-grace
// deadline (§4.7); returns the player_disconnected event to broadcast.
func (s *Session) Disconnect(userID string, grace time.Duration) rules.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cs, ok := s.connections[userID]
	if !ok {
		cs = &ConnectionState{UserID: userID}
		s.connections[userID] = cs
	}
	cs.Connected = false
	cs.DisconnectedAt = now
	cs.GraceDeadline = now.Add(grace)
	ev := rules.NewEvent(rules.EventPlayerDisconnected, map[string]interface{}{
		"userId":        userID,
		"gracePeriodMs": grace.Milliseconds(),
	})
	s.history = append(s.history, HistoryEntry{Events: []rules.Event{ev}})
	return ev
}

// ExpiredGrace reports which disconnected players' grace deadlines have
// passed as of now.
func (s *Session) ExpiredGrace(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID, cs := range s.connections {
		if !cs.Connected && !cs.GraceDeadline.IsZero() && now.After(cs.GraceDeadline) {
			out = append(out, userID)
		}
	}
	return out
}

// Leave permanently removes a player's connection record and emits
// player_left; used both for an explicit leave and for grace-period
// expiry (reason differs).
func (s *Session) Leave(userID, reason string) rules.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, userID)
	ev := rules.NewEvent(rules.EventPlayerLeft, map[string]interface{}{
		"userId": userID,
		"reason": reason,
	})
	s.history = append(s.history, HistoryEntry{Events: []rules.Event{ev}})
	return ev
}

// AddRef/Release implement the reference-counting pattern the teacher
// uses (pkg/server/session.go's PlayerSession) so a cleanup sweep never
// tears down a session a request handler currently holds.
func (s *Session) AddRef() {
	atomic.AddInt32(&s.refCount, 1)
}

// Release drops a reference taken by AddRef.
func (s *Session) Release() {
	atomic.AddInt32(&s.refCount, -1)
}

// InUse reports whether any caller currently holds a reference.
func (s *Session) InUse() bool {
	return atomic.LoadInt32(&s.refCount) > 0
}

// IdleFor reports how long it has been since this session last processed
// a submitted action, for the cleanup sweep's idle-timeout check.
func (s *Session) IdleFor(now time.Time) time.Duration {
	last, _ := s.lastActivity.Load().(time.Time)
	return now.Sub(last)
}
