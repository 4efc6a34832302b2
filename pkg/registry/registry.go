// Package registry implements the Session Registry (spec.md §9's
// "cyclic references (connections <-> sessions <-> users) -> index
// tables" design note): the single process-wide `sessionId -> session
// worker handle` index, plus the matching scheduler index. It
// generalizes the teacher's RPCServer sessions map
// (pkg/server/session.go: getSession/setSession, reference counting,
// and the startSessionCleanup/cleanupExpiredSessions background
// worker) from a per-player session keyed by connection to one combat
// session keyed by sessionId, shared by every connection joined to it.
package registry

import (
	"fmt"
	"sync"
	"time"

	"tacticsengine/pkg/config"
	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/scheduler"
	"tacticsengine/pkg/session"
	"tacticsengine/pkg/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry owns every live combat session and its scheduler for the
// lifetime of the process.
type Registry struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu         sync.RWMutex
	sessions   map[string]*session.Session
	schedulers map[string]*scheduler.Scheduler
	names      map[string]string

	stop chan struct{}
}

// New creates an empty Registry.
func New(cfg *config.Config, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:        cfg,
		metrics:    m,
		log:        logrus.WithField("component", "registry"),
		sessions:   make(map[string]*session.Session),
		schedulers: make(map[string]*scheduler.Scheduler),
		names:      make(map[string]string),
		stop:       make(chan struct{}),
	}
}

// sessionConfig builds the §9 session configuration struct from the
// process-wide config, so every created session shares the same map
// generation and rule constants unless a future lobby API overrides them.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Grid: grid.Config{
			WallDensity:  cfg.WallDensity,
			ShopOffsetX:  cfg.ShopOffsetX,
			ShopOffsetY:  cfg.ShopOffsetY,
			WaterOffsetX: cfg.WaterOffsetX,
			WaterOffsetY: cfg.WaterOffsetY,
		},
		Rules: rules.Config{
			CritChance:      cfg.CritChance,
			SleepHealAmount: cfg.SleepHealAmount,
		},
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		TurnDeadline:        cfg.TurnDeadline,
		NPCTurnMode:         scheduler.Mode(cfg.NPCTurnMode),
		GameSpeedMultiplier: cfg.GameSpeedMultiplier,
	}
}

// CreateSession starts a new combat session and its scheduler from a
// lobby-supplied roster, registers both in the index, and runs the
// session's actor goroutine. Matchmaking itself (how the roster was
// assembled) is out of scope (§ Non-goals); this is the seam an
// external lobby/admin caller uses once a roster is ready.
func (r *Registry) CreateSession(name string, units []rules.Unit, seed int64) (*session.Session, *scheduler.Scheduler, error) {
	id := uuid.New().String()
	sess := session.New(id, seed, sessionConfig(r.cfg))

	for _, u := range units {
		if err := sess.AddUnit(u); err != nil {
			return nil, nil, fmt.Errorf("create session: %w", err)
		}
	}

	sch := scheduler.New(sess, schedulerConfig(r.cfg))
	sch.SetMetrics(r.metrics)

	r.mu.Lock()
	r.sessions[id] = sess
	r.schedulers[id] = sch
	r.names[id] = name
	count := len(r.sessions)
	r.mu.Unlock()

	go sess.Run()

	if r.metrics != nil {
		r.metrics.UpdateActiveSessions(count)
	}
	r.log.WithFields(logrus.Fields{"sessionId": id, "units": len(units)}).Info("session created")
	return sess, sch, nil
}

// Restore rehydrates a session from a stored snapshot (§4.9) and
// registers it under its original id, for resuming a saved encounter.
func (r *Registry) Restore(snap session.Snapshot) (*session.Session, *scheduler.Scheduler, error) {
	sess, err := session.Replay(snap.ID, snap)
	if err != nil {
		return nil, nil, fmt.Errorf("restore session: %w", err)
	}
	sch := scheduler.New(sess, schedulerConfig(r.cfg))
	sch.SetMetrics(r.metrics)

	r.mu.Lock()
	r.sessions[snap.ID] = sess
	r.schedulers[snap.ID] = sch
	r.names[snap.ID] = snap.Name
	count := len(r.sessions)
	r.mu.Unlock()

	go sess.Run()

	if r.metrics != nil {
		r.metrics.UpdateActiveSessions(count)
	}
	r.log.WithField("sessionId", snap.ID).Info("session restored from snapshot")
	return sess, sch, nil
}

// Lookup resolves sessionId to its Session, satisfying both
// connmgr.SessionLookup and router.SessionLookup.
func (r *Registry) Lookup(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SchedulerLookup resolves sessionId to its Scheduler, satisfying
// router.SchedulerLookup.
func (r *Registry) SchedulerLookup(sessionID string) (*scheduler.Scheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[sessionID]
	return s, ok
}

// SaveSnapshot persists sess's current state under slot via store.
func (r *Registry) SaveSnapshot(st store.SaveStore, slot string, sess *session.Session) error {
	r.mu.RLock()
	name := r.names[sess.ID]
	r.mu.RUnlock()
	snap := sess.Snapshot(name)
	return st.Save(slot, name, snap)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartCleanup launches a background goroutine that stops and evicts
// sessions that have been both idle for longer than idleTimeout and
// unreferenced by any in-flight handler, mirroring the teacher's
// startSessionCleanup/cleanupExpiredSessions ticker.
func (r *Registry) StartCleanup(interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				r.cleanupExpired(idleTimeout)
			case <-r.stop:
				ticker.Stop()
				return
			}
		}
	}()
}

func (r *Registry) cleanupExpired(idleTimeout time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		if sess.InUse() {
			continue
		}
		if sess.IdleFor(now) <= idleTimeout {
			continue
		}
		sess.Stop()
		delete(r.sessions, id)
		delete(r.schedulers, id)
		delete(r.names, id)
		r.log.WithField("sessionId", id).Info("evicted idle session")
	}

	if r.metrics != nil {
		r.metrics.UpdateActiveSessions(len(r.sessions))
	}
}

// Shutdown stops the cleanup loop and every live session's actor
// goroutine, for graceful process shutdown.
func (r *Registry) Shutdown() {
	close(r.stop)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		sess.Stop()
	}
}
