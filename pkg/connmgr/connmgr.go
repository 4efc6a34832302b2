// Package connmgr implements the connection manager (§4.7): the
// authentication handshake, reconnect grace window, single-connection-
// per-user eviction, and per-category rate limiting. It generalizes the
// teacher's IP-keyed token-bucket RateLimiter (pkg/server/ratelimit.go)
// to per-connection/per-category limiters, and its wsConnection write
// mutex into the Transport abstraction below so the manager itself never
// depends on a concrete websocket library.
package connmgr

import (
	"errors"
	"sync"
	"time"

	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Status is a connection's position in the auth handshake (§4.7).
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusAuthenticated Status = "authenticated"
	StatusClosed        Status = "closed"
)

// Category names a rate-limited action class (§4.7).
type Category string

const (
	CategoryAction Category = "action"
	CategoryChat   Category = "chat"
)

// Close codes (§6).
const (
	CloseAuthTimeout     = 4001
	CloseAuthFailed      = 4002
	CloseReplacedByNewer = 4003
)

// Error codes (§6), carried in error{} messages the router sends.
const (
	ErrCodeAuthRequired  = "AUTH_REQUIRED"
	ErrCodeAuthFailed    = "AUTH_FAILED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInvalidMsg    = "INVALID_MESSAGE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

var (
	ErrConnectionNotFound = errors.New("connmgr: connection not found")
	ErrAlreadyAuthed      = errors.New("connmgr: connection already authenticated")
)

// Transport is the minimum a connection manager needs from a concrete
// transport (a *websocket.Conn wrapped with its own write mutex, in
// production): send one outbound message, or force-close with a code.
// Keeping the manager ignorant of the websocket library itself keeps it
// unit-testable without a real socket.
type Transport interface {
	Send(v interface{}) error
	Close(code int, reason string) error
}

// Connection is the per-connection state the manager maintains (§4.7's
// data model).
type Connection struct {
	ID           string
	UserID       string
	SessionID    string
	AuthDeadline time.Time
	LastActivity time.Time
	Status       Status

	transport Transport
	authTimer *time.Timer

	outboundSeq int64
	mu          sync.Mutex

	actionLimiter *rate.Limiter
	chatLimiter   *rate.Limiter
}

// NextOutboundSeq returns the next monotonic per-connection sequence
// number for a server-sent message (§6: "server seq is strictly
// increasing per connection").
func (c *Connection) NextOutboundSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboundSeq++
	return c.outboundSeq
}

// Config is the connection manager's tunables (§9, §8's cancellation
// table).
type Config struct {
	AuthDeadline    time.Duration
	ReconnectGrace  time.Duration
	RateLimitWindow time.Duration
	ActionRateLimit int
	ChatRateLimit   int
}

// DefaultConfig returns the source-preserved defaults.
func DefaultConfig() Config {
	return Config{
		AuthDeadline:    5 * time.Second,
		ReconnectGrace:  30 * time.Second,
		RateLimitWindow: 60 * time.Second,
		ActionRateLimit: 30,
		ChatRateLimit:   20,
	}
}

// BroadcastFunc fans events out to every connection currently joined to a
// session, optionally excluding one (echo suppression, §4.8).
type BroadcastFunc func(sessionID string, events []rules.Event, excludeConnectionID string)

// SessionLookup resolves a sessionId to its live Session, used to reattach
// a reconnecting user and to post leave/disconnect transitions.
type SessionLookup func(sessionID string) (*session.Session, bool)

type graceEntry struct {
	userID    string
	sessionID string
	timer     *time.Timer
}

// Manager owns the two process-wide indexes (§5's "Shared resources"):
// connectionId -> Connection and userId -> connectionId. Every exported
// method takes mu itself, so — per §5's "mutated only from the manager's
// own worker" — callers never need to coordinate locking themselves; a
// mutex gives the same single-writer serialization as the session actor's
// message queue without the extra machinery, since the manager's own
// operations are map CRUD with no multi-step invariant to protect mid-
// operation.
type Manager struct {
	cfg       Config
	log       *logrus.Entry
	lookup    SessionLookup
	broadcast BroadcastFunc

	mu          sync.Mutex
	connections map[string]*Connection
	users       map[string]string
	grace       map[string]*graceEntry // keyed by userID
}

// New constructs a Manager. lookup resolves a session by id (for
// reattaching a reconnecting user and posting leave actions); broadcast
// fans events out to a session's connected members.
func New(cfg Config, lookup SessionLookup, broadcast BroadcastFunc) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         logrus.WithField("component", "connmgr"),
		lookup:      lookup,
		broadcast:   broadcast,
		connections: make(map[string]*Connection),
		users:       make(map[string]string),
		grace:       make(map[string]*graceEntry),
	}
}

// Register assigns a new connectionId and arms the auth deadline (§4.7
// steps 1-2).
func (m *Manager) Register(transport Transport) *Connection {
	conn := &Connection{
		ID:           uuid.NewString(),
		Status:       StatusConnecting,
		AuthDeadline: time.Now().Add(m.cfg.AuthDeadline),
		LastActivity: time.Now(),
		transport:    transport,
		actionLimiter: rate.NewLimiter(
			rate.Every(m.cfg.RateLimitWindow/time.Duration(m.cfg.ActionRateLimit)), m.cfg.ActionRateLimit),
		chatLimiter: rate.NewLimiter(
			rate.Every(m.cfg.RateLimitWindow/time.Duration(m.cfg.ChatRateLimit)), m.cfg.ChatRateLimit),
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()

	conn.authTimer = time.AfterFunc(m.cfg.AuthDeadline, func() { m.onAuthDeadline(conn.ID) })
	return conn
}

func (m *Manager) onAuthDeadline(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok || conn.Status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connID)
	m.mu.Unlock()

	m.log.WithField("connectionId", connID).Info("auth deadline expired")
	_ = conn.transport.Send(map[string]interface{}{"type": "error", "payload": map[string]string{"code": ErrCodeAuthRequired}})
	_ = conn.transport.Close(CloseAuthTimeout, "authentication required")
}

// Authenticate completes the handshake (§4.7 step 5): records userId,
// evicts any older connection for the same user (§4.7's single-
// connection-per-user, code 4003), and reattaches an in-progress
// reconnect grace window if one exists. Returns the sessionId the user
// is being reattached to, if any.
func (m *Manager) Authenticate(connID, userID, name string) (reconnectedSessionID string, err error) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return "", ErrConnectionNotFound
	}
	if conn.Status == StatusAuthenticated {
		m.mu.Unlock()
		return "", ErrAlreadyAuthed
	}
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	conn.Status = StatusAuthenticated
	conn.UserID = userID
	conn.LastActivity = time.Now()

	var older *Connection
	if oldID, exists := m.users[userID]; exists && oldID != connID {
		older = m.connections[oldID]
	}
	m.users[userID] = connID

	entry, reconnecting := m.grace[userID]
	if reconnecting {
		entry.timer.Stop()
		delete(m.grace, userID)
		conn.SessionID = entry.sessionID
	}
	m.mu.Unlock()

	if older != nil {
		m.log.WithFields(logrus.Fields{"userId": userID, "oldConnectionId": older.ID}).Info("evicting older connection for user")
		_ = older.transport.Close(CloseReplacedByNewer, "replaced by new connection")
	}

	if reconnecting {
		if sess, found := m.lookup(entry.sessionID); found {
			events := sess.Connect(userID, connID)
			if len(events) > 0 {
				m.broadcast(entry.sessionID, events, connID)
			}
		}
		return entry.sessionID, nil
	}
	return "", nil
}

// AuthFailed closes a connection that failed token verification (§4.7
// step 4).
func (m *Manager) AuthFailed(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if ok {
		delete(m.connections, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.transport.Send(map[string]interface{}{"type": "error", "payload": map[string]string{"code": ErrCodeAuthFailed}})
	_ = conn.transport.Close(CloseAuthFailed, "authentication failed")
}

// JoinSession attaches an authenticated connection to a session.
func (m *Manager) JoinSession(connID, sessionID string) error {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return ErrConnectionNotFound
	}
	conn.SessionID = sessionID
	userID := conn.UserID
	m.mu.Unlock()

	if sess, found := m.lookup(sessionID); found {
		sess.Connect(userID, connID)
	}
	return nil
}

// Disconnect tears down a closed transport connection (§4.7): if it was
// joined to a session, marks the player disconnected, broadcasts
// player_disconnected, and arms the 30-second reconnect grace timer.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connID)
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	if m.users[conn.UserID] == connID {
		delete(m.users, conn.UserID)
	}
	userID, sessionID := conn.UserID, conn.SessionID
	m.mu.Unlock()

	if userID == "" || sessionID == "" {
		return
	}

	sess, found := m.lookup(sessionID)
	if !found {
		return
	}

	ev := sess.Disconnect(userID, m.cfg.ReconnectGrace)
	m.broadcast(sessionID, []rules.Event{ev}, "")

	m.mu.Lock()
	m.grace[userID] = &graceEntry{
		userID:    userID,
		sessionID: sessionID,
		timer:     time.AfterFunc(m.cfg.ReconnectGrace, func() { m.onGraceExpired(userID) }),
	}
	m.mu.Unlock()
}

func (m *Manager) onGraceExpired(userID string) {
	m.mu.Lock()
	entry, ok := m.grace[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.grace, userID)
	m.mu.Unlock()

	sess, found := m.lookup(entry.sessionID)
	if !found {
		return
	}
	ev := sess.Leave(userID, "disconnect_timeout")
	m.broadcast(entry.sessionID, []rules.Event{ev}, "")
}

// Allow reports whether an action in the given category is permitted by
// this connection's token bucket (§4.7's rate limiting). A breach should
// result in the router sending error(RATE_LIMITED) and dropping the
// action, not queuing it for later.
func (m *Manager) Allow(connID string, category Category) bool {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	switch category {
	case CategoryChat:
		return conn.chatLimiter.Allow()
	default:
		return conn.actionLimiter.Allow()
	}
}

// SetBroadcast assigns the BroadcastFunc, for wiring call sites that
// need to construct the Manager before the component producing
// broadcasts (the router) exists yet.
func (m *Manager) SetBroadcast(fn BroadcastFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast = fn
}

// Send delivers a single message directly to one connection's
// transport, for the router's request/reply traffic (acks, direct
// errors) as opposed to session-wide broadcasts.
func (m *Manager) Send(connID string, v interface{}) error {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	m.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.transport.Send(v)
}

// LeaveSession clears a connection's session membership, used when a
// player explicitly leaves (router's leave_session) rather than
// disconnecting.
func (m *Manager) LeaveSession(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[connID]; ok {
		conn.SessionID = ""
	}
}

// ConnectionsForSession returns a snapshot of every connection
// currently joined to sessionID, for the router's broadcast fan-out.
func (m *Manager) ConnectionsForSession(sessionID string) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for _, conn := range m.connections {
		if conn.SessionID == sessionID {
			out = append(out, conn)
		}
	}
	return out
}

// Get returns the connection for connID, if it is still tracked.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connID]
	return conn, ok
}

// Touch records activity on a connection, for idle-connection diagnostics.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[connID]; ok {
		conn.LastActivity = time.Now()
	}
}

// ConnectionCount reports how many connections are currently tracked, for
// pkg/metrics gauges.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}
