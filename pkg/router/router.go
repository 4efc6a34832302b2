// Package router implements the wire-message dispatcher (§4.8): the
// tagged envelope encode/decode, the pre-auth whitelist, post-auth
// dispatch to the rules engine via the turn scheduler, and session-wide
// broadcast. It generalizes the teacher's handleMethod dispatcher
// (pkg/server/server.go) and its websocket message loop from JSON-RPC
// 2.0 method/params framing to the combat engine's tagged
// type/payload/seq envelope.
package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tacticsengine/pkg/auth"
	"tacticsengine/pkg/connmgr"
	"tacticsengine/pkg/grid"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/scheduler"
	"tacticsengine/pkg/session"
	"tacticsengine/pkg/validation"

	"github.com/sirupsen/logrus"
)

// Envelope is the wire message both directions share (§6).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq"`
	Ts      int64           `json:"ts"`
	ReqSeq  *int64          `json:"reqSeq,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

// Wire message types (§4.8).
const (
	TypeAuth         = "auth"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAction       = "action"
	TypeChat         = "chat"
	TypeJoinSession  = "join_session"
	TypeLeaveSession = "leave_session"
	TypePauseToggle  = "pause_toggle"
	TypeStartCombat  = "start_combat"
	TypeEvent        = "event"
	TypeAck          = "ack"
	TypeError        = "error"
)

// SchedulerLookup resolves a sessionId to the scheduler fronting it.
// Actions are always submitted through the scheduler (never straight to
// the session) once combat has started, so it can maintain turn
// deadlines and AI ticking.
type SchedulerLookup func(sessionID string) (*scheduler.Scheduler, bool)

// SessionLookup resolves a sessionId to the underlying Session, for the
// connection-lifecycle transitions (leave_session) that don't go
// through the scheduler.
type SessionLookup func(sessionID string) (*session.Session, bool)

// Router dispatches decoded envelopes for one connection manager.
type Router struct {
	conns      *connmgr.Manager
	verifier   auth.Verifier
	schedulers SchedulerLookup
	sessions   SessionLookup
	validator  *validation.Validator
	log        *logrus.Entry

	mu        sync.Mutex
	clientSeq map[string]int64
	metrics   *metrics.Metrics
}

// New constructs a Router.
func New(conns *connmgr.Manager, verifier auth.Verifier, schedulers SchedulerLookup, sessions SessionLookup, validator *validation.Validator) *Router {
	return &Router{
		conns:      conns,
		verifier:   verifier,
		schedulers: schedulers,
		sessions:   sessions,
		validator:  validator,
		log:        logrus.WithField("component", "router"),
		clientSeq:  make(map[string]int64),
	}
}

// SetMetrics assigns the metrics recorder, for wiring call sites that
// build the Router before metrics are constructed (mirrors connmgr's
// SetBroadcast).
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// authPayload is the "auth" envelope's payload shape.
type authPayload struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// actionPayload is the "action" envelope's payload shape, covering every
// field any of the six action kinds needs (§4.4).
type actionPayload struct {
	Kind       string          `json:"kind"`
	UnitID     string          `json:"unitId"`
	Path       []grid.Position `json:"path,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	LootDropID string          `json:"lootDropId,omitempty"`
	WeaponID   string          `json:"weaponId,omitempty"`
}

type chatPayload struct {
	Text string `json:"text"`
}

type joinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// Handle decodes and dispatches one inbound message for connID. raw is
// the exact bytes received from the transport.
func (r *Router) Handle(connID string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.sendErrorText(connID, nil, connmgr.ErrCodeInvalidMsg)
		return
	}

	conn, ok := r.conns.Get(connID)
	if !ok {
		return
	}
	r.conns.Touch(connID)

	if conn.Status != connmgr.StatusAuthenticated {
		r.dispatchPreAuth(connID, env)
		return
	}
	r.dispatchPostAuth(connID, conn, env)
}

func (r *Router) dispatchPreAuth(connID string, env Envelope) {
	switch env.Type {
	case TypePing:
		r.sendPong(connID, env.Seq)
	case TypeAuth:
		r.handleAuth(connID, env)
	default:
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeAuthRequired)
	}
}

func (r *Router) handleAuth(connID string, env Envelope) {
	var body authPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	info, err := r.verifier.VerifyToken(body.Token)
	if err != nil {
		r.conns.AuthFailed(connID)
		return
	}
	name := info.Name
	if body.Name != "" {
		name = body.Name
	}
	reconnectedSessionID, err := r.conns.Authenticate(connID, info.Sub, name)
	if err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeAuthFailed)
		return
	}
	payload, _ := json.Marshal(map[string]string{"userId": info.Sub, "sessionId": reconnectedSessionID})
	r.sendAck(connID, &env.Seq, payload)
}

func (r *Router) dispatchPostAuth(connID string, conn *connmgr.Connection, env Envelope) {
	if !r.checkSeq(connID, env.Seq) {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	if err := r.validator.Validate(env.Type, env.Payload); err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}

	switch env.Type {
	case TypePing:
		r.sendPong(connID, env.Seq)
	case TypeAction:
		r.handleAction(connID, conn, env)
	case TypeChat:
		r.handleChat(connID, conn, env)
	case TypeJoinSession:
		r.handleJoinSession(connID, env)
	case TypeLeaveSession:
		r.handleLeaveSession(connID, conn, env)
	case TypePauseToggle:
		r.handlePauseToggle(connID, conn, env)
	case TypeStartCombat:
		r.handleStartCombat(connID, conn, env)
	default:
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
	}
}

// checkSeq enforces that env.Seq is strictly greater than the last seq
// this connection has sent, rejecting replays and out-of-order delivery
// (§6). The very first message from a connection is always accepted.
func (r *Router) checkSeq(connID string, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, seen := r.clientSeq[connID]
	if seen && seq <= last {
		return false
	}
	r.clientSeq[connID] = seq
	return true
}

func (r *Router) handleAction(connID string, conn *connmgr.Connection, env Envelope) {
	if !r.conns.Allow(connID, connmgr.CategoryAction) {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeRateLimited)
		return
	}
	if conn.SessionID == "" {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	sch, ok := r.schedulers(conn.SessionID)
	if !ok {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInternalError)
		return
	}

	var body actionPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	action := rules.Action{
		Kind:       rules.ActionKind(body.Kind),
		UnitID:     body.UnitID,
		Path:       body.Path,
		TargetID:   body.TargetID,
		LootDropID: body.LootDropID,
		WeaponID:   body.WeaponID,
		UserID:     conn.UserID,
	}

	events, err := sch.Submit(action)
	if err != nil {
		code := violationCode(err)
		if r.metrics != nil {
			r.metrics.RecordRuleViolation(code)
		}
		r.sendErrorText(connID, &env.Seq, code)
		return
	}
	r.sendAck(connID, &env.Seq, nil)
	r.BroadcastEvents(conn.SessionID, events, connID)
}

// violationCode extracts the machine-readable rule-violation kind
// (§4.4/§7, e.g. "not_your_turn") from err when it wraps a
// *rules.Violation, so the wire error field carries the documented
// code rather than free-text prose. Non-violation errors fall back to
// their message.
func violationCode(err error) string {
	var v *rules.Violation
	if errors.As(err, &v) {
		return string(v.Kind)
	}
	return err.Error()
}

// handleStartCombat transitions the session from lobby to in_progress
// (§4.3's "start_combat control action"), arming the scheduler's
// deadline/AI machinery for the first turn.
func (r *Router) handleStartCombat(connID string, conn *connmgr.Connection, env Envelope) {
	if conn.SessionID == "" {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	sch, ok := r.schedulers(conn.SessionID)
	if !ok {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInternalError)
		return
	}

	events, err := sch.StartCombat()
	if err != nil {
		r.sendErrorText(connID, &env.Seq, violationCode(err))
		return
	}
	r.sendAck(connID, &env.Seq, nil)
	r.BroadcastEvents(conn.SessionID, events, connID)
}

func (r *Router) handleChat(connID string, conn *connmgr.Connection, env Envelope) {
	if !r.conns.Allow(connID, connmgr.CategoryChat) {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeRateLimited)
		return
	}
	if conn.SessionID == "" {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	var body chatPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	if len(body.Text) > validation.ChatMaxLength {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}

	payload, _ := json.Marshal(map[string]string{"userId": conn.UserID, "text": body.Text})
	r.broadcastRaw(conn.SessionID, TypeChat, payload, "")
	r.sendAck(connID, &env.Seq, nil)
}

func (r *Router) handleJoinSession(connID string, env Envelope) {
	var body joinSessionPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	if err := r.conns.JoinSession(connID, body.SessionID); err != nil {
		r.sendErrorText(connID, &env.Seq, err.Error())
		return
	}
	r.sendAck(connID, &env.Seq, nil)
}

func (r *Router) handleLeaveSession(connID string, conn *connmgr.Connection, env Envelope) {
	sessionID, userID := conn.SessionID, conn.UserID
	r.conns.LeaveSession(connID)
	r.sendAck(connID, &env.Seq, nil)
	if sessionID == "" {
		return
	}
	sess, ok := r.sessions(sessionID)
	if !ok {
		return
	}
	ev := sess.Leave(userID, "left")
	r.BroadcastEvents(sessionID, []rules.Event{ev}, connID)
}

func (r *Router) handlePauseToggle(connID string, conn *connmgr.Connection, env Envelope) {
	if conn.SessionID == "" {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInvalidMsg)
		return
	}
	sch, ok := r.schedulers(conn.SessionID)
	if !ok {
		r.sendErrorText(connID, &env.Seq, connmgr.ErrCodeInternalError)
		return
	}
	var paused bool
	if sch.Paused() {
		sch.Resume()
		paused = false
	} else {
		sch.Pause()
		paused = true
	}
	payload, _ := json.Marshal(map[string]bool{"paused": paused})
	r.sendAck(connID, &env.Seq, payload)
	r.broadcastRaw(conn.SessionID, TypePauseToggle, payload, connID)
}

// BroadcastEvents fans rules events out to every connection joined to
// sessionID, suitable for use as a connmgr.BroadcastFunc once the
// Router exists (§4.8's "Broadcast").
func (r *Router) BroadcastEvents(sessionID string, events []rules.Event, excludeConnID string) {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.log.WithError(err).Warn("failed to marshal event for broadcast")
			continue
		}
		r.broadcastRaw(sessionID, TypeEvent, payload, excludeConnID)
	}
}

func (r *Router) broadcastRaw(sessionID, msgType string, payload json.RawMessage, excludeConnID string) {
	for _, conn := range r.conns.ConnectionsForSession(sessionID) {
		if conn.ID == excludeConnID {
			continue
		}
		env := Envelope{Type: msgType, Payload: payload, Seq: conn.NextOutboundSeq(), Ts: nowMillis()}
		if err := r.conns.Send(conn.ID, env); err != nil {
			r.log.WithError(err).WithField("connectionId", conn.ID).Warn("broadcast send failed")
		}
	}
}

func (r *Router) sendPong(connID string, reqSeq int64) {
	conn, ok := r.conns.Get(connID)
	if !ok {
		return
	}
	env := Envelope{Type: TypePong, Seq: conn.NextOutboundSeq(), Ts: nowMillis(), ReqSeq: &reqSeq}
	_ = r.conns.Send(connID, env)
}

func (r *Router) sendAck(connID string, reqSeq *int64, payload json.RawMessage) {
	conn, ok := r.conns.Get(connID)
	if !ok {
		return
	}
	success := true
	env := Envelope{
		Type: TypeAck, Payload: payload, Seq: conn.NextOutboundSeq(), Ts: nowMillis(),
		ReqSeq: reqSeq, Success: &success,
	}
	_ = r.conns.Send(connID, env)
}

func (r *Router) sendErrorText(connID string, reqSeq *int64, message string) {
	conn, ok := r.conns.Get(connID)
	if !ok {
		return
	}
	success := false
	env := Envelope{
		Type: TypeError, Seq: conn.NextOutboundSeq(), Ts: nowMillis(),
		ReqSeq: reqSeq, Success: &success, Error: &message,
	}
	_ = r.conns.Send(connID, env)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
