// Package validation provides structural validation of inbound wire
// messages before they reach the router's dispatch table, adapted from
// the teacher's InputValidator (pkg/validation/validation.go): a
// registry of per-message-type validation functions plus a maximum
// payload size, generalized here from JSON-RPC method params to the
// combat engine's tagged envelope payloads (§4.8).
package validation

import (
	"encoding/json"
	"fmt"
)

// ChatMaxLength is the content-length cap on chat messages (§4.8: "e.g.
// 500 characters").
const ChatMaxLength = 500

// MaxPayloadBytes bounds the size of any single envelope payload, a
// denial-of-service guard mirroring the teacher's maxRequestSize.
const MaxPayloadBytes = 16 * 1024

// Validator holds one validation function per wire message type.
type Validator struct {
	maxPayloadBytes int64
	byType          map[string]func(json.RawMessage) error
}

// New constructs a Validator with the combat engine's message types
// registered.
func New() *Validator {
	v := &Validator{maxPayloadBytes: MaxPayloadBytes, byType: make(map[string]func(json.RawMessage) error)}
	v.byType["auth"] = v.validateAuth
	v.byType["ping"] = v.validateEmpty
	v.byType["action"] = v.validateAction
	v.byType["chat"] = v.validateChat
	v.byType["join_session"] = v.validateJoinSession
	v.byType["leave_session"] = v.validateEmpty
	v.byType["pause_toggle"] = v.validateEmpty
	v.byType["start_combat"] = v.validateEmpty
	return v
}

// Validate checks a payload's size and runs the type-specific
// validator. An unrecognized type is not a validation failure here —
// the router's dispatch table is the authority on unknown types
// (INVALID_MESSAGE); Validate only judges the types it knows how to
// shape-check.
func (v *Validator) Validate(msgType string, payload json.RawMessage) error {
	if int64(len(payload)) > v.maxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds maximum of %d", len(payload), v.maxPayloadBytes)
	}
	fn, ok := v.byType[msgType]
	if !ok {
		return nil
	}
	return fn(payload)
}

func (v *Validator) validateEmpty(json.RawMessage) error { return nil }

func (v *Validator) validateAuth(payload json.RawMessage) error {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("auth payload must be an object: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("auth requires a non-empty token")
	}
	return nil
}

func (v *Validator) validateAction(payload json.RawMessage) error {
	var body struct {
		Kind   string `json:"kind"`
		UnitID string `json:"unitId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("action payload must be an object: %w", err)
	}
	if body.Kind == "" {
		return fmt.Errorf("action requires a 'kind'")
	}
	return nil
}

func (v *Validator) validateChat(payload json.RawMessage) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("chat payload must be an object: %w", err)
	}
	if len(body.Text) == 0 {
		return fmt.Errorf("chat requires non-empty 'text'")
	}
	if len(body.Text) > ChatMaxLength {
		return fmt.Errorf("chat text of %d characters exceeds the %d-character limit", len(body.Text), ChatMaxLength)
	}
	return nil
}

func (v *Validator) validateJoinSession(payload json.RawMessage) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("join_session payload must be an object: %w", err)
	}
	if body.SessionID == "" {
		return fmt.Errorf("join_session requires a 'sessionId'")
	}
	return nil
}
