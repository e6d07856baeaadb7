// Package feed serves engine snapshots to the desktop overlay over a local
// websocket and accepts decision/abort/query commands back from it.
package feed

import (
	"encoding/json"
	"time"
)

// Outbound envelope types.
const (
	TypeSnapshot    = "sessions.snapshot"
	TypeBridgeState = "bridge.state"
	TypeResult      = "result"
	TypeError       = "error"
)

// Inbound client message types.
const (
	TypePermissionRespond = "permission.respond"
	TypeSessionAbort      = "session.abort"
	TypeSessionMessages   = "session.messages"
	TypeSessionTodos      = "session.todos"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
}

// PermissionRespondPayload asks the ingress server to resolve a held
// permission connection.
type PermissionRespondPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// SessionRefPayload names a session for abort/messages/todos commands.
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a failed command back to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// BridgeStatePayload wraps one bridge notification for passthrough.
type BridgeStatePayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func newEnvelope(typ, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Payload: raw, TS: time.Now()})
}
