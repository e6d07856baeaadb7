// Package hook defines the wire types exchanged over the hook socket: the
// event shape emitted once per occurrence by monitored agent processes, and
// the decision shape written back on permission connections.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind identifies one lifecycle or tool occurrence in a monitored
// session. The set is closed: decoding an unknown kind is an error.
type EventKind string

const (
	SessionStart      EventKind = "SessionStart"
	SessionEnd        EventKind = "SessionEnd"
	PreToolUse        EventKind = "PreToolUse"
	PostToolUse       EventKind = "PostToolUse"
	PermissionRequest EventKind = "PermissionRequest"
	Notification      EventKind = "Notification"
	UserPromptSubmit  EventKind = "UserPromptSubmit"
	PreCompact        EventKind = "PreCompact"
	Stop              EventKind = "Stop"
	SubagentStop      EventKind = "SubagentStop"
)

// Valid reports whether k is one of the recognized event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case SessionStart, SessionEnd, PreToolUse, PostToolUse, PermissionRequest,
		Notification, UserPromptSubmit, PreCompact, Stop, SubagentStop:
		return true
	}
	return false
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := EventKind(s)
	if !kind.Valid() {
		return fmt.Errorf("unknown event kind %q", s)
	}
	*k = kind
	return nil
}

// Status strings carried on events. The engine degrades gracefully on
// unrecognized values, so this set is advisory rather than closed.
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusWorking    = "working"
	StatusIdle       = "idle"
	StatusWaiting    = "waiting"
	StatusCompacting = "compacting"
	StatusEnded      = "ended"
)

// Notification types the engine gives special treatment.
const (
	NotifIdlePrompt       = "idle_prompt"
	NotifPermissionPrompt = "permission_prompt"
)

// Event is the payload written once per connection, emitter to ingress.
type Event struct {
	SessionID        string           `json:"session_id"`
	CWD              string           `json:"cwd"`
	Event            EventKind        `json:"event"`
	Status           string           `json:"status"`
	PID              int              `json:"pid,omitempty"`
	TTY              string           `json:"tty,omitempty"`
	Tool             string           `json:"tool,omitempty"`
	ToolInput        map[string]Value `json:"tool_input,omitempty"`
	ToolUseID        string           `json:"tool_use_id,omitempty"`
	NotificationType string           `json:"notification_type,omitempty"`
	Message          string           `json:"message,omitempty"`
	ServerPort       int              `json:"server_port,omitempty"`
}

// Validate rejects events the engine cannot key or classify.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("missing session_id")
	}
	if !e.Event.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Event)
	}
	return nil
}

// DefaultStatus returns the status string the emitter attaches when the
// upstream hook payload carries none of its own.
func DefaultStatus(kind EventKind) string {
	switch kind {
	case SessionStart:
		return StatusStarting
	case SessionEnd:
		return StatusEnded
	case PreToolUse, PostToolUse, UserPromptSubmit, SubagentStop:
		return StatusRunning
	case Stop:
		return StatusWaiting
	case PreCompact:
		return StatusCompacting
	case PermissionRequest, Notification:
		return StatusWaiting
	}
	return ""
}

// IsPermissionPrompt reports whether a notification type announces a pending
// approval. Upstream agents word these several ways.
func IsPermissionPrompt(notificationType string) bool {
	if notificationType == NotifPermissionPrompt {
		return true
	}
	lower := strings.ToLower(notificationType)
	return strings.Contains(lower, "permission") ||
		strings.Contains(lower, "approval") ||
		strings.Contains(lower, "plan")
}

// IsIdlePrompt reports whether a notification type announces the session is
// sitting at its input prompt.
func IsIdlePrompt(notificationType string) bool {
	if notificationType == NotifIdlePrompt {
		return true
	}
	return strings.Contains(strings.ToLower(notificationType), "idle")
}

// DecisionKind is the outcome of a permission request. Closed set.
type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionDeny  DecisionKind = "deny"
	DecisionAsk   DecisionKind = "ask"
)

// Valid reports whether k is one of the recognized decision kinds.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionAllow, DecisionDeny, DecisionAsk:
		return true
	}
	return false
}

func (k *DecisionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := DecisionKind(s)
	if !kind.Valid() {
		return fmt.Errorf("unknown decision %q", s)
	}
	*k = kind
	return nil
}

// Decision is the JSON written back on a PermissionRequest connection.
type Decision struct {
	Decision DecisionKind `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
}
