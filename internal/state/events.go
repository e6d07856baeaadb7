package state

import (
	"time"

	"github.com/porthole-app/porthole/internal/hook"
)

// Event is one mutation applied to the session map. The set is closed;
// every variant is handled exhaustively by the engine worker.
type Event interface {
	isEvent()
}

// HookReceived carries one decoded hook event from the ingress server.
type HookReceived struct {
	Hook hook.Event
}

// PermissionApproved resolves a pending approval with "allow".
type PermissionApproved struct {
	SessionID string
	ToolUseID string
}

// PermissionDenied resolves a pending approval with "deny".
type PermissionDenied struct {
	SessionID string
	ToolUseID string
}

// PermissionDeferred resolves a pending approval with "ask": the agent falls
// back to its own prompt, so the tool outcome stays unknown.
type PermissionDeferred struct {
	SessionID string
	ToolUseID string
}

// PermissionSocketFailed reports that a held permission connection was lost
// before any decision was written.
type PermissionSocketFailed struct {
	SessionID string
	ToolUseID string
}

// SessionEnded removes a session outright.
type SessionEnded struct {
	SessionID string
}

// SweepStale removes sessions whose process died or whose activity expired.
type SweepStale struct {
	Now time.Time
}

func (HookReceived) isEvent()           {}
func (PermissionApproved) isEvent()     {}
func (PermissionDenied) isEvent()       {}
func (PermissionDeferred) isEvent()     {}
func (PermissionSocketFailed) isEvent() {}
func (SessionEnded) isEvent()           {}
func (SweepStale) isEvent()             {}
