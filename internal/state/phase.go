package state

import (
	"time"

	"github.com/porthole-app/porthole/internal/hook"
)

// Phase is a session's position in its lifecycle state machine. Closed set.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProcessing         Phase = "processing"
	PhaseWaitingForInput    Phase = "waiting_for_input"
	PhaseWaitingForApproval Phase = "waiting_for_approval"
	PhaseCompacting         Phase = "compacting"
	PhaseEnded              Phase = "ended"
)

// Phases lists every defined phase, for exhaustive checks in tests.
func Phases() []Phase {
	return []Phase{
		PhaseIdle, PhaseProcessing, PhaseWaitingForInput,
		PhaseWaitingForApproval, PhaseCompacting, PhaseEnded,
	}
}

// PermissionContext describes the approval a session is blocked on while in
// PhaseWaitingForApproval.
type PermissionContext struct {
	ToolUseID  string                `json:"tool_use_id"`
	Tool       string                `json:"tool,omitempty"`
	Input      map[string]hook.Value `json:"input,omitempty"`
	ReceivedAt time.Time             `json:"received_at"`
}

func (c *PermissionContext) clone() *PermissionContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Input = hook.CloneValues(c.Input)
	return &cp
}

// legalTransition reports whether a hook-derived proposal may move a session
// from one phase to another. Proposing the current phase is a no-op and
// always allowed; Ended is reachable from anywhere. Internal events
// (permission results, socket failures) do not consult this table.
func legalTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	if to == PhaseEnded {
		return true
	}
	switch from {
	case PhaseIdle:
		return to == PhaseProcessing
	case PhaseProcessing:
		return to == PhaseWaitingForApproval || to == PhaseWaitingForInput || to == PhaseCompacting
	case PhaseWaitingForApproval:
		return to == PhaseProcessing
	case PhaseWaitingForInput:
		return to == PhaseProcessing
	case PhaseCompacting:
		return to == PhaseIdle
	}
	return false
}

// deriveTarget maps one hook event to the phase it proposes. Priority:
// compaction, then permission request, then idle notification, then
// event-kind activity, then status keywords, then Idle.
func deriveTarget(h hook.Event, now time.Time) (Phase, *PermissionContext) {
	switch h.Event {
	case hook.PreCompact:
		return PhaseCompacting, nil
	case hook.PermissionRequest:
		return PhaseWaitingForApproval, permissionContext(h, now)
	case hook.Notification:
		if hook.IsPermissionPrompt(h.NotificationType) {
			return PhaseWaitingForApproval, permissionContext(h, now)
		}
		if hook.IsIdlePrompt(h.NotificationType) {
			return PhaseWaitingForInput, nil
		}
	case hook.PreToolUse, hook.PostToolUse, hook.UserPromptSubmit, hook.SubagentStop:
		return PhaseProcessing, nil
	case hook.Stop:
		// Between turns an interactive session sits at its prompt.
		return PhaseWaitingForInput, nil
	}
	switch h.Status {
	case hook.StatusRunning, hook.StatusWorking:
		return PhaseProcessing, nil
	case hook.StatusWaiting:
		return PhaseWaitingForInput, nil
	case hook.StatusCompacting:
		return PhaseCompacting, nil
	}
	return PhaseIdle, nil
}

func permissionContext(h hook.Event, now time.Time) *PermissionContext {
	return &PermissionContext{
		ToolUseID:  h.ToolUseID,
		Tool:       h.Tool,
		Input:      hook.CloneValues(h.ToolInput),
		ReceivedAt: now,
	}
}
