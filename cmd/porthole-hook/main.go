// porthole-hook is installed as the agent's hook command. It reads one hook
// payload from stdin, forwards it to the local daemon, and — for permission
// requests — waits for the human's decision and prints it back in the
// agent's expected shape. It always exits 0: a missing or broken daemon
// must never break the agent.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/porthole-app/porthole/internal/emitter"
	"github.com/porthole-app/porthole/internal/hook"
)

// agentHookInput is the payload the agent pipes to its hook commands.
type agentHookInput struct {
	HookEventName    string          `json:"hook_event_name"`
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolUseID        string          `json:"tool_use_id"`
	Message          string          `json:"message"`
	NotificationType string          `json:"notification_type"`
	ServerPort       int             `json:"server_port"`
}

// agentDecision is the hook-output shape the agent understands.
type agentDecision struct {
	HookSpecificOutput struct {
		HookEventName string `json:"hookEventName"`
		Decision      struct {
			Behavior string `json:"behavior"`
		} `json:"decision"`
	} `json:"hookSpecificOutput"`
}

func main() {
	run(os.Stdin, os.Stdout)
	os.Exit(0)
}

func run(stdin io.Reader, stdout io.Writer) {
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return
	}

	var in agentHookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	ev, ok := buildEvent(in)
	if !ok {
		return
	}

	client := emitter.New(socketPath())
	if ev.Event != hook.PermissionRequest {
		client.Emit(ev)
		return
	}

	d := client.RequestPermission(ev)
	if d == nil || d.Decision == hook.DecisionAsk {
		// No decision: the agent falls back to its own prompt.
		return
	}
	var out agentDecision
	out.HookSpecificOutput.HookEventName = "PermissionRequest"
	out.HookSpecificOutput.Decision.Behavior = string(d.Decision)
	json.NewEncoder(stdout).Encode(out)
}

func buildEvent(in agentHookInput) (hook.Event, bool) {
	kind := hook.EventKind(in.HookEventName)
	if !kind.Valid() || in.SessionID == "" {
		return hook.Event{}, false
	}

	ev := hook.Event{
		SessionID:        in.SessionID,
		CWD:              in.CWD,
		Event:            kind,
		Status:           hook.DefaultStatus(kind),
		PID:              os.Getppid(),
		TTY:              controllingTTY(),
		Tool:             in.ToolName,
		ToolUseID:        in.ToolUseID,
		NotificationType: in.NotificationType,
		Message:          in.Message,
		ServerPort:       in.ServerPort,
	}

	if kind == hook.Notification && ev.NotificationType == "" {
		ev.NotificationType = classifyNotification(in.Message)
	}

	// Tool inputs outside the supported shapes are dropped, not fatal.
	if len(in.ToolInput) > 0 {
		var values map[string]hook.Value
		if json.Unmarshal(in.ToolInput, &values) == nil {
			ev.ToolInput = values
		}
	}
	return ev, true
}

// classifyNotification derives a notification type from the message text
// when the agent did not send one.
func classifyNotification(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "permission"), strings.Contains(lower, "approval"):
		return hook.NotifPermissionPrompt
	case strings.Contains(lower, "waiting for your input"), strings.Contains(lower, "idle"):
		return hook.NotifIdlePrompt
	}
	return ""
}

// controllingTTY resolves the parent's terminal device, best effort.
func controllingTTY() string {
	for _, fd := range []int{0, 1, 2} {
		link, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", os.Getppid(), fd))
		if err == nil && strings.HasPrefix(link, "/dev/") {
			return link
		}
	}
	return ""
}

func socketPath() string {
	if v := os.Getenv("PORTHOLE_SOCKET"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.porthole/hook.sock"
}
