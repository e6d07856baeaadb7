// Package procutil answers pid liveness questions for the stale-session
// sweep. It prefers /proc where available and falls back to a signal-0
// probe elsewhere.
package procutil

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Alive reports whether a process with the given pid currently exists.
// Zombies count as dead: a reparented agent that exited without a
// SessionEnd hook should be swept even before it is reaped.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if _, err := os.Stat("/proc"); err == nil {
		return procAlive(pid)
	}
	return signalAlive(pid)
}

func procAlive(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	state, ok := parseState(string(stat))
	if !ok {
		return false
	}
	return state != "Z"
}

// parseState extracts the process state field from /proc/<pid>/stat. The
// comm field is parenthesized and may itself contain spaces or parens, so
// fields are counted from the last ')'.
func parseState(stat string) (string, bool) {
	rparen := strings.LastIndex(stat, ")")
	if rparen == -1 {
		return "", false
	}
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 1 {
		return "", false
	}
	return rest[0], true
}

func signalAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}
