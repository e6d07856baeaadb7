// Package emitter is the agent-side hook client. It must never fail the
// host process: every transport problem is swallowed and resolved the same
// way a timeout would be.
package emitter

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/porthole-app/porthole/internal/hook"
)

const (
	// DefaultEmitTimeout bounds a whole fire-and-forget attempt.
	DefaultEmitTimeout = 1 * time.Second
	// DefaultDecisionTimeout bounds a permission wait.
	DefaultDecisionTimeout = 5 * time.Minute
)

// Client writes hook events to the ingress socket, one short-lived
// connection per event.
type Client struct {
	socketPath      string
	emitTimeout     time.Duration
	decisionTimeout time.Duration
}

// Option adjusts a Client, mainly to shorten timeouts in tests.
type Option func(*Client)

func WithEmitTimeout(d time.Duration) Option {
	return func(c *Client) { c.emitTimeout = d }
}

func WithDecisionTimeout(d time.Duration) Option {
	return func(c *Client) { c.decisionTimeout = d }
}

// New builds a client for the given socket path.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		socketPath:      socketPath,
		emitTimeout:     DefaultEmitTimeout,
		decisionTimeout: DefaultDecisionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit delivers one fire-and-forget event. The attempt resolves within the
// emit timeout no matter what happens; an unreachable server is not an
// error, it is simply a missed notification.
func (c *Client) Emit(ev hook.Event) {
	deadline := time.Now().Add(c.emitTimeout)
	conn, err := net.DialTimeout("unix", c.socketPath, c.emitTimeout)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(deadline)
	writeEvent(conn, ev)
}

// RequestPermission delivers a permission event and blocks for exactly one
// decision object, up to the decision timeout. Every failure mode — dial
// error, timeout, server-side close, malformed response — resolves to nil
// ("no decision"), leaving the caller to its own default-safe behavior.
func (c *Client) RequestPermission(ev hook.Event) *hook.Decision {
	deadline := time.Now().Add(c.decisionTimeout)
	conn, err := net.DialTimeout("unix", c.socketPath, c.decisionTimeout)
	if err != nil {
		return nil
	}
	defer conn.Close()

	conn.SetDeadline(deadline)
	if err := writeEvent(conn, ev); err != nil {
		return nil
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && !(err == io.EOF && len(line) > 0) {
		return nil
	}
	var d hook.Decision
	if err := json.Unmarshal(line, &d); err != nil {
		return nil
	}
	return &d
}

func writeEvent(conn net.Conn, ev hook.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
