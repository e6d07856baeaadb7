package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Connect gives the helper its upstream session context. Must be re-issued
// after every restart.
func (c *Client) Connect(ctx context.Context, port int, directory string) (bool, error) {
	return c.callBool(ctx, MethodConnect, map[string]any{
		"port":      port,
		"directory": directory,
	})
}

// Disconnect drops the helper's upstream context.
func (c *Client) Disconnect(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodDisconnect, nil)
}

// ListSessions returns every session the upstream data source knows.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	raw, err := c.Call(ctx, MethodSessionsList, nil)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", MethodSessionsList, err)
	}
	return sessions, nil
}

// GetSession returns one session, or nil when the helper reports null.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := c.Call(ctx, MethodSessionGet, map[string]any{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", MethodSessionGet, err)
	}
	return &s, nil
}

// SessionMessages returns a session's chat history.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := c.Call(ctx, MethodSessionMessages, map[string]any{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", MethodSessionMessages, err)
	}
	return msgs, nil
}

// SessionTodos returns a session's todo list.
func (c *Client) SessionTodos(ctx context.Context, sessionID string) ([]Todo, error) {
	raw, err := c.Call(ctx, MethodSessionTodos, map[string]any{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	var todos []Todo
	if err := json.Unmarshal(raw, &todos); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", MethodSessionTodos, err)
	}
	return todos, nil
}

// AbortSession asks the upstream to abort a running session.
func (c *Client) AbortSession(ctx context.Context, sessionID string) (bool, error) {
	return c.callBool(ctx, MethodSessionAbort, map[string]any{"sessionId": sessionID})
}

// DiscoverServer asks the helper to find the upstream server itself. ok is
// false when the helper reports null.
func (c *Client) DiscoverServer(ctx context.Context) (port int, ok bool, err error) {
	raw, err := c.Call(ctx, MethodDiscoverServer, nil)
	if err != nil {
		return 0, false, err
	}
	if isNull(raw) {
		return 0, false, nil
	}
	if err := json.Unmarshal(raw, &port); err != nil {
		return 0, false, fmt.Errorf("decoding %s result: %w", MethodDiscoverServer, err)
	}
	return port, true, nil
}

func (c *Client) callBool(ctx context.Context, method string, params any) (bool, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decoding %s result: %w", method, err)
	}
	return ok, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
