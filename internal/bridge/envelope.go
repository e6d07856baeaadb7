// Package bridge owns the helper subprocess that answers rich session
// queries. Communication is newline-delimited JSON over the helper's
// standard pipes: requests correlate to responses by id, notifications
// arrive unsolicited with no id.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Request is one outgoing call to the helper.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response answers one Request, matched by id. Exactly one of Result and
// Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Notification is an unsolicited push from the helper.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RPCError is a structured failure returned by the helper.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bridge rpc %d: %s", e.Code, e.Message)
}

// Error codes surfaced by the helper.
const (
	CodeMethodNotFound = -32601
	CodeHandlerError   = -32603
)

// envelope is the decode shape for one inbound line. Classification is by
// field presence: an id means Response, a method without id means
// Notification, anything else is discarded.
type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Method names on the helper's fixed surface.
const (
	MethodConnect         = "connect"
	MethodDisconnect      = "disconnect"
	MethodSessionsList    = "sessions.list"
	MethodSessionGet      = "session.get"
	MethodSessionMessages = "session.messages"
	MethodSessionTodos    = "session.todos"
	MethodSessionAbort    = "session.abort"
	MethodDiscoverServer  = "discover.server"
)

// Notification methods pushed by the helper.
const (
	NotifSessionsUpdated = "sessions.updated"
	NotifConnected       = "connected"
	NotifDisconnected    = "disconnected"
	NotifError           = "error"
	NotifLog             = "log"
)

// Session is the helper's view of one upstream session.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

// Message is one chat-history entry from the upstream data source.
type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Todo is one item on a session's todo list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// LogNotification is the payload of a "log" push.
type LogNotification struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// ErrorNotification is the payload of an "error" push.
type ErrorNotification struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
