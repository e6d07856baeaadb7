package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porthole-app/porthole/internal/bridge"
	"github.com/porthole-app/porthole/internal/hook"
	"github.com/porthole-app/porthole/internal/state"
)

type fakeResponder struct {
	mu    sync.Mutex
	calls []PermissionRespondPayload
	err   error
}

func (r *fakeResponder) Respond(toolUseID string, decision hook.DecisionKind, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, PermissionRespondPayload{ToolUseID: toolUseID, Decision: string(decision), Reason: reason})
	return r.err
}

type fakeBridge struct {
	aborted []string
	mu      sync.Mutex
}

func (b *fakeBridge) AbortSession(ctx context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = append(b.aborted, sessionID)
	return true, nil
}

func (b *fakeBridge) SessionMessages(ctx context.Context, sessionID string) ([]bridge.Message, error) {
	if sessionID == "missing" {
		return nil, errors.New("no such session")
	}
	return []bridge.Message{{ID: "m1", Role: "assistant", Content: json.RawMessage(`"hi"`)}}, nil
}

func (b *fakeBridge) SessionTodos(ctx context.Context, sessionID string) ([]bridge.Todo, error) {
	return []bridge.Todo{{Content: "write tests", Status: "in_progress"}}, nil
}

func startFeed(t *testing.T) (*Server, *state.Engine, *fakeResponder, *fakeBridge) {
	t.Helper()
	engine := state.New(state.Config{})
	engine.Start()
	t.Cleanup(engine.Stop)

	responder := &fakeResponder{}
	br := &fakeBridge{}
	srv := New(Config{Addr: "127.0.0.1:0", Engine: engine, Responder: responder, Bridge: br})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, engine, responder, br
}

func dialFeed(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	return env
}

func TestSnapshotOnConnectAndOnMutation(t *testing.T) {
	srv, engine, _, _ := startFeed(t)
	conn := dialFeed(t, srv)

	env := readEnvelope(t, conn)
	if env.Type != TypeSnapshot {
		t.Fatalf("first message type = %q, want snapshot", env.Type)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if len(snap.Sessions) != 0 {
		t.Fatalf("initial snapshot = %+v, want empty", snap.Sessions)
	}

	if err := engine.Process(context.Background(), state.HookReceived{Hook: hook.Event{
		SessionID: "ses_1", CWD: "/tmp/proj", Event: hook.SessionStart, Status: hook.StatusStarting,
	}}); err != nil {
		t.Fatal(err)
	}

	env = readEnvelope(t, conn)
	if env.Type != TypeSnapshot {
		t.Fatalf("type = %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != "ses_1" {
		t.Fatalf("snapshot after mutation = %+v", snap.Sessions)
	}
}

func TestPermissionRespondRouted(t *testing.T) {
	srv, _, responder, _ := startFeed(t)
	conn := dialFeed(t, srv)
	readEnvelope(t, conn) // initial snapshot

	payload, _ := json.Marshal(PermissionRespondPayload{ToolUseID: "tu_1", Decision: "allow"})
	conn.WriteJSON(Envelope{Type: TypePermissionRespond, ID: "42", Payload: payload})

	env := readEnvelope(t, conn)
	if env.Type != TypeResult || env.ID != "42" {
		t.Fatalf("reply = %+v, want result id 42", env)
	}

	responder.mu.Lock()
	defer responder.mu.Unlock()
	if len(responder.calls) != 1 || responder.calls[0].ToolUseID != "tu_1" || responder.calls[0].Decision != "allow" {
		t.Fatalf("responder calls = %+v", responder.calls)
	}
}

func TestRespondFailureReturnsError(t *testing.T) {
	srv, _, responder, _ := startFeed(t)
	responder.err = errors.New("no pending permission")
	conn := dialFeed(t, srv)
	readEnvelope(t, conn)

	payload, _ := json.Marshal(PermissionRespondPayload{ToolUseID: "tu_x", Decision: "deny"})
	conn.WriteJSON(Envelope{Type: TypePermissionRespond, ID: "7", Payload: payload})

	env := readEnvelope(t, conn)
	if env.Type != TypeError || env.ID != "7" {
		t.Fatalf("reply = %+v, want error id 7", env)
	}
}

func TestSessionMessagesQuery(t *testing.T) {
	srv, _, _, _ := startFeed(t)
	conn := dialFeed(t, srv)
	readEnvelope(t, conn)

	payload, _ := json.Marshal(SessionRefPayload{SessionID: "ses_1"})
	conn.WriteJSON(Envelope{Type: TypeSessionMessages, ID: "q1", Payload: payload})

	env := readEnvelope(t, conn)
	if env.Type != TypeResult || env.ID != "q1" {
		t.Fatalf("reply = %+v", env)
	}
	var msgs []bridge.Message
	if err := json.Unmarshal(env.Payload, &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %s: %v", env.Payload, err)
	}
}

func TestSessionAbortRouted(t *testing.T) {
	srv, _, _, br := startFeed(t)
	conn := dialFeed(t, srv)
	readEnvelope(t, conn)

	payload, _ := json.Marshal(SessionRefPayload{SessionID: "ses_9"})
	conn.WriteJSON(Envelope{Type: TypeSessionAbort, ID: "a1", Payload: payload})

	env := readEnvelope(t, conn)
	if env.Type != TypeResult {
		t.Fatalf("reply = %+v", env)
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.aborted) != 1 || br.aborted[0] != "ses_9" {
		t.Fatalf("aborted = %v", br.aborted)
	}
}

func TestUnknownMessageType(t *testing.T) {
	srv, _, _, _ := startFeed(t)
	conn := dialFeed(t, srv)
	readEnvelope(t, conn)

	conn.WriteJSON(Envelope{Type: "what.is.this", ID: "u1"})
	env := readEnvelope(t, conn)
	if env.Type != TypeError {
		t.Fatalf("reply = %+v, want error", env)
	}
}

func TestBridgeNotificationPassthrough(t *testing.T) {
	srv, _, _, _ := startFeed(t)
	conn := dialFeed(t, srv)
	readEnvelope(t, conn)

	srv.BroadcastBridge(bridge.Notification{Method: bridge.NotifSessionsUpdated, Params: json.RawMessage(`{"sessions":[]}`)})

	env := readEnvelope(t, conn)
	if env.Type != TypeBridgeState {
		t.Fatalf("type = %q", env.Type)
	}
	var p BridgeStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Method != bridge.NotifSessionsUpdated {
		t.Fatalf("payload = %s: %v", env.Payload, err)
	}
}
