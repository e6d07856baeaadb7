package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/porthole-app/porthole/internal/hook"
	"github.com/porthole-app/porthole/internal/state"
)

func startServer(t *testing.T) (*Server, *state.Engine, string) {
	t.Helper()
	engine := state.New(state.Config{})
	engine.Start()
	t.Cleanup(engine.Stop)

	path := filepath.Join(t.TempDir(), "hook.sock")
	srv := New(Config{SocketPath: path, Engine: engine})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, engine, path
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, path string, ev hook.Event) {
	t.Helper()
	conn := dial(t, path)
	defer conn.Close()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitPhase(t *testing.T, engine *state.Engine, sessionID string, want state.Phase) state.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := engine.Session(sessionID); ok && s.Phase == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, ok := engine.Session(sessionID)
	t.Fatalf("session %s never reached %s (now %+v ok=%v)", sessionID, want, s, ok)
	return state.Session{}
}

func TestFireAndForgetReachesEngine(t *testing.T) {
	_, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_1", CWD: "/tmp/proj", Event: hook.SessionStart, Status: hook.StatusStarting})
	waitPhase(t, engine, "ses_1", state.PhaseIdle)

	send(t, path, hook.Event{SessionID: "ses_1", CWD: "/tmp/proj", Event: hook.PreToolUse, Status: hook.StatusRunning, Tool: "bash", ToolUseID: "tu_1"})
	s := waitPhase(t, engine, "ses_1", state.PhaseProcessing)
	if len(s.Items) != 1 || s.Items[0].ID != "tu_1" {
		t.Fatalf("items = %+v", s.Items)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	_, engine, path := startServer(t)

	conn := dial(t, path)
	conn.Write([]byte("{not json\n"))
	conn.Close()

	conn = dial(t, path)
	conn.Write([]byte(`{"session_id":"","cwd":"/tmp","event":"SessionStart","status":"starting"}` + "\n"))
	conn.Close()

	// Neither payload may create a session.
	time.Sleep(50 * time.Millisecond)
	if n := len(engine.Sessions().Sessions); n != 0 {
		t.Fatalf("sessions = %d, want 0", n)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	srv, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_1", CWD: "/tmp", Event: hook.SessionStart, Status: hook.StatusStarting})
	send(t, path, hook.Event{SessionID: "ses_1", CWD: "/tmp", Event: hook.PreToolUse, Status: hook.StatusRunning, Tool: "bash", ToolUseID: "tu_1"})
	waitPhase(t, engine, "ses_1", state.PhaseProcessing)

	conn := dial(t, path)
	defer conn.Close()
	data, _ := json.Marshal(hook.Event{SessionID: "ses_1", CWD: "/tmp", Event: hook.PermissionRequest, Status: hook.StatusWaiting, Tool: "bash", ToolUseID: "tu_1"})
	conn.Write(append(data, '\n'))

	waitPhase(t, engine, "ses_1", state.PhaseWaitingForApproval)
	if srv.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", srv.Pending())
	}

	if err := srv.Respond("tu_1", hook.DecisionAllow, ""); err != nil {
		t.Fatalf("respond: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading decision: %v", err)
	}
	var d hook.Decision
	if err := json.Unmarshal(line, &d); err != nil {
		t.Fatalf("decoding decision %q: %v", line, err)
	}
	if d.Decision != hook.DecisionAllow {
		t.Fatalf("decision = %q, want allow", d.Decision)
	}

	waitPhase(t, engine, "ses_1", state.PhaseProcessing)
	if srv.Pending() != 0 {
		t.Fatalf("pending = %d after respond", srv.Pending())
	}

	// Second respond for the same id finds nothing.
	if err := srv.Respond("tu_1", hook.DecisionAllow, ""); err != ErrNoPending {
		t.Fatalf("second respond = %v, want ErrNoPending", err)
	}
}

func TestCancelClosesWithoutPayload(t *testing.T) {
	srv, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_c", CWD: "/tmp", Event: hook.SessionStart, Status: hook.StatusStarting})
	send(t, path, hook.Event{SessionID: "ses_c", CWD: "/tmp", Event: hook.PreToolUse, Status: hook.StatusRunning, Tool: "bash", ToolUseID: "tu_c"})
	waitPhase(t, engine, "ses_c", state.PhaseProcessing)

	conn := dial(t, path)
	defer conn.Close()
	data, _ := json.Marshal(hook.Event{SessionID: "ses_c", CWD: "/tmp", Event: hook.PermissionRequest, Status: hook.StatusWaiting, Tool: "bash", ToolUseID: "tu_c"})
	conn.Write(append(data, '\n'))
	waitPhase(t, engine, "ses_c", state.PhaseWaitingForApproval)

	srv.CancelSession("ses_c")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 64))
	if n != 0 || err != io.EOF {
		t.Fatalf("read after cancel = %d bytes, %v; want 0, EOF", n, err)
	}

	// Cancellation emits no decision event: the session stays waiting.
	s, _ := engine.Session("ses_c")
	if s.Phase != state.PhaseWaitingForApproval {
		t.Fatalf("phase after cancel = %s, want unchanged", s.Phase)
	}
	if srv.Pending() != 0 {
		t.Fatalf("pending = %d after cancel", srv.Pending())
	}
}

func TestPeerDisconnectReportsSocketFailure(t *testing.T) {
	_, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_f", CWD: "/tmp", Event: hook.SessionStart, Status: hook.StatusStarting})
	send(t, path, hook.Event{SessionID: "ses_f", CWD: "/tmp", Event: hook.PreToolUse, Status: hook.StatusRunning, Tool: "bash", ToolUseID: "tu_f"})
	waitPhase(t, engine, "ses_f", state.PhaseProcessing)

	conn := dial(t, path)
	data, _ := json.Marshal(hook.Event{SessionID: "ses_f", CWD: "/tmp", Event: hook.PermissionRequest, Status: hook.StatusWaiting, Tool: "bash", ToolUseID: "tu_f"})
	conn.Write(append(data, '\n'))
	waitPhase(t, engine, "ses_f", state.PhaseWaitingForApproval)

	// The emitter gives up: connection loss drops the session to Idle and
	// errors the tool.
	conn.Close()
	s := waitPhase(t, engine, "ses_f", state.PhaseIdle)
	if s.Items[0].Status != state.ToolErrored {
		t.Fatalf("tool status = %s, want errored", s.Items[0].Status)
	}
}

func TestStopEventCancelsSessionPendings(t *testing.T) {
	srv, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_s", CWD: "/tmp", Event: hook.SessionStart, Status: hook.StatusStarting})
	send(t, path, hook.Event{SessionID: "ses_s", CWD: "/tmp", Event: hook.PreToolUse, Status: hook.StatusRunning, Tool: "bash", ToolUseID: "tu_s"})
	waitPhase(t, engine, "ses_s", state.PhaseProcessing)

	conn := dial(t, path)
	defer conn.Close()
	data, _ := json.Marshal(hook.Event{SessionID: "ses_s", CWD: "/tmp", Event: hook.PermissionRequest, Status: hook.StatusWaiting, Tool: "bash", ToolUseID: "tu_s"})
	conn.Write(append(data, '\n'))
	waitPhase(t, engine, "ses_s", state.PhaseWaitingForApproval)

	send(t, path, hook.Event{SessionID: "ses_s", CWD: "/tmp", Event: hook.Stop, Status: hook.StatusWaiting})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := conn.Read(make([]byte, 64)); n != 0 || err != io.EOF {
		t.Fatalf("read after stop = %d bytes, %v; want 0, EOF", n, err)
	}
	if srv.Pending() != 0 {
		t.Fatalf("pending = %d after stop", srv.Pending())
	}
}

func TestPermissionWithoutToolUseIDGetsOne(t *testing.T) {
	srv, engine, path := startServer(t)

	send(t, path, hook.Event{SessionID: "ses_u", CWD: "/tmp", Event: hook.SessionStart, Status: hook.StatusStarting})
	send(t, path, hook.Event{SessionID: "ses_u", CWD: "/tmp", Event: hook.UserPromptSubmit, Status: hook.StatusRunning, Message: "do it"})
	waitPhase(t, engine, "ses_u", state.PhaseProcessing)

	conn := dial(t, path)
	defer conn.Close()
	data, _ := json.Marshal(hook.Event{SessionID: "ses_u", CWD: "/tmp", Event: hook.PermissionRequest, Status: hook.StatusWaiting, Tool: "bash"})
	conn.Write(append(data, '\n'))

	s := waitPhase(t, engine, "ses_u", state.PhaseWaitingForApproval)
	if s.Permission == nil || s.Permission.ToolUseID == "" {
		t.Fatalf("permission context = %+v, want synthesized tool-use id", s.Permission)
	}
	if srv.Pending() != 1 {
		t.Fatalf("pending = %d", srv.Pending())
	}
	if err := srv.Respond(s.Permission.ToolUseID, hook.DecisionDeny, "nope"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	waitPhase(t, engine, "ses_u", state.PhaseProcessing)
}

func TestStaleSocketRemovedOnStart(t *testing.T) {
	engine := state.New(state.Config{})
	engine.Start()
	t.Cleanup(engine.Stop)

	path := filepath.Join(t.TempDir(), "hook.sock")

	srv := New(Config{SocketPath: path, Engine: engine})
	if err := srv.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	// Simulate a crash: no Close, the socket file stays behind.
	srv.ln.Close()

	srv2 := New(Config{SocketPath: path, Engine: engine})
	if err := srv2.Start(); err != nil {
		t.Fatalf("restart over stale socket: %v", err)
	}
	defer srv2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		t.Fatalf("dial after restart: %v", err)
	}
	conn.Close()
}
