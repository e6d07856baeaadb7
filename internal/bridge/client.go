package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/porthole-app/porthole/internal/metrics"
)

const maxLineBuffer = 10 * 1024 * 1024 // 10MB

// ErrNotRunning is returned for calls made while the helper is dead, and is
// the failure every pending request sees when it dies.
var ErrNotRunning = errors.New("bridge: helper not running")

// Proc is one spawned helper instance. Wait blocks until exit and returns
// nil only for a clean (code 0) exit.
type Proc struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Wait   func() error
	Kill   func()
}

// StartFunc spawns one helper instance. Injectable so tests can run the
// client against plain pipes.
type StartFunc func() (*Proc, error)

// CommandStarter spawns command with piped stdin/stdout/stderr.
func CommandStarter(command string, args ...string) StartFunc {
	return func() (*Proc, error) {
		cmd := exec.Command(command, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting helper: %w", err)
		}
		return &Proc{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
			Wait:   cmd.Wait,
			Kill: func() {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
			},
		}, nil
	}
}

// Config carries the client's injected dependencies.
type Config struct {
	Start StartFunc
	// RestartDelay is the fixed pause before respawning after an abnormal
	// exit. Zero means 2 seconds.
	RestartDelay time.Duration
	Metrics      *metrics.Metrics
}

// Client owns the helper's lifecycle and the request/response correlation.
type Client struct {
	cfg    Config
	nextID atomic.Int64

	mu           sync.Mutex
	inst         *instance
	stopping     bool
	restartTimer *time.Timer

	connected atomic.Bool
	notifs    chan Notification
}

// instance is the per-spawn state. A restart builds a fresh one; the id
// counter lives on the Client and keeps climbing across restarts.
type instance struct {
	proc    *Proc
	writeMu sync.Mutex
	pendMu  sync.Mutex
	pending map[int64]chan *Response
	done    chan struct{}
}

// New builds a client. Call Start to spawn the helper.
func New(cfg Config) *Client {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		notifs: make(chan Notification, 64),
	}
}

// Start spawns the helper and begins consuming its output.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inst != nil {
		return errors.New("bridge: already started")
	}
	c.stopping = false
	return c.startLocked()
}

func (c *Client) startLocked() error {
	proc, err := c.cfg.Start()
	if err != nil {
		return fmt.Errorf("spawning helper: %w", err)
	}
	inst := &instance{
		proc:    proc,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	c.inst = inst
	go c.readLoop(inst)
	go c.logLoop(inst)
	go c.waitLoop(inst)
	log.Printf("bridge: helper started")
	return nil
}

// Stop requests a graceful shutdown: a best-effort disconnect call, stdin
// close, then a kill if the helper lingers. It never triggers a restart.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopping = true
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	inst := c.inst
	c.mu.Unlock()
	if inst == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	c.Call(ctx, MethodDisconnect, nil)
	cancel()

	inst.proc.Stdin.Close()
	select {
	case <-inst.done:
	case <-time.After(2 * time.Second):
		inst.proc.Kill()
		<-inst.done
	}
}

// Running reports whether a helper instance is currently alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst != nil
}

// Connected reports whether the helper has an upstream session context.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Notifications is the stream of unsolicited pushes from the helper plus
// the synthetic disconnected push emitted when it dies. Slow consumers
// lose oldest-first; delivery never blocks request flow.
func (c *Client) Notifications() <-chan Notification {
	return c.notifs
}

// Call issues one request and waits for its response. params marshals to
// the request's params member; nil sends null. A response carrying an
// error member is returned as a *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	inst := c.inst
	c.mu.Unlock()
	if inst == nil {
		c.cfg.Metrics.IncBridgeRequest(method, "not_running")
		return nil, ErrNotRunning
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	inst.pendMu.Lock()
	inst.pending[id] = ch
	inst.pendMu.Unlock()
	defer func() {
		inst.pendMu.Lock()
		delete(inst.pending, id)
		inst.pendMu.Unlock()
	}()

	data, err := json.Marshal(Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	data = append(data, '\n')

	inst.writeMu.Lock()
	_, err = inst.proc.Stdin.Write(data)
	inst.writeMu.Unlock()
	if err != nil {
		c.cfg.Metrics.IncBridgeRequest(method, "write_error")
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			c.cfg.Metrics.IncBridgeRequest(method, "error")
			return nil, resp.Error
		}
		c.cfg.Metrics.IncBridgeRequest(method, "ok")
		return resp.Result, nil
	case <-inst.done:
		c.cfg.Metrics.IncBridgeRequest(method, "not_running")
		return nil, ErrNotRunning
	case <-ctx.Done():
		c.cfg.Metrics.IncBridgeRequest(method, "timeout")
		return nil, ctx.Err()
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return raw, nil
}

// readLoop splits stdout into lines and classifies each one.
func (c *Client) readLoop(inst *instance) {
	scanner := bufio.NewScanner(inst.proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Printf("bridge: discarding unparseable line: %v", err)
			continue
		}
		switch {
		case env.ID != nil:
			c.resolve(inst, &Response{ID: *env.ID, Result: env.Result, Error: env.Error})
		case env.Method != "":
			c.dispatch(Notification{Method: env.Method, Params: env.Params})
		default:
			log.Printf("bridge: discarding payload with neither id nor method")
		}
	}
}

func (c *Client) resolve(inst *instance, resp *Response) {
	inst.pendMu.Lock()
	ch, ok := inst.pending[resp.ID]
	inst.pendMu.Unlock()
	if !ok {
		log.Printf("bridge: response for unknown id %d", resp.ID)
		return
	}
	ch <- resp
}

func (c *Client) dispatch(n Notification) {
	switch n.Method {
	case NotifConnected:
		c.connected.Store(true)
	case NotifDisconnected:
		c.connected.Store(false)
	case NotifLog:
		var l LogNotification
		if json.Unmarshal(n.Params, &l) == nil {
			log.Printf("bridge: helper %s: %s", l.Level, l.Message)
		}
	case NotifError:
		var e ErrorNotification
		if json.Unmarshal(n.Params, &e) == nil {
			log.Printf("bridge: helper error: %s (code %d)", e.Message, e.Code)
		}
	}
	c.push(n)
}

// push delivers to subscribers without ever blocking the read loop.
func (c *Client) push(n Notification) {
	for {
		select {
		case c.notifs <- n:
			return
		default:
		}
		select {
		case <-c.notifs:
		default:
		}
	}
}

func (c *Client) logLoop(inst *instance) {
	scanner := bufio.NewScanner(inst.proc.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("bridge: helper stderr: %s", scanner.Text())
	}
}

func (c *Client) waitLoop(inst *instance) {
	err := inst.proc.Wait()
	close(inst.done)

	// Losing the process fails every outstanding waiter: no response will
	// ever arrive. The closed done channel does the delivery.
	inst.pendMu.Lock()
	n := len(inst.pending)
	inst.pendMu.Unlock()
	if n > 0 {
		log.Printf("bridge: failing %d pending requests", n)
	}
	c.connected.Store(false)

	c.mu.Lock()
	if c.inst == inst {
		c.inst = nil
	}
	stopping := c.stopping
	abnormal := err != nil && !stopping
	if abnormal {
		log.Printf("bridge: helper exited abnormally (%v), restarting in %s", err, c.cfg.RestartDelay)
		c.cfg.Metrics.IncBridgeRestart()
		c.restartTimer = time.AfterFunc(c.cfg.RestartDelay, c.restart)
	} else {
		log.Printf("bridge: helper exited (stop=%v, err=%v)", stopping, err)
	}
	c.mu.Unlock()

	c.push(Notification{
		Method: NotifDisconnected,
		Params: json.RawMessage(`{"reason":"process exited"}`),
	})
}

func (c *Client) restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping || c.inst != nil {
		return
	}
	if err := c.startLocked(); err != nil {
		log.Printf("bridge: restart failed: %v", err)
		c.restartTimer = time.AfterFunc(c.cfg.RestartDelay, c.restart)
	}
}
