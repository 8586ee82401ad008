package taskwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionInfo describes a client and its current session.
type SessionInfo struct {
	ID            string    `json:"client_id"`
	Name          string    `json:"name"`
	ServerAddress string    `json:"server_address"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
}

// session is the state of one connection. A Client creates a fresh session
// on every successful Connect.
type session struct {
	conn        *frameConn
	connectedAt time.Time
	inbox       chan Envelope
	stop        chan struct{}
	loops       sync.WaitGroup
	sched       *scheduler
}

// Client submits tasks to a Server over one connection and routes the
// replies back to synchronous callers or asynchronous callbacks.
type Client struct {
	addr   string
	id     string
	config ClientConfig
	logger *slog.Logger

	lifecycle sync.Mutex // serializes Connect and Disconnect
	mu        sync.Mutex
	sess      *session

	pendingMu sync.Mutex
	callbacks map[string]func(*TaskResponse)
	waiters   map[string]chan *TaskResponse

	heartbeats atomic.Int64
}

// NewClient creates a disconnected client for the server at addr.
// The client id is generated here and stays the same across reconnects.
func NewClient(addr string, opts ...ClientOption) *Client {
	config := NewClientConfig()
	for _, opt := range opts {
		opt(&config)
	}
	id := uuid.NewString()
	if config.Name == "" {
		config.Name = "client-" + id[:8]
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:      addr,
		id:        id,
		config:    config,
		logger:    logger.With("client_id", id),
		callbacks: make(map[string]func(*TaskResponse)),
		waiters:   make(map[string]chan *TaskResponse),
	}
}

// ID returns the client id sent with every envelope.
func (c *Client) ID() string { return c.id }

// Name returns the display name.
func (c *Client) Name() string { return c.config.Name }

// IsConnected reports whether a session is active.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Info returns a snapshot of the client and its session.
func (c *Client) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := SessionInfo{ID: c.id, Name: c.config.Name, ServerAddress: c.addr}
	if c.sess != nil {
		info.Connected = true
		info.ConnectedAt = c.sess.connectedAt
	}
	return info
}

// Connect dials the server and performs the handshake, all within timeout.
// On success it starts the receive loop, the dispatch loop and the heartbeat.
// Connecting an already connected client is a no-op.
func (c *Client) Connect(timeout time.Duration) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.IsConnected() {
		return nil
	}

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	fc := newFrameConn(raw, c.config.MaxFrameSize)
	if timeout > 0 {
		fc.SetDeadline(time.Now().Add(timeout))
	}
	if err := c.handshake(fc); err != nil {
		fc.Close()
		return err
	}
	fc.SetDeadline(time.Time{})

	sess := &session{
		conn:        fc,
		connectedAt: time.Now(),
		inbox:       make(chan Envelope, 64),
		stop:        make(chan struct{}),
	}
	sess.loops.Add(2)
	go c.receiveLoop(sess)
	go c.dispatchLoop(sess)
	if c.config.HeartbeatInterval > 0 {
		sess.sched = newScheduler(c.logger)
		sess.sched.every(c.config.HeartbeatInterval, "heartbeat", func() { c.sendHeartbeat(sess) })
		sess.sched.start()
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.logger.Info("Connected to server", "addr", c.addr, "name", c.config.Name)
	return nil
}

func (c *Client) handshake(fc *frameConn) error {
	hello, err := NewConnectEnvelope(c.id, c.config.Name)
	if err != nil {
		return err
	}
	if err := fc.Send(hello); err != nil {
		return fmt.Errorf("%w: send connect: %v", ErrHandshake, err)
	}
	env, decodeErr, err := fc.Receive()
	if err != nil {
		return fmt.Errorf("%w: await status: %v", ErrHandshake, err)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, decodeErr)
	}
	switch env.Kind {
	case KindStatus:
		var st StatusData
		if err := env.DecodeData(&st); err == nil {
			c.logger.Debug("Handshake acknowledged", "status", st.Status)
		}
		return nil
	case KindError:
		var e ErrorData
		_ = env.DecodeData(&e)
		return fmt.Errorf("%w: server error: %s", ErrHandshake, e.Error)
	}
	return fmt.Errorf("%w: unexpected %s reply", ErrHandshake, env.Kind)
}

// Disconnect ends the session. It sends DISCONNECT on a best-effort basis,
// waits up to the join timeout for the background loops, closes the socket
// and fails any pending synchronous calls with ErrNotConnected.
// Calling it on a disconnected client does nothing.
func (c *Client) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	sess := c.detach(nil)
	if sess == nil {
		return nil
	}
	if bye, err := NewDisconnectEnvelope(c.id); err == nil {
		sess.conn.SetWriteDeadline(time.Now().Add(c.config.JoinTimeout))
		if err := sess.conn.Send(bye); err != nil {
			c.logger.Debug("Failed to send disconnect", "error", err)
		}
	}

	joined := make(chan struct{})
	go func() {
		if sess.sched != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.JoinTimeout)
			sess.sched.stop(ctx)
			cancel()
		}
		sess.loops.Wait()
		close(joined)
	}()
	timer := time.NewTimer(c.config.JoinTimeout)
	select {
	case <-joined:
	case <-timer.C:
		c.logger.Warn("Background loops still running after join timeout", "timeout", c.config.JoinTimeout)
	}
	timer.Stop()

	err := sess.conn.Close()
	c.abandonPending()
	c.logger.Info("Disconnected from server", "addr", c.addr)
	return err
}

// detach clears the active session and signals its loops to stop. When want
// is not nil the session is only detached if it is still the active one.
func (c *Client) detach(want *session) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	if sess == nil || (want != nil && sess != want) {
		return nil
	}
	c.sess = nil
	close(sess.stop)
	return sess
}

// connectionLost tears a session down after the server went away.
func (c *Client) connectionLost(sess *session, cause error) {
	if c.detach(sess) == nil {
		return
	}
	c.logger.Warn("Connection to server lost", "error", cause)
	sess.conn.Close()
	if sess.sched != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.JoinTimeout)
			defer cancel()
			sess.sched.stop(ctx)
		}()
	}
	c.abandonPending()
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// ExecuteTask sends a task and blocks until its response arrives, ctx is
// done, or the response timeout elapses.
func (c *Client) ExecuteTask(ctx context.Context, kind TaskKind, params any) (*TaskResponse, error) {
	req, err := NewTaskRequest(kind, params)
	if err != nil {
		return nil, err
	}
	sess := c.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	env, err := NewTaskRequestEnvelope(c.id, req)
	if err != nil {
		return nil, err
	}

	reply := make(chan *TaskResponse, 1)
	c.pendingMu.Lock()
	c.waiters[env.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.waiters, env.ID)
		c.pendingMu.Unlock()
	}()

	if err := sess.conn.Send(env); err != nil {
		return nil, fmt.Errorf("send task request: %w", err)
	}
	c.logger.Debug("Task sent", "request_id", env.ID, "task_kind", kind)

	var timeout <-chan time.Time
	if c.config.ResponseTimeout > 0 {
		timer := time.NewTimer(c.config.ResponseTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w after %s (request %s)", ErrResponseTimeout, c.config.ResponseTimeout, env.ID)
	}
}

// ExecuteTaskAsync sends a task and returns its request id immediately.
// callback runs on the client's dispatch loop when the response arrives and
// must not block for long.
func (c *Client) ExecuteTaskAsync(kind TaskKind, params any, callback func(*TaskResponse)) (string, error) {
	req, err := NewTaskRequest(kind, params)
	if err != nil {
		return "", err
	}
	sess := c.current()
	if sess == nil {
		return "", ErrNotConnected
	}
	env, err := NewTaskRequestEnvelope(c.id, req)
	if err != nil {
		return "", err
	}

	if callback != nil {
		c.pendingMu.Lock()
		c.callbacks[env.ID] = callback
		c.pendingMu.Unlock()
	}
	if err := sess.conn.Send(env); err != nil {
		c.pendingMu.Lock()
		delete(c.callbacks, env.ID)
		c.pendingMu.Unlock()
		return "", fmt.Errorf("send task request: %w", err)
	}
	c.logger.Debug("Async task sent", "request_id", env.ID, "task_kind", kind)
	return env.ID, nil
}

// abandonPending fails every synchronous waiter and forgets callbacks that
// can no longer be answered.
func (c *Client) abandonPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.waiters {
		delete(c.waiters, id)
		close(ch)
	}
	if n := len(c.callbacks); n > 0 {
		c.logger.Debug("Dropping unanswered callbacks", "count", n)
		clear(c.callbacks)
	}
}

func (c *Client) receiveLoop(sess *session) {
	defer sess.loops.Done()
	for {
		env, decodeErr, err := sess.conn.Receive()
		if err != nil {
			select {
			case <-sess.stop:
			default:
				if errors.Is(err, io.EOF) {
					err = errors.New("server closed the connection")
				}
				c.connectionLost(sess, err)
			}
			return
		}
		if decodeErr != nil {
			c.logger.Warn("Discarding undecodable message", "error", decodeErr)
			continue
		}
		select {
		case sess.inbox <- env:
		case <-sess.stop:
			return
		}
	}
}

func (c *Client) dispatchLoop(sess *session) {
	defer sess.loops.Done()
	for {
		select {
		case env := <-sess.inbox:
			c.route(env)
		case <-sess.stop:
			return
		}
	}
}

// route delivers one incoming envelope. A task response goes to its async
// callback if one is registered, otherwise to a waiting ExecuteTask call.
func (c *Client) route(env Envelope) {
	switch env.Kind {
	case KindTaskResponse:
		var resp TaskResponse
		if err := env.DecodeData(&resp); err != nil {
			c.logger.Warn("Discarding malformed task response", "request_id", env.ID, "error", err)
			return
		}
		c.pendingMu.Lock()
		callback, isAsync := c.callbacks[env.ID]
		delete(c.callbacks, env.ID)
		var reply chan *TaskResponse
		if !isAsync {
			reply = c.waiters[env.ID]
			delete(c.waiters, env.ID)
		}
		c.pendingMu.Unlock()

		switch {
		case isAsync:
			c.invoke(env.ID, callback, &resp)
		case reply != nil:
			reply <- &resp
		default:
			c.logger.Debug("Discarding response with no waiter", "request_id", env.ID)
		}
	case KindStatus:
		var st StatusData
		_ = env.DecodeData(&st)
		c.logger.Info("Status from server", "status", st.Status)
	case KindError:
		var e ErrorData
		_ = env.DecodeData(&e)
		c.logger.Warn("Error from server", "error", e.Error)
	case KindHeartbeat:
	case KindConnect, KindDisconnect, KindTaskRequest:
		c.logger.Debug("Ignoring unexpected message", "type", env.Kind)
	}
}

func (c *Client) invoke(id string, callback func(*TaskResponse), resp *TaskResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Task callback panicked", "request_id", id, "panic", r)
		}
	}()
	callback(resp)
}

func (c *Client) sendHeartbeat(sess *session) {
	env, err := NewHeartbeatEnvelope(c.id, c.heartbeats.Add(1))
	if err != nil {
		return
	}
	if err := sess.conn.Send(env); err != nil {
		c.logger.Debug("Failed to send heartbeat", "error", err)
	}
}
