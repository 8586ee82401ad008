package taskwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// job is one queued task request.
type job struct {
	clientID  string
	requestID string
	request   TaskRequest
}

// Server accepts client sessions over TCP, queues their task requests and
// executes them one at a time on a single dispatch worker.
type Server struct {
	addr      string
	config    ServerConfig
	logger    *slog.Logger
	processor *Processor
	registry  *clientRegistry
	queue     *taskQueue[job]
	scheduler *scheduler

	mu       sync.Mutex
	listener net.Listener
	conns    map[*frameConn]struct{} // every open connection, including those mid-handshake
	started  bool
	closed   bool

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a server that will listen on addr once started.
func NewServer(addr string, opts ...ServerOption) *Server {
	config := NewServerConfig()
	for _, opt := range opts {
		opt(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	processor := config.Processor
	if processor == nil {
		popts := append([]ProcessorOption{WithProcessorLogger(logger)}, config.ProcessorOptions...)
		processor = NewProcessor(popts...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		config:    config,
		logger:    logger,
		processor: processor,
		registry:  newClientRegistry(logger),
		queue:     newTaskQueue[job](),
		scheduler: newScheduler(logger),
		conns:     make(map[*frameConn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listener and launches the accept loop, the dispatch worker
// and the scheduler. It returns once the server is listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp %s: %w", s.addr, err)
	}
	if s.config.StatsSchedule != "" {
		if err := s.scheduler.add(s.config.StatsSchedule, "stats-report", s.reportStats); err != nil {
			ln.Close()
			return err
		}
	}
	s.listener = ln
	s.started = true
	s.logger.Info("Server listening on tcp", "addr", ln.Addr().String())

	s.scheduler.start()
	s.wg.Add(2)
	go s.acceptConnections(ln)
	go s.runWorker()
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.logger.Info("Server received stop signal, shutting down...")
	case <-s.ctx.Done():
	}
	return s.Stop()
}

// Stop closes the listener and every connection, stops the worker and
// waits for all server goroutines. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		conns := make([]*frameConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.logger.Info("Stopping server", "connections", len(conns))
		s.cancel()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.stopErr = fmt.Errorf("failed to close listener: %w", err)
				s.logger.Error("Error closing listener", "error", err)
			}
		}
		for _, c := range conns {
			if err := c.Close(); err != nil {
				s.logger.Debug("Error closing connection during stop", "remote_addr", c.RemoteAddr(), "error", err)
			}
		}
		s.queue.Close()

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.scheduler.stop(stopCtx)
		cancel()

		s.wg.Wait()
		s.logger.Info("Server stopped")
	})
	return s.stopErr
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients lists the registered clients.
func (s *Server) Clients() []ClientInfo { return s.registry.List() }

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int { return s.registry.Len() }

// HasClient reports whether id is registered.
func (s *Server) HasClient(id string) bool { return s.registry.Exists(id) }

// Stats returns the processor statistics.
func (s *Server) Stats() Stats { return s.processor.Stats() }

// QueueLen returns the number of tasks waiting for the worker.
func (s *Server) QueueLen() int { return s.queue.Len() }

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track records c and reserves a WaitGroup slot for its handler. It fails
// once Stop has begun.
func (s *Server) track(c *frameConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *frameConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) acceptConnections(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("Failed to accept connection", "error", err)
			return
		}

		fc := newFrameConn(conn, s.config.MaxFrameSize)
		if !s.track(fc) {
			fc.Close()
			return
		}
		s.logger.Debug("Accepted new connection", "remote_addr", conn.RemoteAddr())
		go s.handleConnection(fc)
	}
}

func (s *Server) handleConnection(fc *frameConn) {
	defer s.wg.Done()
	defer s.untrack(fc)
	defer fc.Close()

	clientID, ok := s.handshake(fc)
	if !ok {
		return
	}
	defer func() {
		if s.registry.Remove(clientID, fc) {
			s.logger.Info("Client disconnected", "client_id", clientID, "remote_addr", fc.RemoteAddr())
		}
	}()
	s.serve(fc, clientID)
}

// handshake waits for CONNECT. Anything else closes the connection without a reply.
func (s *Server) handshake(fc *frameConn) (string, bool) {
	if s.config.HandshakeTimeout > 0 {
		fc.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	env, decodeErr, err := fc.Receive()
	fc.SetReadDeadline(time.Time{})
	switch {
	case err != nil:
		s.logger.Debug("Connection closed before handshake", "remote_addr", fc.RemoteAddr(), "error", err)
		return "", false
	case decodeErr != nil:
		s.logger.Warn("Rejecting connection with undecodable handshake", "remote_addr", fc.RemoteAddr(), "error", decodeErr)
		return "", false
	case env.Kind != KindConnect:
		s.logger.Warn("Rejecting connection that did not start with connect", "remote_addr", fc.RemoteAddr(), "type", env.Kind)
		return "", false
	case env.ClientID == "":
		s.logger.Warn("Rejecting connect without client id", "remote_addr", fc.RemoteAddr())
		return "", false
	}

	var hello ConnectData
	if err := env.DecodeData(&hello); err != nil {
		s.logger.Debug("Connect payload ignored", "client_id", env.ClientID, "error", err)
	}

	if err := s.registry.Add(env.ClientID, hello.ClientName, fc); err != nil {
		s.sendError(fc, env.ClientID, err)
		return "", false
	}
	status, err := NewStatusEnvelope(env.ClientID, StatusConnected)
	if err == nil {
		err = fc.Send(status)
	}
	if err != nil {
		s.logger.Warn("Failed to acknowledge connect", "client_id", env.ClientID, "error", err)
		s.registry.Remove(env.ClientID, fc)
		return "", false
	}
	s.logger.Info("Client connected", "client_id", env.ClientID, "name", hello.ClientName, "remote_addr", fc.RemoteAddr())
	return env.ClientID, true
}

// serve reads envelopes from an active session until it ends.
func (s *Server) serve(fc *frameConn, clientID string) {
	for {
		env, decodeErr, err := fc.Receive()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Connection closed by remote peer", "client_id", clientID)
			case s.isClosed() || errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Dropping connection after read error", "client_id", clientID, "error", err)
			}
			return
		}
		if decodeErr != nil {
			s.logger.Warn("Discarding undecodable message", "client_id", clientID, "error", decodeErr)
			continue
		}

		switch env.Kind {
		case KindTaskRequest:
			s.enqueue(fc, clientID, env)
		case KindHeartbeat:
			s.registry.Heartbeat(clientID)
			s.logger.Debug("Heartbeat received", "client_id", clientID)
		case KindDisconnect:
			s.logger.Debug("Client requested disconnect", "client_id", clientID)
			return
		case KindConnect, KindTaskResponse, KindStatus, KindError:
			s.logger.Warn("Unexpected message from client", "client_id", clientID, "type", env.Kind)
			s.sendError(fc, clientID, fmt.Errorf("unexpected message type %q", env.Kind))
		}
	}
}

func (s *Server) enqueue(fc *frameConn, clientID string, env Envelope) {
	var req TaskRequest
	err := env.DecodeData(&req)
	if err == nil && !req.Kind.Valid() {
		err = fmt.Errorf("%w: %q", ErrUnknownTaskKind, req.Kind)
	}
	if err != nil {
		s.logger.Warn("Rejecting malformed task request", "client_id", clientID, "request_id", env.ID, "error", err)
		s.respond(fc, env.ID, clientID, TaskResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	if err := s.queue.Push(job{clientID: clientID, requestID: env.ID, request: req}); err != nil {
		s.respond(fc, env.ID, clientID, TaskResponse{Success: false, ErrorMessage: ErrServerClosed.Error()})
		return
	}
	s.logger.Debug("Task queued", "client_id", clientID, "request_id", env.ID, "task_kind", req.Kind)
}

// runWorker drives the dispatch loop and restarts it if it panics.
func (s *Server) runWorker() {
	defer s.wg.Done()
	for {
		if done := s.dispatch(); done {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Second):
			s.logger.Info("Restarting dispatch worker")
		}
	}
}

// dispatch executes queued tasks until the queue closes. It reports false
// when it returned because of a recovered panic.
func (s *Server) dispatch() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Dispatch worker panicked", "panic", r)
			done = false
		}
	}()
	for {
		j, err := s.queue.Pop(s.ctx)
		if err != nil {
			return true
		}
		resp := s.processor.Process(s.ctx, j.request)

		fc, ok := s.registry.Conn(j.clientID)
		if !ok {
			s.logger.Debug("Dropping response for disconnected client", "client_id", j.clientID, "request_id", j.requestID)
			continue
		}
		s.respond(fc, j.requestID, j.clientID, resp)
	}
}

func (s *Server) respond(fc *frameConn, requestID, clientID string, resp TaskResponse) {
	env, err := NewTaskResponseEnvelope(requestID, clientID, resp)
	if err == nil {
		err = fc.Send(env)
	}
	if err != nil {
		s.logger.Warn("Failed to send task response", "client_id", clientID, "request_id", requestID, "error", err)
		return
	}
	s.logger.Debug("Task response sent", "client_id", clientID, "request_id", requestID, "success", resp.Success)
}

func (s *Server) sendError(fc *frameConn, clientID string, cause error) {
	env, err := NewErrorEnvelope(clientID, cause)
	if err == nil {
		err = fc.Send(env)
	}
	if err != nil {
		s.logger.Debug("Failed to send error envelope", "client_id", clientID, "error", err)
	}
}

func (s *Server) reportStats() {
	st := s.processor.Stats()
	s.logger.Info("Server statistics",
		"clients", s.registry.Len(),
		"queued", s.queue.Len(),
		"total_tasks", st.Total,
		"successful", st.Successful,
		"failed", st.Failed,
		"in_flight", st.InFlight,
		"avg_execution_time", st.AverageExecutionTime,
		"success_rate", st.SuccessRate)
}
