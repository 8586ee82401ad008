// Package admin serves a read-only HTTP view of a running task server.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/xqbumu/go-taskwire"
)

// Backend is the part of *taskwire.Server the admin API reads from.
type Backend interface {
	Stats() taskwire.Stats
	Clients() []taskwire.ClientInfo
	ClientCount() int
	QueueLen() int
}

// ProcessStatus describes the resource usage of the serving process.
type ProcessStatus struct {
	PID              int     `json:"pid"`
	Goroutines       int     `json:"goroutines"`
	RSSBytes         uint64  `json:"rss_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
	HostMemoryUsed   float64 `json:"host_memory_used_percent"`
	HostUptime       uint64  `json:"host_uptime_seconds"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ConnectedClients int     `json:"connected_clients"`
	QueuedTasks      int     `json:"queued_tasks"`
}

// Server is the admin HTTP server.
type Server struct {
	backend Backend
	engine  *gin.Engine
	logger  *slog.Logger
	started time.Time

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

// New builds the admin router over backend.
func New(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	engine := gin.New()
	s := &Server{
		backend: backend,
		engine:  engine,
		logger:  logger,
		started: time.Now(),
	}
	engine.Use(gin.Recovery(), s.logRequests)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/clients", s.handleClients)
	s.engine.GET("/clients/:id", s.handleClient)
	s.engine.GET("/status", s.handleStatus)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return fmt.Errorf("admin server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	srv := s.http

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server stopped", "error", err)
		}
	}()
	s.logger.Info("Admin API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("Admin request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats())
}

func (s *Server) handleClients(c *gin.Context) {
	clients := s.backend.Clients()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(clients),
		"clients": clients,
	})
}

func (s *Server) handleClient(c *gin.Context) {
	id := c.Param("id")
	for _, info := range s.backend.Clients() {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("client %s is not connected", id)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.processStatus())
}

// processStatus samples what gopsutil can report; failures leave fields zero.
func (s *Server) processStatus() ProcessStatus {
	st := ProcessStatus{
		PID:              os.Getpid(),
		Goroutines:       runtime.NumGoroutine(),
		UptimeSeconds:    time.Since(s.started).Seconds(),
		ConnectedClients: s.backend.ClientCount(),
		QueuedTasks:      s.backend.QueueLen(),
	}

	if p, err := process.NewProcess(int32(st.PID)); err != nil {
		s.logger.Warn("Failed to inspect process", "error", err)
	} else {
		if m, err := p.MemoryInfo(); err == nil {
			st.RSSBytes = m.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.HostMemoryUsed = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		st.HostUptime = up
	}
	return st
}
