// Package ws is the relay's WebSocket front: it upgrades HTTP connections,
// keeps the registry of live sockets, reads frames through an epoll-driven
// worker pool and hands complete text frames to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/inbox/internal/metrics"
)

// pollTimeoutMs bounds each poll so the event loop notices shutdown.
const pollTimeoutMs = 200

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	Path           string // websocket endpoint, "/ws" by default
	WorkerPoolSize int    // max concurrent frame reads
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3001",
		Path:           "/ws",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades connections at config.Path and feeds their frames to the
// onMessage callback from a bounded pool of workers.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	admit        func(r *http.Request) bool
	router       chi.Router
	httpServer   *http.Server
	done         chan struct{}
	openOnce     sync.Once
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a server. onMessage runs on a worker goroutine for every
// complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	defaults := DefaultServerConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = defaults.Heartbeat
	}

	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(config.Path, s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetOnDisconnect registers a callback run once per removed connection.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAdmit registers a check run before each upgrade. Returning false
// rejects the request with 429.
func (s *Server) SetAdmit(fn func(r *http.Request) bool) {
	s.admit = fn
}

// Handler returns the HTTP routes: the websocket endpoint, /health and
// /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Open creates the poller and starts the event loop and heartbeat. Start
// calls it; tests serving Handler themselves call it directly.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		s.poller, err = NewPoller()
		if err != nil {
			err = fmt.Errorf("ws: create poller: %w", err)
			return
		}
		s.startedAt = time.Now()
		go s.eventLoop()
		s.startHeartbeat(s.config.Heartbeat)
	})
	return err
}

// Start opens the server and blocks serving HTTP on config.ListenAddr.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}
	log.Printf("[relay] listening on %s%s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.Path, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[relay] upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}

	c := newConnection(uuid.NewString(), conn, r.RemoteAddr, time.Now())
	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("[relay] poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.RelayConnections.Inc()
	log.Printf("[relay] new connection conn=%s remote=%s (total=%d)", c.ID, c.RemoteAddr, s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// eventLoop hands each readable connection to a worker.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait(pollTimeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("[relay] poll error: %v", err)
			continue
		}

		for _, conn := range ready {
			conn := conn
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. Control frames are
// consumed without reaching the dispatcher.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	data, closed, err := s.readFrame(c)
	if err != nil || closed {
		s.RemoveConnection(c)
		return
	}
	defer s.poller.Resume(netConn)
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) readFrame(c *Connection) (data []byte, closed bool, err error) {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Stale readiness; the heartbeat handles dead peers.
			return nil, false, nil
		}
		return nil, false, err
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return nil, false, err
		}
		if header.OpCode == ws.OpClose {
			return nil, true, nil
		}
		if header.OpCode == ws.OpPing {
			c.writeMu.Lock()
			err := ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
			return nil, false, err
		}
		return nil, false, nil
	}

	data = make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, false, err
		}
	}
	return data, false, nil
}

// RemoveConnection unregisters and closes c and runs the disconnect hook.
// Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("[relay] connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection with the given id.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// Broadcast writes a text frame to every connection.
func (s *Server) Broadcast(data []byte) int {
	return s.conns.Broadcast(data, s.config.WriteTimeout)
}

// Connections exposes the registry for inspection.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every live one (running the
// disconnect hook for each) and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		log.Println("[relay] shutting down")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		log.Printf("[relay] stopped")
	})
	return err
}
