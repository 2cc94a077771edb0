// Package dashboard streams sync activity to WebSocket clients.
//
// The dashboard broadcasts per-task sync results, drift reports, mapping
// reports and running sync statistics, so a browser or script can follow
// the daemon without tailing its log.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	// MessageTypeSyncResult carries one orchestrator.Result.
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeDriftReport carries a mapping drift check.
	MessageTypeDriftReport MessageType = "drift_report"

	// MessageTypeMappingReport carries a generated status mapping.
	MessageTypeMappingReport MessageType = "mapping_report"

	// MessageTypeStats carries running sync statistics.
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// QueueSize is the number of frames buffered per client. A client that
	// falls further behind is disconnected.
	QueueSize int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:      8080,
		QueueSize: 64,
		Logger:    log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

const writeTimeout = 5 * time.Second

// client is one connected WebSocket with its own outbound queue.
type client struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr      string
	queueSize int
	logger    *log.Logger

	ln      net.Listener
	httpSrv *http.Server
	started time.Time

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64
	welcome func() Message

	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server. Nothing listens until Start.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		queueSize: queue,
		logger:    logger,
		clients:   make(map[uint64]*client),
		welcome:   func() Message { return Message{Type: MessageTypeStats} },
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetWelcome replaces the message sent to newly connected clients.
func (s *Server) SetWelcome(fn func() Message) {
	s.mu.Lock()
	s.welcome = fn
	s.mu.Unlock()
}

// Handler returns the HTTP routes: /ws, /health and an index page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/", s.serveIndex)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if serr := s.httpSrv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. It never blocks; a
// client whose queue is full is disconnected.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Warning: failed to encode %s message: %v", msg.Type, err)
		return
	}

	var slow []*client
	s.mu.Lock()
	for id, c := range s.clients {
		select {
		case c.send <- frame:
		default:
			delete(s.clients, id)
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.dropped.Add(1)
		s.logger.Printf("Warning: client %d fell behind, disconnecting", c.id)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "too slow")
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	welcome := s.welcome
	s.mu.Unlock()

	// The welcome frame goes out before registration so it is always first.
	if err := s.write(conn, welcome()); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		return
	}

	s.mu.Lock()
	s.nextID++
	c := &client{id: s.nextID, conn: conn, send: make(chan []byte, s.queueSize)}
	s.clients[c.id] = c
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client %d connected (total: %d)", c.id, total)

	// Clients only listen; CloseRead handles control frames and reports
	// disconnects through ctx.
	ctx := conn.CloseRead(s.ctx)
	s.pump(ctx, c)
}

// pump writes queued frames to c until it disconnects or the server stops.
func (s *Server) pump(ctx context.Context, c *client) {
	defer s.remove(c)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to write to client %d: %v", c.id, err)
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, registered := s.clients[c.id]
	delete(s.clients, c.id)
	total := len(s.clients)
	s.mu.Unlock()

	if registered {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client %d disconnected (total: %d)", c.id, total)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"dropped": s.dropped.Load(),
	}
	if !s.started.IsZero() {
		body["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>taskbridge</title></head>
<body>
<h1>taskbridge</h1>
<p>Sync events stream from <code>ws://%s/ws</code>. Server status is at <a href="/health">/health</a>.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the listening address, or the configured one before Start.
func (s *Server) GetAddr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
