// Package dashboard provides a real-time WebSocket feed of catalog activity.
//
// The dashboard broadcasts sync phase results, applied patches and catalog
// statistics to connected WebSocket clients, so a long build or a patch
// inbox can be followed from a browser or a script.
//
// Clients that connect mid-run receive a hello message followed by the most
// recent message of every type already sent, so they start from the current
// state instead of waiting for the next event.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/coder/websocket"
)

// MessageType names the kind of event a Message carries.
type MessageType string

const (
	MessageTypeHello        MessageType = "hello"
	MessageTypePhase        MessageType = "phase_complete"
	MessageTypeSyncComplete MessageType = "sync_complete"
	MessageTypePatch        MessageType = "patch"
	MessageTypeStats        MessageType = "stats"
)

// replayOrder is the order in which retained messages are sent to a newly
// connected client.
var replayOrder = []MessageType{
	MessageTypeStats,
	MessageTypePhase,
	MessageTypePatch,
	MessageTypeSyncComplete,
}

// Message is one event on the feed. Data holds the type-specific payload.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server fans catalog events out to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// mu guards clients and latest together so a connecting client sees
	// every event exactly once, either replayed or live.
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	latest  map[MessageType][]byte

	queue chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logging.Logger
}

// Config controls the listener.
type Config struct {
	// Addr to listen on. ":0" picks a free port.
	Addr string

	Logger *logging.Logger
}

// DefaultConfig listens on :8080.
func DefaultConfig() *Config {
	return &Config{Addr: ":8080"}
}

// NewServer returns a server that is not yet listening; call Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    addr,
		clients: make(map[*websocket.Conn]struct{}),
		latest:  make(map[MessageType][]byte),
		queue:   make(chan Message, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("dashboard"),
	}
}

// Start binds the listener and serves /ws and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues a message for all connected clients. It never blocks;
// messages are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", string(msg.Type))
	}
}

// Publish marshals data and broadcasts it as a message of type t.
func (s *Server) Publish(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("failed to marshal message", "type", string(t), "error", err)
		return
	}
	s.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
}

// fanOut drains the queue, retains the newest message per type and writes
// each message to every client.
func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.queue:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			frame, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", "error", err)
				continue
			}

			s.mu.Lock()
			s.latest[msg.Type] = frame
			targets := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				targets = append(targets, conn)
			}
			s.mu.Unlock()

			for _, conn := range targets {
				if err := s.send(conn, frame); err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	replay := make([][]byte, 0, len(replayOrder))
	for _, t := range replayOrder {
		if frame, ok := s.latest[t]; ok {
			replay = append(replay, frame)
		}
	}
	s.mu.Unlock()
	s.logger.Debug("client connected", "clients", n, "replayed", len(replay))

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	for _, frame := range append([][]byte{hello}, replay...) {
		if err := s.send(conn, frame); err != nil {
			s.removeClient(conn)
			return
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", "clients", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	seen := make([]string, 0, len(s.latest))
	for _, t := range replayOrder {
		if _, ok := s.latest[t]; ok {
			seen = append(seen, string(t))
		}
	}
	clients := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clients,
		"events":  seen,
	})
}

// Addr returns the bound address once Start has run, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount reports how many clients are connected.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
