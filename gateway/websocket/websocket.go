// Package websocket serves live observer sessions. Each connection is attached
// to the fan-out hub under a generated observer id and receives the status
// changes of the nodes it subscribes to.
//
// Protocol, all frames are JSON text messages:
//
//	client -> server  {"action":"subscribe","nodeId":"n1"}
//	                  {"action":"unsubscribe","nodeId":"n1"}
//	                  nodeId "*" selects every node
//	server -> client  Envelope{type, id, timestamp, payload}
//	                  type is one of welcome, snapshot, status, ack, error
//
// A subscribe is answered with an ack followed by a snapshot of the current
// state of the selected nodes, so a late joiner does not wait for the next
// change. Snapshots and live changes carry seq; clients keep the highest.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/fanout"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Envelope types sent to clients
const (
	TypeWelcome  = "welcome"
	TypeSnapshot = "snapshot"
	TypeStatus   = "status"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Client actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Envelope wraps every server message with type discrimination
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command is a client request
type Command struct {
	Action string `json:"action"`
	NodeID string `json:"nodeId"`
}

// Welcome is the payload of the first message of a session
type Welcome struct {
	ObserverID string `json:"observerId"`
}

// Ack confirms a command and lists the resulting subscriptions
type Ack struct {
	Action        string   `json:"action"`
	NodeID        string   `json:"nodeId"`
	Subscriptions []string `json:"subscriptions"`
}

// ErrorPayload describes a rejected command
type ErrorPayload struct {
	Message string `json:"message"`
}

// Hub is the observer table; *fanout.Hub implements it
type Hub interface {
	Attach(observerID string) (*fanout.Observer, error)
	Detach(observerID string)
	SubscribeToNode(observerID, nodeID string) error
	UnsubscribeFromNode(observerID, nodeID string) error
	Subscriptions(observerID string) []string
}

// Snapshotter reads current node state; *registry.Registry implements it
type Snapshotter interface {
	Get(nodeID string) (telemetry.NodeState, bool)
	List() []telemetry.NodeState
}

// Config tunes observer sessions
type Config struct {
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PongWait     time.Duration `json:"pong_wait" yaml:"pong_wait"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadLimit    int64         `json:"read_limit" yaml:"read_limit"`
	// CommandRate is the sustained number of client commands per second
	CommandRate  float64 `json:"command_rate" yaml:"command_rate"`
	CommandBurst int     `json:"command_burst" yaml:"command_burst"`
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    4096,
		CommandRate:  10,
		CommandBurst: 20,
	}
}

// Validate checks the session settings
func (c Config) Validate() error {
	if c.WriteTimeout <= 0 || c.PongWait <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "write_timeout and pong_wait must be positive")
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "ping_interval must be positive and below pong_wait")
	}
	if c.CommandRate <= 0 || c.CommandBurst < 1 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "command_rate and command_burst must be positive")
	}
	return nil
}

type client struct {
	id       string
	conn     *websocket.Conn
	observer *fanout.Observer
	limiter  *rate.Limiter

	writeMutex sync.Mutex // gorilla/websocket allows one concurrent writer
	closeOnce  sync.Once
	sent       atomic.Int64
}

// Server upgrades HTTP requests to observer sessions
type Server struct {
	hub      Hub
	nodes    Snapshotter
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	clients  map[string]*client
	shutdown bool
	wg       sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckOrigin replaces the origin check; the default accepts any origin
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// NewServer creates a session server over hub and nodes
func NewServer(hub Hub, nodes Snapshotter, cfg Config, opts ...Option) *Server {
	s := &Server{
		hub:   hub,
		nodes: nodes,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "websocket")
	return s
}

// Clients returns the number of open sessions
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and runs the session until either side closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.shutdown
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst),
	}
	c.observer, err = s.hub.Attach(c.id)
	if err != nil {
		s.logger.Error("Failed to attach observer", "error", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.hub.Detach(c.id)
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info("Observer connected", "observer_id", c.id, "remote_addr", r.RemoteAddr)
	if err := s.send(c, TypeWelcome, Welcome{ObserverID: c.id}); err != nil {
		s.logger.Debug("Failed to send welcome", "observer_id", c.id, "error", err)
	}

	go s.writeLoop(c)
	go s.readLoop(c)
}

// readLoop handles client commands. Its exit ends the session.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.remove(c)

	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Observer read failed", "observer_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if !c.limiter.Allow() {
			s.sendError(c, "rate limit exceeded")
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError(c, "malformed command")
			continue
		}
		s.handleCommand(c, cmd)
	}
}

func (s *Server) handleCommand(c *client, cmd Command) {
	var err error
	switch cmd.Action {
	case ActionSubscribe:
		err = s.hub.SubscribeToNode(c.id, cmd.NodeID)
	case ActionUnsubscribe:
		err = s.hub.UnsubscribeFromNode(c.id, cmd.NodeID)
	default:
		s.sendError(c, "unknown action "+cmd.Action)
		return
	}
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	s.logger.Debug("Observer command", "observer_id", c.id, "action", cmd.Action, "node_id", cmd.NodeID)
	_ = s.send(c, TypeAck, Ack{Action: cmd.Action, NodeID: cmd.NodeID, Subscriptions: s.hub.Subscriptions(c.id)})

	if cmd.Action == ActionSubscribe {
		s.sendSnapshot(c, cmd.NodeID)
	}
}

func (s *Server) sendSnapshot(c *client, nodeID string) {
	states := []telemetry.NodeState{}
	if nodeID == fanout.AllNodes {
		states = s.nodes.List()
	} else if state, ok := s.nodes.Get(nodeID); ok {
		states = []telemetry.NodeState{state}
	}
	_ = s.send(c, TypeSnapshot, states)
}

// writeLoop forwards status changes and keeps the connection alive with pings.
// It ends when the observer channel is closed by Detach.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case change, ok := <-c.observer.C:
			if !ok {
				c.writeMutex.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.writeMutex.Unlock()
				return
			}
			if err := s.send(c, TypeStatus, change.Event()); err != nil {
				s.logger.Debug("Observer write failed", "observer_id", c.id, "error", err)
				s.closeConn(c)
			}
		case <-ticker.C:
			c.writeMutex.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			c.writeMutex.Unlock()
			if err != nil {
				s.closeConn(c)
			}
		}
	}
}

func (s *Server) send(c *client, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "send", "encode payload")
	}
	data, err := json.Marshal(Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Server", "send", "encode envelope")
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Server", "send", "write message")
	}
	c.sent.Add(1)
	return nil
}

func (s *Server) sendError(c *client, message string) {
	_ = s.send(c, TypeError, ErrorPayload{Message: message})
}

// closeConn unblocks the read loop, which then removes the client
func (s *Server) closeConn(c *client) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.hub.Detach(c.id)
	s.closeConn(c)
	s.logger.Info("Observer disconnected", "observer_id", c.id, "messages_sent", c.sent.Load())
}

// Shutdown closes every session and waits for their goroutines, bounded by ctx.
// New upgrades are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		s.closeConn(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Shutdown", "wait for sessions")
	}
}
