// Package http serves the operator API: node snapshots, reading history,
// reading ingest, configuration writes, node commands, system status, health
// and metrics. Observer sessions are mounted at /ws.
package http

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/health"
	"github.com/amoahfrank/firewatch/pkg/tlsutil"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
)

// SystemName labels the aggregate health status
const SystemName = "firewatch"

// NodeReader serves node snapshots; *registry.Registry implements it
type NodeReader interface {
	Get(nodeID string) (telemetry.NodeState, bool)
	List() []telemetry.NodeState
}

// ConfigWriter applies configuration writes; *ingest.Pipeline implements it
type ConfigWriter interface {
	WriteConfig(ctx context.Context, nodeID string, raw []byte) (telemetry.NodeState, error)
}

// TelemetryWriter ingests a raw reading; *ingest.Pipeline implements it
type TelemetryWriter interface {
	OnTelemetry(ctx context.Context, nodeID string, raw []byte) error
}

// CommandPublisher sends node commands over the field transport;
// *subscription.Manager implements it
type CommandPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	IsConnected() bool
}

// ConnState reports transport connectivity; *subscription.Manager implements it
type ConnState interface {
	IsConnected() bool
}

// Config for the HTTP server
type Config struct {
	Addr           string        `json:"addr" yaml:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	EnableCORS     bool          `json:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		MaxRequestSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Validate checks the server settings
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "addr is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "request_timeout must be positive")
	}
	if c.MaxRequestSize <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "max_request_size must be positive")
	}
	return c.TLS.Validate()
}

// Pagination limits for the node list
const (
	DefaultListLimit    = 50
	MaxListLimit        = 100
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// Server is the operator API
type Server struct {
	cfg       Config
	nodes     NodeReader
	configs   ConfigWriter
	ingest    TelemetryWriter
	commands  CommandPublisher
	topics    telemetry.Topics
	qos       byte
	readings  store.ReadingSource
	monitor   *health.Monitor
	transport ConnState
	metrics   http.Handler
	observers http.Handler
	accessLog io.Writer
	logger    *slog.Logger

	srv *http.Server

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReadings enables GET /api/nodes/{id}/data
func WithReadings(source store.ReadingSource) Option {
	return func(s *Server) {
		s.readings = source
	}
}

// WithTelemetry enables POST /api/nodes/{id}/data
func WithTelemetry(w TelemetryWriter) Option {
	return func(s *Server) {
		s.ingest = w
	}
}

// WithCommands enables POST /api/nodes/{id}/commands, publishing under topics at qos
func WithCommands(pub CommandPublisher, topics telemetry.Topics, qos byte) Option {
	return func(s *Server) {
		s.commands = pub
		s.topics = topics
		s.qos = qos
	}
}

// WithHealth serves the monitor's aggregate at /health
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) {
		s.monitor = monitor
	}
}

// WithTransport reports transport connectivity in the system status
func WithTransport(conn ConnState) Option {
	return func(s *Server) {
		s.transport = conn
	}
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithObservers mounts the observer session handler at /ws
func WithObservers(h http.Handler) Option {
	return func(s *Server) {
		s.observers = h
	}
}

// WithAccessLog writes Apache combined access logs to w
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) {
		s.accessLog = w
	}
}

// NewServer creates the API server
func NewServer(cfg Config, nodes NodeReader, configs ConfigWriter, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		nodes:   nodes,
		configs: configs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "http")

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.getNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/data", s.getReadings).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/data", s.postReading).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id}/config", s.putConfig).Methods(http.MethodPut)
	api.HandleFunc("/nodes/{id}/commands", s.postCommand).Methods(http.MethodPost)
	api.HandleFunc("/system/status", s.systemStatus).Methods(http.MethodGet)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.observers != nil {
		r.Handle("/ws", s.observers)
	}

	var h http.Handler = r
	if s.cfg.EnableCORS {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		)(h)
	}
	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "ListenAndServe", "listen on "+s.cfg.Addr)
	}
	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	if err := s.srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "ListenAndServe", "serve")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded by ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "drain requests")
	}
	s.logger.Info("HTTP server stopped",
		"requests", s.requestsTotal.Load(), "failed", s.requestsFailed.Load())
	return nil
}

type requestIDKey struct{}

// requestID propagates or assigns X-Request-ID and counts requests
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", id)
		s.requestsTotal.Add(1)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the request id assigned to ctx, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.requestsFailed.Add(1)
	s.writeJSON(w, status, errorResponse{Error: message, RequestID: RequestID(r.Context())})
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrUnknownNode):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrStaleReading):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message safe for clients. Invalid input is echoed so
// the caller learns why a write was rejected; everything else is generic.
func sanitizeError(err error) string {
	switch mapErrorToHTTPStatus(err) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		return err.Error()
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	s.writeError(w, r, status, sanitizeError(err))
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("Recovered from panic", "panic", fmt.Sprint(v...))
}
