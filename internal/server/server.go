// Package server is the connection controller: it terminates WebSocket
// handshakes, authenticates subscribers, registers their sockets and bridges
// them to the synchronization service. It also serves the REST submission
// and history endpoints.
//
// Two handshake forms are accepted and both reduce to a
// model.SubscribeRequest before anything else happens:
//
//	GET /doc/{projectID}/manuscript/{documentID}/listen   ids in the path
//	GET /listen                                           ids in the first message
//
// Failures on a socket never propagate past it. Authentication, access and
// malformed-message failures close that socket, are logged and leave every
// other connection untouched.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/stepsync/internal/access"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/hub"
	"github.com/roach88/stepsync/internal/metrics"
)

// Options configures a Server. Zero durations and sizes take defaults.
type Options struct {
	Service       *collab.Service
	Registry      *hub.Registry
	Authenticator access.Authenticator
	Checker       access.Checker
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	IDs           IDGenerator

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	SendQueueSize    int
	MaxMessageBytes  int64

	// MetricsPath mounts the Prometheus handler when Metrics is set.
	MetricsPath string
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IDs == nil {
		o.IDs = UUIDv7Generator{}
	}
	if o.Registry == nil {
		o.Registry = hub.NewRegistry(o.Logger)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
}

// Server owns the router, the upgrader and the lifetime of all connections.
type Server struct {
	opts     Options
	service  *collab.Service
	registry *hub.Registry
	auth     access.Authenticator
	checker  access.Checker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	// ctx scopes service calls made on behalf of sockets. It outlives any
	// single socket so closing a socket never cancels a store write.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. Service, Authenticator and Checker are required.
func New(opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		service:  opts.Service,
		registry: opts.Registry,
		auth:     opts.Authenticator,
		checker:  opts.Checker,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/listen", s.handleListenFirstMessage).Methods(http.MethodGet)

	doc := r.PathPrefix("/doc/{projectID}/manuscript/{documentID}").Subrouter()
	doc.HandleFunc("/listen", s.handleListenPath).Methods(http.MethodGet)
	doc.HandleFunc("/steps", s.handleSubmitSteps).Methods(http.MethodPost)
	doc.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	if s.metrics != nil && s.opts.MetricsPath != "" {
		r.Handle(s.opts.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the connection registry.
func (s *Server) Registry() *hub.Registry { return s.registry }

// Serve accepts connections on ln until ctx is cancelled, then shuts down,
// waiting up to shutdownTimeout for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.HandshakeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by http.Server; close
	// them through the registry. s.ctx stays live until Shutdown has drained
	// in-flight submissions.
	s.registry.CloseAll()
	err := srv.Shutdown(shutdownCtx)
	s.cancel()
	return err
}

// Close closes every subscribed socket and cancels service calls made for
// sockets.
func (s *Server) Close() {
	s.registry.CloseAll()
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser.
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"documents": len(s.registry.Documents()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
