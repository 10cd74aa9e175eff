// Package server exposes the store and the broadcaster over HTTP.
//
// Routes:
//
//	GET    /healthz
//	GET    /metrics
//	POST   /api/webhooks/post-status      workflow callback (shared secret)
//	GET    /api/realtime/stream           text event stream
//	GET    /api/realtime/ws               same frames over a websocket
//	POST   /api/realtime/subscribe        {connectionId, channel}
//	POST   /api/realtime/unsubscribe      {connectionId, channel}
//	GET    /api/realtime/stats
//	GET    /api/posts                     ?page=&limit=&status=
//	POST   /api/posts
//	GET    /api/posts/{id}
//	PUT    /api/posts/{id}
//	DELETE /api/posts/{id}
//
// Every /api route except the webhook requires an API token, either as
// "Authorization: Bearer <token>" or as ?token= (EventSource cannot set
// headers). The webhook is only served when a shared secret is configured.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/postpulse/internal/broadcast"
	"github.com/roach88/postpulse/internal/detector"
	"github.com/roach88/postpulse/internal/metrics"
	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/store"
)

// Store is the storage the handlers need. Implemented by store.Store.
type Store interface {
	UserByToken(ctx context.Context, token string) (post.User, error)
	ListPostsByOwner(ctx context.Context, ownerID int64, page store.Page) (store.PostPage, error)
	ReadOwnedPost(ctx context.Context, ownerID, id int64) (post.Post, error)
	CreatePost(ctx context.Context, p post.Post) (post.Post, error)
	UpdatePost(ctx context.Context, ownerID int64, p post.Post) (post.Post, error)
	SetPostStatus(ctx context.Context, ownerID, id int64, status string) (post.Post, error)
	DeletePost(ctx context.Context, ownerID, id int64) error
	PostOwner(ctx context.Context, id int64) (int64, error)
}

// DetectorStats is the read side of the change detector.
type DetectorStats interface {
	Stats() detector.Stats
}

// Server holds the handlers and their collaborators.
type Server struct {
	store         Store
	broadcaster   *broadcast.Broadcaster
	detector      DetectorStats
	metrics       *metrics.Metrics
	logger        *slog.Logger
	webhookSecret string
	websocket     bool
	writeTimeout  time.Duration
	router        *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithDetector exposes detector stats on /api/realtime/stats.
func WithDetector(d DetectorStats) Option {
	return func(s *Server) {
		s.detector = d
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWebhookSecret enables the workflow callback. Callers must send secret
// in the X-Webhook-Secret header. Without a secret the route is not served.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		s.webhookSecret = secret
	}
}

// WithWriteTimeout bounds each frame write to a realtime client. A client
// that cannot take a frame in time is dropped.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithWebSocket enables or disables the websocket transport.
func WithWebSocket(enabled bool) Option {
	return func(s *Server) {
		s.websocket = enabled
	}
}

// New creates a Server and builds its routes.
func New(st Store, b *broadcast.Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:        st,
		broadcaster:  b,
		logger:       slog.Default(),
		websocket:    true,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// Registered before the authenticated subrouter so it matches first.
	if s.webhookSecret != "" {
		r.HandleFunc("/api/webhooks/post-status", s.handlePostStatusWebhook).Methods(http.MethodPost)
	} else {
		s.logger.Warn("post status webhook disabled: no webhook secret configured")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/realtime/stream", s.handleStream).Methods(http.MethodGet)
	if s.websocket {
		api.HandleFunc("/realtime/ws", s.handleWebSocket).Methods(http.MethodGet)
	}
	api.HandleFunc("/realtime/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/realtime/unsubscribe", s.handleUnsubscribe).Methods(http.MethodPost)
	api.HandleFunc("/realtime/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/posts", s.handleListPosts).Methods(http.MethodGet)
	api.HandleFunc("/posts", s.handleCreatePost).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id:[0-9]+}", s.handleGetPost).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id:[0-9]+}", s.handleUpdatePost).Methods(http.MethodPut)
	api.HandleFunc("/posts/{id:[0-9]+}", s.handleDeletePost).Methods(http.MethodDelete)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunOptions controls the listener lifecycle.
type RunOptions struct {
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Serve serves on ln until ctx is done, then closes every stream and shuts
// the listener down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener, opts RunOptions) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	// Streams never finish on their own; end them before Shutdown waits.
	s.broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
