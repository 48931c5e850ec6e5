package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thruflo/foreman/internal/auth"
	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/session"
)

// Launcher starts background runs of active sessions.
type Launcher interface {
	Launch(id string)
	Running(id string) bool
}

// Answerer records decision answers and resumes sessions whose decisions
// are all answered.
type Answerer interface {
	AnswerDecision(ctx context.Context, sessionID, decisionID, answer string) (*session.Decision, error)
}

// Options wires a Server.
type Options struct {
	Config   config.ServerConfig
	Registry *session.Registry
	Answerer Answerer
	Launcher Launcher
	// Events serves the websocket stream; nil disables /ws.
	Events   http.Handler
	Gatherer prometheus.Gatherer
	// Assets is the dashboard served at /; nil disables it.
	Assets   fs.FS
	Verifier *auth.Verifier
	Logger   *logging.Logger
}

// Server exposes the session registry over HTTP.
type Server struct {
	cfg      config.ServerConfig
	registry *session.Registry
	answerer Answerer
	launcher Launcher
	events   http.Handler
	gatherer prometheus.Gatherer
	assets   fs.FS
	verifier *auth.Verifier
	limiter  *rateLimiter
	logger   *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Answerer == nil {
		return nil, errors.New("answerer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Verifier == nil {
		v, err := auth.NewVerifier(opts.Config.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("invalid token hash: %w", err)
		}
		opts.Verifier = v
	}
	if opts.Config.Addr == "" {
		opts.Config.Addr = config.DefaultServerAddr
	}
	return &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		answerer: opts.Answerer,
		launcher: opts.Launcher,
		events:   opts.Events,
		gatherer: opts.Gatherer,
		assets:   opts.Assets,
		verifier: opts.Verifier,
		limiter: newRateLimiter(RateLimitConfig{
			Rate:  opts.Config.RateLimit,
			Burst: opts.Config.RateBurst,
		}),
		logger: opts.Logger.With("component", "server"),
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.assets != nil {
		// The page carries no data; it prompts for the token and calls the API.
		r.Handle("/*", http.FileServer(http.FS(s.assets)))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.withAuth)

		if s.events != nil {
			r.Handle("/ws", s.events)
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Get("/invocation", s.handleLastInvocation)
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/enqueue", s.handleEnqueue)
					r.Post("/run", s.handleRun)
					r.Get("/decisions", s.handleListDecisions)
					r.Post("/decisions/{decisionID}", s.handleAnswerDecision)
				})
			})
			r.Route("/projects/{project}/queue", func(r chi.Router) {
				r.Get("/", s.handleGetQueue)
				r.Put("/", s.handleReorderQueue)
			})
		})
	})
	return r
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.started = true
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("listening", "addr", listener.Addr().String(), "auth", s.verifier.Enabled())

	go s.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.started = false
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

// withAuth requires the bearer token when one is configured. Websocket
// clients may pass it as the "token" query parameter instead.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !s.verifier.Check(token) {
			if blocked := s.limiter.recordFailure(ip); blocked > 0 {
				s.logger.Warn("client blocked after repeated auth failures", "ip", ip, "duration", blocked)
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

const maxBodyBytes = 1 << 20

// decodeJSON decodes an optional JSON body. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps registry errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrDecisionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrConcurrencyConflict),
		errors.Is(err, session.ErrNotQueued),
		errors.Is(err, session.ErrPlanNotApproved),
		errors.Is(err, session.ErrTerminal),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrInvocationInFlight):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeError(w, status, err.Error())
}
