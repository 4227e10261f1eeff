package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"livetimeline/internal/auth"
	"livetimeline/internal/dispatcher"
	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

// Banner is the body of GET /.
const Banner = "Event Timeline API Running"

// PushPath is where the websocket push channel is mounted.
const PushPath = "/socket"

// Timeline is the dispatcher surface the API needs.
type Timeline interface {
	Submit(ctx context.Context, cmd timeline.Command) (dispatcher.Outcome, error)
	Snapshot() timeline.Timeline
	Version() uint64
	Dirty() bool
}

// TokenIssuer issues and validates session tokens.
type TokenIssuer interface {
	Issue(u auth.User) (string, time.Time, error)
	Parse(raw string) (auth.User, error)
}

// Counter reports connected push clients.
type Counter interface {
	Count() int
}

// Config controls the API.
//
// Defaults (when fields are omitted/zero):
//   - max_body_bytes: 1 MiB
//   - command_timeout: 10s
type Config struct {
	AllowedOrigins []string
	RequireToken   bool
	MaxBodyBytes   int64
	CommandTimeout time.Duration
}

// Deps are the collaborators of the API. Push may be nil.
type Deps struct {
	Timeline Timeline
	Verifier auth.Verifier
	Tokens   TokenIssuer
	Push     http.Handler
	Clients  Counter
	Log      logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	requireToken atomic.Bool
	origins      atomic.Pointer[[]string]

	router *mux.Router
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.requireToken.Store(cfg.RequireToken)
	origins := append([]string(nil), cfg.AllowedOrigins...)
	s.origins.Store(&origins)
	s.router = s.routes()
	return s
}

// SetRequireToken toggles bearer token enforcement on mutating routes.
func (s *Server) SetRequireToken(on bool) { s.requireToken.Store(on) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.banner)
	r.Methods(http.MethodGet).Path("/api/health").HandlerFunc(s.health)
	r.Methods(http.MethodPost).Path("/api/auth/login").HandlerFunc(s.login)
	r.Methods(http.MethodGet).Path("/api/timeline").HandlerFunc(s.listItems)

	admin := r.NewRoute().Subrouter()
	admin.Use(s.authorize)
	admin.Methods(http.MethodPost).Path("/api/timeline").HandlerFunc(s.createItem)
	admin.Methods(http.MethodPut).Path("/api/timeline/{id}").HandlerFunc(s.updateItem)
	admin.Methods(http.MethodDelete).Path("/api/timeline/{id}").HandlerFunc(s.deleteItem)

	if s.deps.Push != nil {
		r.Methods(http.MethodGet).Path(PushPath).Handler(s.deps.Push)
	}

	// Preflight for any path; the cors middleware writes the headers.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Debug("handled",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", m.Code),
			logx.Duration("took", m.Duration),
			logx.Int64("bytes", m.Written),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := s.allowOrigin(r.Header.Get("Origin")); allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" to omit it.
func (s *Server) allowOrigin(origin string) string {
	origins := *s.origins.Load()
	if len(origins) == 0 {
		return "*"
	}
	for _, o := range origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireToken.Load() {
			next.ServeHTTP(w, r)
			return
		}
		if s.deps.Tokens == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if _, err := s.deps.Tokens.Parse(auth.BearerToken(r.Header.Get("Authorization"))); err != nil {
			s.log.Debug("token rejected", logx.String("path", r.URL.Path), logx.Err(err))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// submit runs cmd with the API's command timeout.
func (s *Server) submit(r *http.Request, cmd timeline.Command) (dispatcher.Outcome, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()
	return s.deps.Timeline.Submit(ctx, cmd)
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, timeline.ErrInvalidCommand), errors.Is(err, timeline.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, dispatcher.ErrStopped), errors.Is(err, dispatcher.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
