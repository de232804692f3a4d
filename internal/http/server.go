// Package http exposes the task API over REST and WebSocket.
package http

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/orchestrator"
	"github.com/nextlevelbuilder/taskrunner/internal/scheduler"
)

// defaultMaxBodyBytes limits request bodies.
const defaultMaxBodyBytes = 1 << 20 // 1MB

// ServerConfig wires a Server.
type ServerConfig struct {
	Service     *orchestrator.Service
	Bus         *bus.MessageBus
	Lanes       *scheduler.LaneManager // nil = /stats reports no lanes
	Token       string                 // expected bearer token (empty = no auth)
	RateLimiter *RateLimiter           // nil = no limit
	Version     string
	// AllowedOrigins restricts WebSocket origins. Empty allows any origin.
	AllowedOrigins []string
}

// Server routes the task API.
type Server struct {
	svc         *orchestrator.Service
	bus         *bus.MessageBus
	lanes       *scheduler.LaneManager
	rateLimiter *RateLimiter
	version     string
	upgrader    websocket.Upgrader

	mu    sync.RWMutex
	token string
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		svc:         cfg.Service,
		bus:         cfg.Bus,
		lanes:       cfg.Lanes,
		rateLimiter: cfg.RateLimiter,
		version:     cfg.Version,
		token:       cfg.Token,
	}
	if s.bus == nil {
		s.bus = bus.New()
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return origins[r.Header.Get("Origin")]
		},
	}
	return s
}

// SetToken replaces the bearer token. Used on config hot reload.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Server) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Handler returns the routed handler with logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /process-task", s.protect(s.handleProcessTask))
	mux.Handle("GET /task-status/{task_id}", s.protect(s.handleTaskStatus))
	mux.Handle("GET /task-history/{task_id}", s.protect(s.handleTaskHistory))
	mux.Handle("GET /tasks/{task_id}/stream", s.protect(s.handleStream))
	mux.Handle("GET /stats", s.protect(s.handleStats))

	return logRequests(mux)
}

// protect applies bearer auth and the per-client rate limit.
func (s *Server) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatch(extractBearerToken(r), s.currentToken()) {
			writeError(w, http.StatusUnauthorized, "Invalid authentication")
			return
		}
		if !s.rateLimiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		} else if r.URL.Path == "/process-task" {
			level = slog.LevelInfo
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}
