package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

const (
	DefaultNotificationsPath = "/api/v1/admin/notifications"
	InternalPublishPath      = "/internal/notifications"

	HeaderInternalTimestamp = "X-Talkiplay-Timestamp"
	HeaderInternalSignature = "X-Talkiplay-Signature"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitPerMinute int
	MaxBodyBytes       int64
	CORSOrigins        []string
	NotificationsPath  string
}

type Server struct {
	svc     *Service
	hub     *Hub
	cfg     ServerConfig
	metrics *metrics.Backend
	log     *logger.Logger
	now     func() time.Time
	handler http.Handler

	limiter            *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type ServerOptions struct {
	Metrics *metrics.Backend
	Logger  *logger.Logger
	Now     func() time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*rate.Limiter
}

type envelope struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Code          string `json:"code,omitempty"`
	Data          any    `json:"data,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func NewServer(svc *Service, hub *Hub, cfg ServerConfig, opts ServerOptions) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.NotificationsPath == "" {
		cfg.NotificationsPath = DefaultNotificationsPath
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		svc:                svc,
		hub:                hub,
		cfg:                cfg,
		metrics:            opts.Metrics,
		log:                logger.OrNop(opts.Logger).WithComponent("backend"),
		now:                opts.Now,
		internalReplaySeen: map[string]time.Time{},
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = &rateLimiter{perMinute: cfg.RateLimitPerMinute, limiters: map[string]*rate.Limiter{}}
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
	})
	r.Get("/ws", s.handleWebsocket)
	r.Post(InternalPublishPath, s.handleInternalPublish)

	r.Route(s.cfg.NotificationsPath, func(r chi.Router) {
		r.With(s.requireScope(ScopeRead)).Get("/", s.handleList)
		r.With(s.requireScope(ScopeRead)).Get("/stats", s.handleStats)
		r.With(s.requireScope(ScopeWrite)).Put("/mark-all-read", s.handleMarkAllRead)
		r.With(s.requireScope(ScopeWrite)).Put("/{id}/read", s.handleMarkRead)
		r.With(s.requireScope(ScopeWrite)).Delete("/{id}", s.handleDelete)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		AllowCredentials: !containsWildcard(origins),
	}).Handler(r)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Requests.WithLabelValues(route, fmt.Sprintf("%dxx", status/100)).Inc()
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := s.authorize(w, r, bearerToken(r), scope); !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, token, scope string) (Claims, bool) {
	claims, authErr := authorizeToken(token, s.cfg.JWTSecret, scope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return Claims{}, false
	}
	if s.limiter != nil && !s.limiter.allow(claims.Subject) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return Claims{}, false
	}
	return claims, true
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, ok := s.authorize(w, r, token, ScopeRead)
	if !ok {
		return
	}
	if err := s.hub.Serve(w, r, claims.Subject); err != nil && !errors.Is(err, ErrHubClosed) {
		s.log.Warn("websocket upgrade failed", "error", err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	mode, err := notification.ParseFilterMode(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	items, err := s.svc.List(r.Context(), r.URL.Query().Get("recipient"), mode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context(), r.URL.Query().Get("recipient"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := s.svc.MarkAllRead(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "all notifications marked as read",
		Data:    map[string]int{"updated": updated},
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "notification marked as read"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "notification deleted"})
}

func (s *Server) handleInternalPublish(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now().UTC()
	timestamp := r.Header.Get(HeaderInternalTimestamp)
	signature := r.Header.Get(HeaderInternalSignature)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	var req PublishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	n, err := s.svc.Publish(r.Context(), req, "http")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "notification published", Data: n})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, envelope{
		Success:       false,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
