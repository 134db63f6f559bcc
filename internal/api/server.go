package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/metrics"
)

// Source is the crawl control surface of one source.
type Source interface {
	Crawl(ctx context.Context, url, label string) bool
	StopCrawl()
	State() crawler.SessionState
	Next() time.Time
}

// Deps are the collaborators the Server routes to. Nil directory entries
// answer 503.
type Deps struct {
	Sources      map[string]Source
	Persons      PersonDirectory
	Groups       GroupLookup
	Legislatures LegislatureLister
	// CurrentLegislature is the default of GET /v1/groups.
	CurrentLegislature int
	// Ready reports downstream readiness for /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the crawl sources and data directories.
type Server struct {
	router    chi.Router
	sources   map[string]Source
	directory *DirectoryHandler
	ready     func(ctx context.Context) error
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources:   deps.Sources,
		directory: NewDirectoryHandler(deps, logger.Named("directory")),
		ready:     deps.Ready,
		logger:    logger,
	}
	if s.sources == nil {
		s.sources = map[string]Source{}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Route("/sources/{source}", func(r chi.Router) {
			r.Post("/crawl", s.startCrawl)
			r.Get("/session", s.getSession)
			r.Post("/stop", s.stopCrawl)
		})
		r.Get("/persons", s.directory.FindPersons)
		r.Get("/persons/{id}", s.directory.GetPerson)
		r.Get("/groups", s.directory.GetGroups)
		r.Get("/legislatures", s.directory.ListLegislatures)
	})

	s.router = r
	return s
}

// Handler returns the traced Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "api")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionResponse struct {
	Source     string     `json:"source"`
	Running    bool       `json:"running"`
	CurrentURL string     `json:"current_url,omitempty"`
	NextCrawl  *time.Time `json:"next_crawl,omitempty"`
}

func sessionOf(name string, src Source) sessionResponse {
	state := src.State()
	resp := sessionResponse{Source: name, Running: state.Running, CurrentURL: state.CurrentURL}
	if next := src.Next(); !next.IsZero() {
		resp.NextCrawl = &next
	}
	return resp
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]sessionResponse, 0, len(names))
	for _, name := range names {
		out = append(out, sessionOf(name, s.sources[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) source(w http.ResponseWriter, r *http.Request) (string, Source, bool) {
	name := chi.URLParam(r, "source")
	src, ok := s.sources[name]
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return name, nil, false
	}
	return name, src, true
}

type crawlRequest struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	name, src, ok := s.source(w, r)
	if !ok {
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL != "" {
		if _, err := crawler.NormalizeURL(req.URL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	started := src.Crawl(context.WithoutCancel(r.Context()), req.URL, req.Label)
	s.logger.Info("crawl requested",
		zap.String("source", name),
		zap.String("url", req.URL),
		zap.String("label", req.Label),
		zap.Bool("started", started))
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	name, src, ok := s.source(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionOf(name, src))
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	name, src, ok := s.source(w, r)
	if !ok {
		return
	}
	src.StopCrawl()
	writeJSON(w, http.StatusOK, sessionOf(name, src))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
