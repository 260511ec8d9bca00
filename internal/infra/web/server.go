package web

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain/ports/adapter"
	"pkm-jobs/internal/infra/metrics"
	red "pkm-jobs/internal/infra/redis"
	"pkm-jobs/internal/infra/sched"
	"pkm-jobs/internal/usecase"
)

type Server struct {
	lifecycle   *usecase.LifecycleUseCase
	query       *usecase.QueryUseCase
	coordinator *sched.RetryCoordinator
	bc          adapter.ProgressBroadcaster
	limiter     *red.RateLimiter
	apiKey      string
	rateLimit   int
	rateWindow  time.Duration
	log         *zerolog.Logger
}

func NewServer(
	lifecycle *usecase.LifecycleUseCase,
	query *usecase.QueryUseCase,
	coordinator *sched.RetryCoordinator,
	bc adapter.ProgressBroadcaster,
	limiter *red.RateLimiter,
	apiKey string,
	rateLimit int,
	rateWindow time.Duration,
	logger *zerolog.Logger,
) *Server {
	srvLog := logger.With().Str("component", "WebServer").Logger()
	return &Server{
		lifecycle:   lifecycle,
		query:       query,
		coordinator: coordinator,
		bc:          bc,
		limiter:     limiter,
		apiKey:      apiKey,
		rateLimit:   rateLimit,
		rateWindow:  rateWindow,
		log:         &srvLog,
	}
}

// Router builds the chi router with the full API surface.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJobHandler)
			r.Get("/", s.listJobsHandler)
			r.Get("/stats", s.queueStatsHandler)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.getJobHandler)
				r.Put("/progress", s.progressHandler)
				r.Post("/complete", s.completeHandler)
				r.Post("/fail", s.failHandler)
				r.Post("/retry", s.retryHandler)
				r.Post("/cancel", s.cancelHandler)
				r.Get("/stream", s.streamHandler)
			})
		})
	})
	return r
}

// authMiddleware provides simple Bearer token authentication for the API.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.log.Error().Msg("API key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "bearer") {
			http.Error(w, "Unauthorized: Malformed token", http.StatusUnauthorized)
			return
		}

		if tokenParts[1] != s.apiKey {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware throttles per caller address. Skipped when redis is
// not wired.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		caller := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			caller = host
		}
		ok, err := s.limiter.Allow(r.Context(), red.CallerKey(caller, r.URL.Path), s.rateLimit, s.rateWindow)
		if err != nil {
			// Rate limiting is advisory; don't take the API down with redis.
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.ObserveHTTPRequest(route, r.Method, ww.code, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
