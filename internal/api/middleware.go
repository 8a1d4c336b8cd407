package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/CShear/regen-compute-credits/internal/balance"
	"github.com/CShear/regen-compute-credits/internal/metrics"
)

// requestMeta travels with the request as a mutable holder so inner
// middleware can publish the caller without re-copying the request,
// and the outer logger still sees the fully matched route pattern.
type requestMeta struct {
	userID string
}

type contextKey int

const metaKey contextKey = iota

func requestMetaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey).(*requestMeta)
	return m
}

// callerID returns the authenticated user id, or "" outside the
// protected routes.
func callerID(ctx context.Context) string {
	if m := requestMetaFrom(ctx); m != nil {
		return m.userID
	}
	return ""
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern prefers the matched mux pattern over the raw path so
// logs and metrics aggregate by route, not by identifier.
func routePattern(r *http.Request) string {
	if r.Pattern != "" {
		if _, pattern, found := strings.Cut(r.Pattern, " "); found {
			return pattern
		}
		return r.Pattern
	}
	return r.URL.Path
}

// logRequests logs every request and feeds the HTTP metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = r.WithContext(context.WithValue(r.Context(), metaKey, &requestMeta{}))
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := routePattern(r)
		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", duration).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate resolves the bearer key to a user id. The Redis lookup
// sees only the key's SHA-256; a miss falls through to PostgreSQL and
// backfills the cache.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			writeError(w, s.log, http.StatusUnauthorized, codeUnauthorized, "missing bearer API key", nil)
			return
		}

		userID, err := s.resolveAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, balance.ErrUserNotFound) {
				writeError(w, s.log, http.StatusUnauthorized, codeUnauthorized, "invalid API key", nil)
				return
			}
			s.log.Error().Err(err).Msg("API key resolution failed")
			writeError(w, s.log, http.StatusServiceUnavailable, codeServiceUnavailable, "authentication backend unavailable", nil)
			return
		}

		meta := requestMetaFrom(r.Context())
		if meta == nil {
			meta = &requestMeta{}
			r = r.WithContext(context.WithValue(r.Context(), metaKey, meta))
		}
		meta.userID = userID
		next.ServeHTTP(w, r)
	})
}

func (s *Server) resolveAPIKey(ctx context.Context, key string) (string, error) {
	hashed := balance.HashAPIKey(key)

	if s.deps.Redis != nil {
		id, err := s.deps.Redis.Get(ctx, balance.APIKeyKey(hashed)).Result()
		if err == nil && id != "" {
			return id, nil
		}
		if err != nil && err != redis.Nil {
			s.log.Warn().Err(err).Msg("Key cache read failed, using postgres")
		}
	}

	if s.deps.Accounts == nil {
		return "", balance.ErrUserNotFound
	}
	user, err := s.deps.Accounts.UserByAPIKey(ctx, key)
	if err != nil {
		return "", err
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Set(ctx, balance.APIKeyKey(hashed), user.ID, 0).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Key cache backfill failed")
		}
	}
	return user.ID, nil
}

// rateLimit enforces the per-user sliding window. Limiter errors fail
// open: an unreachable Redis should degrade throughput limits, not
// availability.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := s.deps.Limiter.Allow(r.Context(), callerID(r.Context()))
		if err != nil {
			s.log.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			metrics.RateLimited.Inc()
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, s.log, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", map[string]interface{}{
				"retryAfterSeconds": seconds,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recordUsage queues one usage event per authenticated request.
func (s *Server) recordUsage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if s.deps.Accounts == nil {
			return
		}
		if userID := callerID(r.Context()); userID != "" {
			s.deps.Accounts.RecordUsage(balance.UsageEvent{
				UserID:     userID,
				Method:     r.Method,
				Route:      routePattern(r),
				Status:     wrapped.statusCode,
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
	})
}
