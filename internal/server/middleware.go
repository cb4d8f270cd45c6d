package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFromContext returns the id assigned by the requestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID adds a unique request ID to the context and response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// instrument logs each request and records Prometheus metrics. The route
// label is the mux path template so server ids do not explode cardinality.
func instrument(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil && tpl != "" {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			log.Debug("HTTP request",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("duration", duration),
			)
		})
	}
}

// Authorizer decides whether a request may reach the API.
type Authorizer interface {
	Allowed(r *http.Request) bool
}

// TokenAuthorizer accepts static bearer tokens. With no tokens configured
// every request is allowed.
type TokenAuthorizer struct {
	tokens [][]byte
}

// NewTokenAuthorizer builds an authorizer from the configured tokens.
// Blank entries are ignored.
func NewTokenAuthorizer(tokens []string) *TokenAuthorizer {
	a := &TokenAuthorizer{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *TokenAuthorizer) Allowed(r *http.Request) bool {
	if len(a.tokens) == 0 {
		return true
	}
	token := extractBearer(r)
	if token == "" {
		return false
	}
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// authorize rejects requests the Authorizer refuses. Probes and metrics
// scraping stay open.
func authorize(a Authorizer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOpenPath(r.URL.Path) || a == nil || a.Allowed(r) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "authentication required")
		})
	}
}

func isOpenPath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client address. A limit of zero
// or less disables it. Forwarding headers are only consulted when
// trustProxy is set, since any caller can send them.
type clientLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	perMin     int
	trustProxy bool
	clients    map[string]*clientEntry
	now        func() time.Time
}

func newClientLimiter(perMinute int, trustProxy bool) *clientLimiter {
	return &clientLimiter{
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      perMinute,
		perMin:     perMinute,
		trustProxy: trustProxy,
		clients:    make(map[string]*clientEntry),
		now:        time.Now,
	}
}

func (l *clientLimiter) enabled() bool {
	return l.perMin > 0
}

func (l *clientLimiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.clients[client]; ok {
		e.lastSeen = now
		return e.limiter
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients[client] = &clientEntry{limiter: lim, lastSeen: now}
	return lim
}

// sweep drops clients not seen for limiterIdleTTL and returns how many
// were removed.
func (l *clientLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, e := range l.clients {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// run sweeps idle clients every limiterSweepInterval until ctx is done.
func (l *clientLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

// middleware returns 429 with Retry-After once a client exhausts its bucket.
func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.enabled() || isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		limiter := l.get(clientIP(r, l.trustProxy))
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller address. X-Forwarded-For and X-Real-IP are
// honoured only behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx > 0 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
