package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// Middleware holds the shared dependencies request handlers compose
// around: token resolution and the decision-endpoint rate limiter.
type Middleware struct {
	resolver     *token.Resolver
	checkLimiter *rateLimiterStore
}

// NewMiddleware builds a Middleware around a token resolver.
// requestsPerMinute bounds /check-access and /get-permitted-actions calls
// per client IP; 0 picks the default.
func NewMiddleware(resolver *token.Resolver, requestsPerMinute int) *Middleware {
	return &Middleware{resolver: resolver, checkLimiter: newRateLimiterStore(requestsPerMinute, 0)}
}

// Stop ends the rate limiter's background sweep. Call during shutdown.
func (m *Middleware) Stop() { m.checkLimiter.Stop() }

// ResolvePrincipal attaches the caller's resolved principal to the request
// context for every request, realm hint taken from the {realm} path value.
// Resolution never fails outright — an invalid or missing token downgrades
// to the anonymous principal, per the token-invalid-is-anonymous contract
// — so this middleware never itself rejects a request; handlers that
// require a non-anonymous caller check IsAnonymous themselves.
func (m *Middleware) ResolvePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		realmHint := r.PathValue("realm")
		principal := m.resolver.Resolve(r.Context(), realmHint, r.Header.Get("Authorization"))
		ctx := SetPrincipalContext(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuthenticated rejects anonymous callers with 401, for endpoints
// the wire API reserves to a resolved principal.
func (m *Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFromContext(r.Context())
		if principal == nil || principal.IsAnonymous {
			WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter pairs a token-bucket limiter with the last time it was used,
// so the background sweep can evict idle entries.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds one limiter per client IP in a map guarded by a
// mutex, swept periodically rather than bounded by an eviction cache.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiterStore(requestsPerMinute, burst int) *rateLimiterStore {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	s := &rateLimiterStore{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60),
		b:        burst,
		stopCh:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *rateLimiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (s *rateLimiterStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for ip, entry := range s.limiters {
				if time.Since(entry.lastSeen) > 10*time.Minute {
					delete(s.limiters, ip)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop ends the background sweep. Idempotent.
func (s *rateLimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RateLimit enforces the middleware's per-IP budget, answering 429 with
// Retry-After once a caller's bucket is exhausted.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := m.checkLimiter.get(realIP(r))
		reservation := limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// realIP extracts the client address, preferring proxy headers over the
// raw connection address.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
