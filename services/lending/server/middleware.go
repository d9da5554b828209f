package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"termlend/observability"
)

// RateLimit bounds requests per client. A zero RequestsPerMinute disables
// limiting. X-Real-IP and X-Forwarded-For are only honoured when the peer
// address falls inside TrustedProxies (IPs or CIDRs).
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
	TrustedProxies    []string
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address.
type RateLimiter struct {
	limit    RateLimit
	proxies  []*net.IPNet
	logger   *slog.Logger
	metrics  interface{ RecordThrottle(route string) }
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter constructs a limiter with the supplied budget.
func NewRateLimiter(limit RateLimit, logger *slog.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proxies, err := ParseTrustedProxies(limit.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		limit:    limit,
		proxies:  proxies,
		logger:   logger,
		metrics:  observability.HTTP(),
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}, nil
}

// ParseTrustedProxies converts IPs and CIDRs into networks. A bare IP becomes
// a single-host network.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: invalid address", raw)
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, network)
	}
	return out, nil
}

// Middleware rejects requests beyond the client's budget with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		id := r.clientID(req)
		if !r.obtainLimiter(id).Allow() {
			r.metrics.RecordThrottle(routePattern(req))
			r.logger.Debug("request throttled", slog.String("client", id), slog.String("path", req.URL.Path))
			writeJSONError(w, http.StatusTooManyRequests, errTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.evictLocked(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// evictLocked drops clients idle for more than five minutes.
func (r *RateLimiter) evictLocked(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > 5*time.Minute {
			delete(r.visitors, id)
		}
	}
}

// clientID keys the limiter on the peer address. Forwarding headers are
// only believed when the peer is a trusted proxy.
func (r *RateLimiter) clientID(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if !r.trusted(net.ParseIP(host)) {
		return host
	}
	if ip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	return host
}

func (r *RateLimiter) trusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range r.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// RequestIDFrom returns the request identifier attached by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe records latency and status per route and logs completed requests.
func observe(serviceName string, logger *slog.Logger) func(http.Handler) http.Handler {
	tracer := otel.Tracer(serviceName)
	metrics := observability.HTTP()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("request.id", RequestIDFrom(r.Context())),
			))
			defer span.End()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(recorder, r)

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", recorder.status),
			)
			duration := time.Since(start)
			metrics.Observe(route, r.Method, recorder.status, duration)
			logger.Debug("request served",
				slog.String("request_id", RequestIDFrom(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", recorder.status),
				slog.Duration("duration", duration))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
