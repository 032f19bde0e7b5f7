package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const idempotencyKeyCtx = "idempotency_key"

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"idempotency_key", c.GetString(idempotencyKeyCtx),
		)
	}
}

const (
	limiterIdleTTL    = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP. Buckets idle for longer than
// idle are dropped on the next sweep.
type ipLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
	visitors  map[string]*visitor
}

func newIPLimiter(rps, burst int, idle time.Duration, now func() time.Time) *ipLimiter {
	return &ipLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		idle:      idle,
		now:       now,
		lastSweep: now(),
		visitors:  make(map[string]*visitor),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.lim.AllowN(now, 1)
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	limiter := newIPLimiter(rps, burst, limiterIdleTTL, time.Now)
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !limiter.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// IdempotencyKeyMiddleware requires header on state-changing requests and stores
// the trimmed key in the gin context.
func IdempotencyKeyMiddleware(header string, minLength int) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader(header))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": header + " header is required"})
			return
		}
		if len(key) < minLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": header + " header is too short"})
			return
		}
		c.Set(idempotencyKeyCtx, key)
		c.Next()
	}
}
