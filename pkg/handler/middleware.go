package handler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local info = redis.call("HMGET", key, "tokens", "last_refill")
	local tokens = tonumber(info[1])
	local last_refill = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local filled_tokens = math.min(capacity, tokens + (delta / 1000 * rate))

	local allowed = 0
	if filled_tokens >= requested then
		filled_tokens = filled_tokens - requested
		allowed = 1
	end
	redis.call("HSET", key, "tokens", filled_tokens, "last_refill", now)
	redis.call("EXPIRE", key, math.ceil(capacity / rate) * 2)

	return allowed
`)

type ctxKeyLog struct{}
type ctxKeyRequestID struct{}

type logHandler struct {
	log  *logrus.Logger
	next http.Handler
}

type responseRecorder struct {
	b      int
	status int
	w      http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header { return r.w.Header() }

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.w.Write(p)
	r.b += n
	return n, err
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.w.WriteHeader(statusCode)
}

func (lh *logHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, requestID)

	start := time.Now()
	rr := &responseRecorder{w: w}
	log := lh.log.WithFields(logrus.Fields{
		"http.req.path":   r.URL.Path,
		"http.req.method": r.Method,
		"http.req.id":     requestID,
	})
	log.Debug("request started")
	defer func() {
		log.WithFields(logrus.Fields{
			"http.resp.took_ms": int64(time.Since(start) / time.Millisecond),
			"http.resp.status":  rr.status,
			"http.resp.bytes":   rr.b}).Debugf("request complete")
	}()

	ctx = context.WithValue(ctx, ctxKeyLog{}, log)
	lh.next.ServeHTTP(rr, r.WithContext(ctx))
}

// requestLogger 取出 logHandler 注入的 entry
func requestLogger(r *http.Request, fallback *logrus.Logger) logrus.FieldLogger {
	if l, ok := r.Context().Value(ctxKeyLog{}).(*logrus.Entry); ok {
		return l
	}
	return fallback
}

// Limiter 基于 Redis 令牌桶，多实例共享配额
type Limiter struct {
	client      redis.Cmdable
	log         *logrus.Logger
	globalRate  float64
	globalBurst int
	ipRate      float64
	ipBurst     int
}

func NewLimiter(client redis.Cmdable, log *logrus.Logger, globalRate float64, globalBurst int, ipRate float64, ipBurst int) *Limiter {
	return &Limiter{
		client:      client,
		log:         log,
		globalRate:  globalRate,
		globalBurst: globalBurst,
		ipRate:      ipRate,
		ipBurst:     ipBurst,
	}
}

func (l *Limiter) Allow(ctx context.Context, key string, capacity int, rate float64) (bool, error) {
	now := time.Now().UnixMilli()

	keys := []string{fmt.Sprintf("rate_limit:%s", key)}
	args := []interface{}{capacity, rate, now, 1}

	result, err := tokenBucketScript.Run(ctx, l.client, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Middleware Redis 出错时放行，限流不应成为新的单点
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		defer cancel()

		globalAllowed, err := l.Allow(ctx, "global_seckill", l.globalBurst, l.globalRate)
		if err != nil {
			l.log.Warnf("global limiter redis error: %v", err)
		} else if !globalAllowed {
			writeJSON(w, http.StatusServiceUnavailable, fail("system busy"))
			return
		}

		ipAllowed, err := l.Allow(ctx, "ip:"+getRealIP(r), l.ipBurst, l.ipRate)
		if err != nil {
			l.log.Warnf("ip limiter redis error: %v", err)
		} else if !ipAllowed {
			writeJSON(w, http.StatusTooManyRequests, fail("too many requests"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getRealIP(r *http.Request) string {
	// X-Forwarded-For: client, proxy1, proxy2
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
