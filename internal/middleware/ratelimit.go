package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultMaxAttemptsPerMinute is the default limit per key.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedKeys bounds the number of keys tracked at once.
	DefaultMaxTrackedKeys = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per key, such as a client IP or an account.
// Each key may take maxPerMinute tokens at once and regains them over a
// minute.
type RateLimiter struct {
	mu             sync.Mutex
	entries        map[string]*limiterEntry
	maxPerMinute   int
	maxTrackedKeys int
	cancel         context.CancelFunc
}

// NewRateLimiter creates a limiter allowing maxPerMinute per key. Pass 0 to
// use DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:        make(map[string]*limiterEntry),
		maxPerMinute:   maxPerMinute,
		maxTrackedKeys: DefaultMaxTrackedKeys,
		cancel:         cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether key has a token left without consuming one.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Tokens() >= 1
}

// Take consumes a token for key and reports whether one was available.
func (rl *RateLimiter) Take(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.entryLocked(key, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) entryLocked(key string, now time.Time) *limiterEntry {
	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedKeys {
			rl.evictOldestLocked()
		}
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale(time.Now())
		}
	}
}

func (rl *RateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, key)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for key, e := range rl.entries {
		if oldestKey == "" || e.lastSeen.Before(oldestTime) {
			oldestKey, oldestTime = key, e.lastSeen
		}
	}
	delete(rl.entries, oldestKey)
}

// AccountKey keys requests by the authenticated account, falling back to
// the client IP.
func AccountKey(ctx context.Context, remoteAddr string) string {
	if accountID, ok := AccountIDFromContext(ctx); ok {
		return "account:" + strconv.FormatInt(accountID, 10)
	}
	return "ip:" + ExtractIP(remoteAddr)
}

// HTTPRateLimit rejects requests with 429 once their key runs out of
// tokens.
func HTTPRateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Take(AccountKey(r.Context(), r.RemoteAddr)) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl)))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryRateLimitInterceptor rejects calls with ResourceExhausted once their
// key runs out of tokens.
func UnaryRateLimitInterceptor(rl *RateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Take(AccountKey(ctx, extractGRPCPeerIP(ctx))) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// retryAfterSeconds is how long one token takes to come back.
func retryAfterSeconds(rl *RateLimiter) int {
	return max(1, 60/rl.maxPerMinute)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
