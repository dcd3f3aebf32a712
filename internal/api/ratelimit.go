package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// MaxRequestsPerSecond is the sustained rate limit per client.
	MaxRequestsPerSecond float64
	// Burst is the maximum burst size allowed.
	Burst int
}

// DefaultRateLimitConfig returns the default per-client limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerSecond: 5,
		Burst:                20,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastActive time.Time
}

// ClientRateLimiter applies a token bucket per client host. Keying by the
// caller rather than the mailbox means a flood aimed at an address only
// throttles the sender of the flood.
type ClientRateLimiter struct {
	config   RateLimitConfig
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewClientRateLimiter creates a limiter and starts its idle cleanup loop.
func NewClientRateLimiter(config RateLimitConfig) *ClientRateLimiter {
	if config.MaxRequestsPerSecond <= 0 || config.Burst <= 0 {
		config = DefaultRateLimitConfig()
	}
	crl := &ClientRateLimiter{
		config:          config,
		limiters:        make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go crl.cleanupLoop()

	return crl
}

// clientKey returns the host part of the connection's remote address.
// Forwarding headers are ignored since any client can set them.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AllowRequest reports whether r's client may make another request.
func (crl *ClientRateLimiter) AllowRequest(r *http.Request) bool {
	return crl.Allow(clientKey(r))
}

// Allow reports whether a request from client may proceed.
func (crl *ClientRateLimiter) Allow(client string) bool {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	cl, exists := crl.limiters[client]
	if !exists {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(crl.config.MaxRequestsPerSecond), crl.config.Burst),
		}
		crl.limiters[client] = cl
	}
	cl.lastActive = now

	if !cl.limiter.AllowN(now, 1) {
		log.Debugf("Rate limit exceeded for %s", client)
		return false
	}
	return true
}

// Tracked returns the number of clients currently being tracked.
func (crl *ClientRateLimiter) Tracked() int {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	return len(crl.limiters)
}

// Close stops the background cleanup goroutine.
func (crl *ClientRateLimiter) Close() {
	crl.closeOnce.Do(func() { close(crl.stopCleanup) })
}

func (crl *ClientRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(crl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup(time.Now())
		case <-crl.stopCleanup:
			return
		}
	}
}

// cleanup removes limiters for clients idle longer than maxIdleTime.
func (crl *ClientRateLimiter) cleanup(now time.Time) {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	for client, cl := range crl.limiters {
		if now.Sub(cl.lastActive) > crl.maxIdleTime {
			delete(crl.limiters, client)
		}
	}
}
