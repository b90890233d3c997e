package middleware

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate per key
	RequestsPerSecond float64
	// BurstSize is the bucket capacity per key
	BurstSize int
	// KeyExtractor extracts the key for rate limiting
	KeyExtractor func(*http.Request) string
	// OnRateLimitExceeded is called when rate limit is exceeded
	OnRateLimitExceeded func(http.ResponseWriter, *http.Request, time.Duration)
	// SkipPaths contains paths that should not be rate limited
	SkipPaths []string
	// Store is the storage backend for rate limit data
	Store RateLimitStore
}

// RateLimitStore defines the interface for rate limit storage
type RateLimitStore interface {
	// Allow consumes a token for key and reports how long to wait when none is left
	Allow(key string, rate float64, burst int) (bool, time.Duration, error)
	// Cleanup removes idle entries
	Cleanup() error
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// InMemoryRateLimitStore implements RateLimitStore using in-memory storage
type InMemoryRateLimitStore struct {
	buckets  map[string]*TokenBucket
	mu       sync.RWMutex
	idleTTL  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store and
// starts its cleanup routine. Close stops the routine.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	store := &InMemoryRateLimitStore{
		buckets: make(map[string]*TokenBucket),
		idleTTL: time.Hour,
		stopCh:  make(chan struct{}),
	}

	go store.cleanupRoutine(10 * time.Minute)

	return store
}

// Allow implements RateLimitStore.Allow
func (s *InMemoryRateLimitStore) Allow(key string, rate float64, burst int) (bool, time.Duration, error) {
	if rate <= 0 || burst < 1 {
		return false, 0, fmt.Errorf("invalid rate limit: rate=%v burst=%d", rate, burst)
	}

	s.mu.Lock()
	bucket, exists := s.buckets[key]
	if !exists {
		bucket = &TokenBucket{
			tokens:     float64(burst),
			capacity:   float64(burst),
			refillRate: rate,
			lastRefill: time.Now(),
		}
		s.buckets[key] = bucket
	}
	s.mu.Unlock()

	allowed, wait := bucket.allow()
	return allowed, wait, nil
}

// Cleanup implements RateLimitStore.Cleanup
func (s *InMemoryRateLimitStore) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, bucket := range s.buckets {
		bucket.mu.Lock()
		if now.Sub(bucket.lastRefill) > s.idleTTL {
			delete(s.buckets, key)
		}
		bucket.mu.Unlock()
	}

	return nil
}

// Close stops the cleanup routine
func (s *InMemoryRateLimitStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *InMemoryRateLimitStore) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// allow refills the bucket, then consumes a token if one is available.
// When none is, it returns the time until the next token.
func (tb *TokenBucket) allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	missing := 1.0 - tb.tokens
	return false, time.Duration(missing / tb.refillRate * float64(time.Second))
}

// NewRateLimitConfig returns a per client IP configuration that answers
// with a JSON 429 and leaves health and metrics endpoints alone.
func NewRateLimitConfig(rps float64, burst int, skipPaths ...string) *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond:   rps,
		BurstSize:           burst,
		KeyExtractor:        IPKeyExtractor,
		OnRateLimitExceeded: writeRateLimited,
		SkipPaths:           skipPaths,
		Store:               NewInMemoryRateLimitStore(),
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
}

// RateLimitWithConfig returns a rate limiting middleware with custom configuration
func RateLimitWithConfig(config *RateLimitConfig) func(http.Handler) http.Handler {
	if config.Store == nil {
		config.Store = NewInMemoryRateLimitStore()
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.OnRateLimitExceeded == nil {
		config.OnRateLimitExceeded = writeRateLimited
	}
	if config.BurstSize < 1 {
		config.BurstSize = int(math.Max(1, config.RequestsPerSecond))
	}
	limit := fmt.Sprintf("%.0f", config.RequestsPerSecond)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skipPath := range config.SkipPaths {
				if r.URL.Path == skipPath {
					next.ServeHTTP(w, r)
					return
				}
			}

			key := config.KeyExtractor(r)

			allowed, retryAfter, err := config.Store.Allow(key, config.RequestsPerSecond, config.BurstSize)
			if err != nil {
				// Store failures never block traffic
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			if !allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
				config.OnRateLimitExceeded(w, r, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

var (
	trustedMu       sync.RWMutex
	trustedNetworks []*net.IPNet
)

// ParseTrustedProxies parses proxy IPs and CIDRs. A bare IP is a single
// host network.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return networks, nil
}

// SetTrustedProxies replaces the proxies, beyond loopback and private
// ranges, whose X-Forwarded-For and X-Real-IP headers are believed.
func SetTrustedProxies(entries []string) error {
	networks, err := ParseTrustedProxies(entries)
	if err != nil {
		return err
	}
	trustedMu.Lock()
	trustedNetworks = networks
	trustedMu.Unlock()
	return nil
}

var privateNetworks []*net.IPNet

func init() {
	privateCIDRs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
	}
	for _, cidr := range privateCIDRs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

// IPKeyExtractor extracts the client IP address as the rate limiting key.
// X-Forwarded-For and X-Real-IP are honoured only from trusted proxies.
func IPKeyExtractor(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if isTrustedProxy(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if clientIP := strings.TrimSpace(parts[0]); clientIP != "" {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

// stripPort removes the port from an address like "192.168.1.1:12345" or "[::1]:8080"
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func isTrustedProxy(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, network := range privateNetworks {
		if network.Contains(parsedIP) {
			return true
		}
	}

	trustedMu.RLock()
	defer trustedMu.RUnlock()
	for _, network := range trustedNetworks {
		if network.Contains(parsedIP) {
			return true
		}
	}
	return false
}
