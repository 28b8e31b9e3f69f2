// Package util provides the shared HTTP client, a response cache, the
// bounded worker pool and logging helpers.
package util

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// httpClientConfig holds configuration for creating HTTP clients
type httpClientConfig struct {
	timeout             time.Duration
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
	idleConnTimeout     time.Duration
	tlsHandshakeTimeout time.Duration
	keepAlive           time.Duration
	dialTimeout         time.Duration
}

func defaultConfig() httpClientConfig {
	return httpClientConfig{
		timeout:             30 * time.Second,
		maxIdleConns:        50,
		maxIdleConnsPerHost: 10,
		maxConnsPerHost:     20,
		idleConnTimeout:     90 * time.Second,
		tlsHandshakeTimeout: 10 * time.Second,
		keepAlive:           30 * time.Second,
		dialTimeout:         10 * time.Second,
	}
}

func createTransport(cfg httpClientConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.dialTimeout,
			KeepAlive: cfg.keepAlive,
		}).DialContext,
		MaxIdleConns:        cfg.maxIdleConns,
		MaxIdleConnsPerHost: cfg.maxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.maxConnsPerHost,
		IdleConnTimeout:     cfg.idleConnTimeout,
		TLSHandshakeTimeout: cfg.tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// NewClient builds a pooled client with a cookie jar, so that WordPress
// session cookies set by the catalog page are sent back on the ajax call.
func NewClient() *http.Client {
	cfg := defaultConfig()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		Warn("cookie jar unavailable", "error", err)
	}
	client := &http.Client{
		Transport: createTransport(cfg),
		Timeout:   cfg.timeout,
	}
	if jar != nil {
		client.Jar = jar
	}
	return client
}

// GetSharedClient returns the process-wide catalog client.
func GetSharedClient() *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = NewClient()
	})
	return sharedClient
}

// ResponseCache provides a simple in-memory cache for fetched pages
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxAge  time.Duration
	maxSize int
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	data      []byte
	timestamp time.Time
}

// NewResponseCache creates a new response cache with the specified max age and size
func NewResponseCache(maxAge time.Duration, maxSize int) *ResponseCache {
	cache := &ResponseCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxAge:  maxAge,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go cache.cleanupLoop()
	return cache
}

// Get retrieves a cached response if it exists and is not expired
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if time.Since(entry.timestamp) > c.maxAge {
		return nil, false
	}
	return entry.data, true
}

// Set stores a response in the cache, evicting the oldest entry when full
func (c *ResponseCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range c.entries {
			if first || v.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.timestamp
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[key] = &cacheEntry{
		data:      data,
		timestamp: time.Now(),
	}
}

// Len returns the number of entries, expired ones included
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background cleanup goroutine
func (c *ResponseCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ResponseCache) cleanupLoop() {
	interval := c.maxAge / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *ResponseCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.maxAge {
			delete(c.entries, key)
		}
	}
}
