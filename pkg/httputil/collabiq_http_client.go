// Package httputil provides optimized HTTP client utilities.
package httputil

import (
	"context"
	"net"
	"net/http"
	"time"
)

// =============================================================================
// Optimized HTTP Client Pool
// =============================================================================

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int           // 최대 유휴 연결 수 (기본: 100)
	MaxIdleConnsPerHost int           // 호스트당 최대 유휴 연결 (기본: 20)
	MaxConnsPerHost     int           // 호스트당 최대 연결 (기본: 100)
	IdleConnTimeout     time.Duration // 유휴 연결 타임아웃 (기본: 90초)

	// Timeout settings
	DialTimeout         time.Duration // 연결 타임아웃 (기본: 10초)
	TLSHandshakeTimeout time.Duration // TLS 핸드셰이크 타임아웃 (기본: 10초)
	ResponseTimeout     time.Duration // 응답 타임아웃 (기본: 30초)

	// Keep-alive settings
	DisableKeepAlives bool          // Keep-alive 비활성화
	KeepAliveInterval time.Duration // Keep-alive 간격 (기본: 30초)
}

// DefaultClientConfig returns optimized default configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewOptimizedClient creates an optimized HTTP client with connection pooling.
func NewOptimizedClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true, // HTTP/2 우선 시도
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// =============================================================================
// API-Specific Client Configurations
// =============================================================================

// WorkspaceClientConfig returns optimized configuration for the workspace API.
// The workspace enforces ~3 requests per second, so a handful of connections
// is all the pipeline can ever use.
func WorkspaceClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10, // Conservative for the 3 req/s ceiling
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GmailClientConfig returns optimized configuration for Gmail API.
// Gmail allows high concurrency but needs longer timeouts for batch operations.
func GmailClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50, // High concurrency for batch fetches
		MaxConnsPerHost:     100,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     60 * time.Second, // Longer for batch operations
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// LLMClientConfig returns optimized configuration for LLM provider APIs.
// Extractions can run tens of seconds, so the response timeout is long.
func LLMClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     120 * time.Second, // Long timeout for LLM completions
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// =============================================================================
// Global Shared Client Pool (Singleton)
// =============================================================================

var (
	defaultClient   *http.Client
	workspaceClient *http.Client
	gmailClient     *http.Client
	llmClient       *http.Client
)

func init() {
	defaultClient = NewOptimizedClient(DefaultClientConfig())
	workspaceClient = NewOptimizedClient(WorkspaceClientConfig())
	gmailClient = NewOptimizedClient(GmailClientConfig())
	llmClient = NewOptimizedClient(LLMClientConfig())
}

// DefaultClient returns the shared default HTTP client.
func DefaultClient() *http.Client {
	return defaultClient
}

// WorkspaceClient returns the optimized HTTP client for the workspace API.
func WorkspaceClient() *http.Client {
	return workspaceClient
}

// GmailClient returns the optimized HTTP client for Gmail API.
func GmailClient() *http.Client {
	return gmailClient
}

// LLMClient returns the optimized HTTP client for LLM provider APIs.
func LLMClient() *http.Client {
	return llmClient
}

// =============================================================================
// Request Helper with Context
// =============================================================================

// DoWithContext executes HTTP request with context and timeout.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = defaultClient
	}
	return client.Do(req.WithContext(ctx))
}

// =============================================================================
// Client Pool Statistics
// =============================================================================

// ClientPoolStats holds HTTP client pool statistics.
type ClientPoolStats struct {
	Name                string `json:"name"`
	MaxIdleConns        int    `json:"max_idle_conns"`
	MaxIdleConnsPerHost int    `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int    `json:"max_conns_per_host"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// GetAllPoolStats returns statistics for all HTTP client pools.
func GetAllPoolStats() []ClientPoolStats {
	return []ClientPoolStats{
		getPoolStats("default", defaultClient, DefaultClientConfig()),
		getPoolStats("workspace", workspaceClient, WorkspaceClientConfig()),
		getPoolStats("gmail", gmailClient, GmailClientConfig()),
		getPoolStats("llm", llmClient, LLMClientConfig()),
	}
}

func getPoolStats(name string, _ *http.Client, cfg *ClientConfig) ClientPoolStats {
	return ClientPoolStats{
		Name:                name,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		TimeoutSeconds:      int(cfg.ResponseTimeout.Seconds()),
	}
}
