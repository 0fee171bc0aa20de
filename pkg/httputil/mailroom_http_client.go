// Package httputil builds the pooled HTTP clients the outbound adapters
// share. Both Fastmail endpoints sit behind the same frontends, so a
// tuned keep-alive pool avoids a TLS handshake per triage cycle.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds HTTP client pool settings.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration
}

// APIClientConfig is tuned for the JMAP and CardDAV request/response
// endpoints: few hosts, small bursts of requests per cycle.
func APIClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
	}
}

// StreamingClientConfig is tuned for the EventSource connection: a
// single long-lived response that must never hit a client timeout.
func StreamingClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// No response timeout: the stream stays open indefinitely and
		// the caller's read watchdog handles dead connections.
		ResponseTimeout: 0,
	}
}

// NewClient builds an HTTP client with connection pooling from cfg.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = APIClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}
