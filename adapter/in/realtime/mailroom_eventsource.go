// Package realtime consumes the mail server's EventSource push channel
// and turns state changes into wake-up tokens for the triage dispatcher.
package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailroom/core/domain"
	"mailroom/internal/metrics"
	"mailroom/pkg/httputil"
)

const (
	// The server pings every 30 seconds; missing two pings in a row means
	// the stream is dead even if the TCP connection lingers.
	readTimeout = 70 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second

	// Tokens the dispatcher has not drained yet are dropped; the debounce
	// window collapses them anyway.
	tokenBuffer = 16
)

// Listener maintains a long-lived EventSource connection and emits one
// token per state-change event.
type Listener struct {
	url     string
	token   string
	http    *http.Client
	log     zerolog.Logger
	health  *domain.HealthState
	metrics metrics.Collector

	tokens chan string

	// Set from the server's retry: field, overriding exponential backoff.
	serverRetry time.Duration
}

// NewListener builds a listener for an EventSource URL. The URL may carry
// Fastmail's {types}/{closeafter}/{ping} template placeholders.
func NewListener(url, token string, health *domain.HealthState, collector metrics.Collector, log zerolog.Logger) *Listener {
	return &Listener{
		url:     expandEventSourceURL(url),
		token:   token,
		http:    httputil.NewClient(httputil.StreamingClientConfig()),
		log:     log.With().Str("component", "eventsource").Logger(),
		health:  health,
		metrics: collector,
		tokens:  make(chan string, tokenBuffer),
	}
}

// Tokens is the stream of state tokens, one per push event.
func (l *Listener) Tokens() <-chan string { return l.tokens }

// Run connects and reconnects until ctx is canceled. Reconnects use
// exponential backoff capped at maxBackoff; a successful connection
// resets the backoff.
func (l *Listener) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := l.stream(ctx)
		if ctx.Err() != nil {
			l.log.Debug().Msg("event stream shut down")
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		l.health.RecordSSEDisconnected(err)
		l.metrics.StreamReconnected()

		delay := l.reconnectDelay(attempt)
		evt := l.log.Warn()
		if attempt == 1 {
			evt = l.log.Debug()
		}
		evt.Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("event stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream runs one connection to completion. It reports whether the
// connection was established, so the caller can reset its backoff.
func (l *Listener) stream(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.url, nil)
	if err != nil {
		return false, fmt.Errorf("eventsource: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("eventsource: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("eventsource: connect returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	// Each connection starts fresh; a retry: hint only covers the
	// connection that sent it.
	l.serverRetry = 0
	l.health.RecordSSEConnected(time.Now())
	l.log.Info().Msg("event stream connected")

	// Cancel the in-flight request if the server goes silent. Every line,
	// including ping comments, rearms the watchdog.
	watchdog := time.AfterFunc(readTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	eventType := ""
	var data strings.Builder

	for scanner.Scan() {
		watchdog.Reset(readTimeout)
		line := scanner.Text()

		switch {
		case line == "":
			l.dispatch(eventType, data.String())
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Ping comment, keepalive only.
		case strings.HasPrefix(line, "retry:"):
			l.setServerRetry(strings.TrimSpace(strings.TrimPrefix(line, "retry:")))
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("eventsource: read: %w", err)
	}
	return true, errors.New("eventsource: server closed the stream")
}

// dispatch forwards one complete event. Only state events produce a
// token, and the payload does not matter: its arrival is the signal.
func (l *Listener) dispatch(eventType, data string) bool {
	if eventType != "state" {
		return false
	}
	l.health.RecordSSEEvent(time.Now())
	select {
	case l.tokens <- data:
	default:
		l.log.Debug().Msg("token buffer full, dropping push event")
	}
	return true
}

func (l *Listener) setServerRetry(ms string) {
	n, err := strconv.Atoi(ms)
	if err != nil || n <= 0 {
		return
	}
	l.serverRetry = time.Duration(n) * time.Millisecond
	l.log.Debug().Dur("retry", l.serverRetry).Msg("server set reconnect delay")
}

// reconnectDelay doubles per attempt up to the cap unless the server
// dictated its own delay.
func (l *Listener) reconnectDelay(attempt int) time.Duration {
	if l.serverRetry > 0 {
		if l.serverRetry > maxBackoff {
			return maxBackoff
		}
		return l.serverRetry
	}
	if attempt > 6 {
		return maxBackoff
	}
	delay := initialBackoff << (attempt - 1)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// expandEventSourceURL fills Fastmail's URL template: mail and mailbox
// changes only, no close-after, a 30 second ping to keep the watchdog fed.
func expandEventSourceURL(url string) string {
	r := strings.NewReplacer(
		"{types}", "Email,Mailbox",
		"{closeafter}", "no",
		"{ping}", "30",
	)
	return r.Replace(url)
}
