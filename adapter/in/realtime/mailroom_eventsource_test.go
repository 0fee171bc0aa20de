package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailroom/core/domain"
	"mailroom/internal/metrics"
)

func TestExpandEventSourceURL(t *testing.T) {
	got := expandEventSourceURL("https://api.example.com/event/?types={types}&closeafter={closeafter}&ping={ping}")
	want := "https://api.example.com/event/?types=Email,Mailbox&closeafter=no&ping=30"
	if got != want {
		t.Errorf("expanded url = %s, want %s", got, want)
	}

	plain := "https://api.example.com/event/"
	if got := expandEventSourceURL(plain); got != plain {
		t.Errorf("url without placeholders should pass through, got %s", got)
	}
}

func TestReconnectDelay(t *testing.T) {
	l := &Listener{}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := l.reconnectDelay(tt.attempt); got != tt.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestServerRetryOverridesBackoff(t *testing.T) {
	l := &Listener{log: zerolog.Nop()}
	l.setServerRetry("1500")
	if got := l.reconnectDelay(5); got != 1500*time.Millisecond {
		t.Errorf("server retry should override backoff, got %s", got)
	}

	l.setServerRetry("junk")
	if got := l.reconnectDelay(5); got != 1500*time.Millisecond {
		t.Errorf("unparseable retry must be ignored, got %s", got)
	}

	huge := &Listener{log: zerolog.Nop()}
	huge.setServerRetry("600000")
	if got := huge.reconnectDelay(1); got != maxBackoff {
		t.Errorf("server retry should be capped, got %s", got)
	}
}

func TestDispatchFiltersEvents(t *testing.T) {
	l := &Listener{
		log:     zerolog.Nop(),
		health:  domain.NewHealthState(),
		tokens:  make(chan string, 4),
		metrics: metrics.NoopCollector{},
	}

	if l.dispatch("ping", "ignored") {
		t.Error("non-state events must be dropped")
	}
	if l.dispatch("", "orphan") {
		t.Error("events without a type must be dropped")
	}
	if !l.dispatch("state", "tok-1") {
		t.Error("state events must be forwarded")
	}
	if !l.dispatch("state", "") {
		t.Error("a state event with no payload is still a wake-up")
	}
	if len(l.tokens) != 2 {
		t.Errorf("expected 2 tokens buffered, got %d", len(l.tokens))
	}
}

func TestDispatchDropsWhenBufferFull(t *testing.T) {
	l := &Listener{
		log:     zerolog.Nop(),
		health:  domain.NewHealthState(),
		tokens:  make(chan string, 1),
		metrics: metrics.NoopCollector{},
	}
	l.dispatch("state", "a")
	l.dispatch("state", "b") // must not block
	if len(l.tokens) != 1 {
		t.Errorf("expected 1 token, got %d", len(l.tokens))
	}
}

func TestListenerStreamsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected accept header %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, ": ping\n\n")
		io.WriteString(w, "event: state\ndata: s-1\n\n")
		io.WriteString(w, "event: mailboxes\ndata: noise\n\n")
		io.WriteString(w, "data: orphan\n\n")
		io.WriteString(w, "event: state\ndata: s-2\n\n")
		io.WriteString(w, "event: state\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	health := domain.NewHealthState()
	l := NewListener(server.URL, "tok", health, metrics.NoopCollector{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []string
	for len(got) < 3 {
		select {
		case tok := <-l.Tokens():
			got = append(got, tok)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for tokens, got %v", got)
		}
	}
	if got[0] != "s-1" || got[1] != "s-2" || got[2] != "" {
		t.Errorf("unexpected tokens %v", got)
	}

	snap := health.Snapshot()
	if snap.SSEStatus != domain.EventSourceConnected {
		t.Errorf("expected connected status, got %s", snap.SSEStatus)
	}
	if snap.SSELastEventAt.IsZero() {
		t.Error("expected a last-event timestamp")
	}
}

func TestStreamClearsServerRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	l := NewListener(server.URL, "tok", domain.NewHealthState(), metrics.NoopCollector{}, zerolog.Nop())
	l.setServerRetry("100")

	connected, err := l.stream(context.Background())
	if !connected {
		t.Fatalf("expected the connection to be established, err=%v", err)
	}
	if got := l.reconnectDelay(3); got != 4*time.Second {
		t.Errorf("retry hint must not outlive the connection that sent it, got %s", got)
	}
}

func TestStreamReportsConnectionOutcome(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	l := NewListener(ok.URL, "tok", domain.NewHealthState(), metrics.NoopCollector{}, zerolog.Nop())
	if connected, _ := l.stream(context.Background()); !connected {
		t.Error("a 200 response counts as connected even when no event arrives")
	}

	l = NewListener(bad.URL, "tok", domain.NewHealthState(), metrics.NoopCollector{}, zerolog.Nop())
	if connected, err := l.stream(context.Background()); connected || err == nil {
		t.Errorf("a refused connection must not reset the backoff, connected=%v err=%v", connected, err)
	}
}

func TestListenerRecordsDisconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	health := domain.NewHealthState()
	l := NewListener(server.URL, "tok", health, metrics.NoopCollector{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if health.Snapshot().SSEReconnectCount > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := health.Snapshot()
	if snap.SSEStatus != domain.EventSourceDisconnected {
		t.Errorf("expected disconnected status, got %s", snap.SSEStatus)
	}
	if snap.SSEReconnectCount == 0 {
		t.Error("expected the reconnect counter to advance")
	}
	if snap.SSELastError == "" {
		t.Error("expected the failure to be recorded")
	}
}
