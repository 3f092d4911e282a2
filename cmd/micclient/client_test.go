package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/therascribe/internal/relay"
	"github.com/MrWong99/therascribe/pkg/types"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/v1/stream?"},
		{base: "https://stt.example.com/", want: "wss://stt.example.com/v1/stream?"},
		{base: "wss://stt.example.com/prefix", want: "wss://stt.example.com/prefix/v1/stream?"},
		{base: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := streamURL(tt.base, "sess-1", "whisper", "tok")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("streamURL(%q) = %q, want error", tt.base, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("streamURL(%q): %v", tt.base, err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("streamURL(%q) = %q, want prefix %q", tt.base, got, tt.want)
			}
			for _, part := range []string{"sessionId=sess-1", "provider=whisper", "token=tok"} {
				if !strings.Contains(got, part) {
					t.Errorf("streamURL(%q) = %q, missing %q", tt.base, got, part)
				}
			}
		})
	}
}

func TestRedact(t *testing.T) {
	got := redact("ws://h/v1/stream?sessionId=s&token=secret")
	if strings.Contains(got, "secret") {
		t.Errorf("redact() = %q, token leaked", got)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestFormat(t *testing.T) {
	env := func(typ string) relay.Envelope {
		return relay.Envelope{Type: typ, SessionID: "s", Timestamp: time.Now()}
	}
	tests := []struct {
		name string
		msg  any
		want string // substring; "" means the line is suppressed
	}{
		{
			name: "final",
			msg:  relay.ResultMessage{Envelope: env(relay.TypeTranscription), Result: &types.TranscriptionResult{Text: "hello there", Provider: "whisper", Confidence: 0.9}},
			want: "[whisper 0.90] hello there",
		},
		{
			name: "interim",
			msg:  relay.ResultMessage{Envelope: env(relay.TypeInterim), Result: &types.TranscriptionResult{Text: "hel"}},
			want: "… hel",
		},
		{
			name: "provider change",
			msg:  relay.ProviderChangeMessage{Envelope: env(relay.TypeProviderChange), OldProvider: "a", NewProvider: "c", Reason: "boom", FailureCount: 1},
			want: "provider a → c (boom, failures=1)",
		},
		{
			name: "quiet telemetry",
			msg:  relay.Telemetry{Envelope: env(relay.TypeTelemetry), Status: "active"},
			want: "",
		},
		{
			name: "degraded telemetry",
			msg:  relay.Telemetry{Envelope: env(relay.TypeTelemetry), Status: "degraded", CurrentProvider: "c"},
			want: "status=degraded",
		},
		{
			name: "error",
			msg:  relay.ErrorMessage{Envelope: env(relay.TypeError), Message: "all providers failed", Phase: "failover"},
			want: "error (failover): all providers failed",
		},
		{
			name: "rate limit",
			msg:  relay.RateLimitMessage{Envelope: env(relay.TypeRateLimit), Limit: 100, RetryAfterMs: 250},
			want: "rate limited: 100/min, retry in 250ms",
		},
		{
			name: "pong",
			msg:  relay.Envelope{Type: relay.TypePong},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := format(mustJSON(t, tt.msg))
			if err != nil {
				t.Fatalf("format: %v", err)
			}
			if tt.want == "" {
				if got != "" {
					t.Errorf("format() = %q, want suppressed", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("format() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestFormat_Malformed(t *testing.T) {
	if _, err := format([]byte("{")); err == nil {
		t.Error("format() error = nil for malformed JSON")
	}
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClient_Run(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			mu.Lock()
			received = append(received, data...)
			mu.Unlock()
			_ = wsjson.Write(ctx, ws, relay.ResultMessage{
				Envelope: relay.Envelope{Type: relay.TypeTranscription, Timestamp: time.Now()},
				Result:   &types.TranscriptionResult{Text: "chunk", Provider: "mock", IsFinal: true},
			})
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	audio := bytes.Repeat([]byte{1, 2, 3, 4}, 100) // 400 bytes
	var out syncBuffer
	c := &Client{conn: conn, out: &out, log: slog.Default(), frameSize: 128}
	if err := c.Run(ctx, bytes.NewReader(audio), 200*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	got := append([]byte(nil), received...)
	mu.Unlock()
	if !bytes.Equal(got, audio) {
		t.Errorf("server received %d bytes, want %d identical bytes", len(got), len(audio))
	}
	// 400 bytes in 128-byte frames is 4 messages.
	if n := strings.Count(out.String(), "[mock 0.00] chunk"); n != 4 {
		t.Errorf("printed %d transcripts, want 4; output:\n%s", n, out.String())
	}
}
