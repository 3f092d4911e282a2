package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
)

const (
	interimMsg = `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"I have","confidence":0.6,"words":[]}]}}`
	finalMsg   = `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"I have been anxious.","confidence":0.93,"words":[]}]}}`
)

// ---- fake server ----

// fakeDeepgram serves the REST ping and the live endpoint. listen is called
// for every accepted WebSocket with a 1-based connection index.
type fakeDeepgram struct {
	conns  atomic.Int32
	listen func(ctx context.Context, n int, c *websocket.Conn)

	// reject, if set, refuses the n-th handshake with 503.
	reject func(n int) bool
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Token test-key" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/v1/projects":
		_, _ = w.Write([]byte(`{"projects":[]}`))
	case "/v1/listen":
		n := int(f.conns.Add(1))
		if f.reject != nil && f.reject(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		f.listen(r.Context(), n, c)
	default:
		http.NotFound(w, r)
	}
}

func newStartedAdapter(t *testing.T, srv *httptest.Server, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	a, err := New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Initialize(ctx, stt.Config{SampleRate: 16000, Channels: 1, InterimResults: true, RequestTimeout: time.Second}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Destroy() })
	return a
}

func nextEvent(t *testing.T, a *Adapter) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.Event{}
}

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	a, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := a.buildURL(stt.Config{SampleRate: 16000, Channels: 1, Language: "en", InterimResults: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "scheme", "wss", u.Scheme)
	assertEqual(t, "path", "/v1/listen", u.Path)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomBaseAndModel(t *testing.T) {
	a, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithBaseURL("http://127.0.0.1:9000/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := a.buildURL(stt.Config{SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "scheme", "ws", u.Scheme)
	assertEqual(t, "host", "127.0.0.1:9000", u.Host)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "Hello", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"empty transcript", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" "}]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := parseDeepgramResponse([]byte(tt.raw)); ok {
				t.Errorf("expected ok=false for %s", tt.raw)
			}
		})
	}
}

// ---- Constructor / lifecycle tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestInitialize_BadKey_ReturnsInitializationError(t *testing.T) {
	srv := httptest.NewServer(&fakeDeepgram{})
	defer srv.Close()

	a, _ := New("wrong-key", WithBaseURL(srv.URL))
	err := a.Initialize(context.Background(), stt.Config{})
	var ie *provider.InitializationError
	if !errors.As(err, &ie) {
		t.Fatalf("Initialize error = %v, want *provider.InitializationError", err)
	}
	if a.Status().Available {
		t.Error("expected unavailable after failed Initialize")
	}
	if err := a.Start(context.Background()); !errors.Is(err, provider.ErrNotInitialized) {
		t.Errorf("Start error = %v, want ErrNotInitialized", err)
	}
}

func TestStream_InterimThenFinal(t *testing.T) {
	gotAudio := make(chan int, 1)
	fake := &fakeDeepgram{listen: func(ctx context.Context, _ int, c *websocket.Conn) {
		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		gotAudio <- len(data)
		_ = c.Write(ctx, websocket.MessageText, []byte(interimMsg))
		_ = c.Write(ctx, websocket.MessageText, []byte(finalMsg))
		// Wait for CloseStream, then hang up.
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(data) == `{"type":"CloseStream"}` {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newStartedAdapter(t, srv)

	if res, err := a.Feed(context.Background(), make([]byte, 640)); err != nil || res != nil {
		t.Fatalf("Feed = (%v, %v), want (nil, nil)", res, err)
	}
	if n := <-gotAudio; n != 640 {
		t.Errorf("server received %d bytes, want 640", n)
	}

	interim := nextEvent(t, a)
	if interim.Err != nil || interim.Result == nil || interim.Result.IsFinal {
		t.Fatalf("first event = %+v, want interim result", interim)
	}
	final := nextEvent(t, a)
	if final.Result == nil || !final.Result.IsFinal {
		t.Fatalf("second event = %+v, want final result", final)
	}
	if interim.Result.UtteranceID != final.Result.UtteranceID {
		t.Errorf("utterance ids differ: %q vs %q", interim.Result.UtteranceID, final.Result.UtteranceID)
	}
	if final.Result.Provider != "deepgram" {
		t.Errorf("Provider = %q, want deepgram", final.Result.Provider)
	}

	if _, err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := a.Feed(context.Background(), make([]byte, 640)); !errors.Is(err, provider.ErrNotAccepting) {
		t.Errorf("Feed after Stop = %v, want ErrNotAccepting", err)
	}

	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if _, ok := <-a.Events(); ok {
		t.Error("expected events channel closed after Destroy")
	}
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	fake := &fakeDeepgram{listen: func(ctx context.Context, n int, c *websocket.Conn) {
		if n == 1 {
			c.Close(websocket.StatusInternalError, "drop")
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(finalMsg))
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newStartedAdapter(t, srv, WithReconnect(3, 10*time.Millisecond))

	ev := nextEvent(t, a)
	if ev.Err != nil || ev.Result == nil || !ev.Result.IsFinal {
		t.Fatalf("event = %+v, want final result after reconnect", ev)
	}
	if got := fake.conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestStream_ReconnectExhausted_EmitsError(t *testing.T) {
	fake := &fakeDeepgram{
		listen: func(_ context.Context, _ int, c *websocket.Conn) {
			c.Close(websocket.StatusInternalError, "drop")
		},
		reject: func(n int) bool { return n > 1 },
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newStartedAdapter(t, srv, WithReconnect(2, 5*time.Millisecond))

	ev := nextEvent(t, a)
	var pe *provider.Error
	if !errors.As(ev.Err, &pe) {
		t.Fatalf("event = %+v, want *provider.Error", ev)
	}
	if got := fake.conns.Load(); got != 3 {
		t.Errorf("handshakes = %d, want 3", got)
	}
	if got := a.Status().ErrorRate; got <= 0 {
		t.Errorf("ErrorRate = %v, want > 0", got)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
