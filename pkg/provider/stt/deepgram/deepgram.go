// Package deepgram provides a streaming transcription adapter backed by the
// Deepgram live WebSocket API.
//
// Audio passed to Feed is written to the socket as binary frames; interim and
// final results arrive asynchronously on Events. When the socket drops while
// the adapter is still accepting, it is re-dialled with exponential backoff.
// After the retry budget is exhausted a provider error is emitted on Events.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/types"
)

const (
	defaultBaseURL        = "https://api.deepgram.com"
	defaultModel          = "nova-3"
	defaultLanguage       = "en"
	defaultMaxReconnects  = 5
	defaultReconnectDelay = 250 * time.Millisecond
	eventBuffer           = 64
)

// Compile-time assertion that Adapter implements stt.Adapter.
var _ stt.Adapter = (*Adapter)(nil)

// Option is a functional option for configuring the Deepgram Adapter.
type Option func(*Adapter)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(a *Adapter) {
		a.model = model
	}
}

// WithLanguage sets the language used when the stt Config leaves it empty.
func WithLanguage(language string) Option {
	return func(a *Adapter) {
		a.language = language
	}
}

// WithBaseURL points the adapter at a different API host. The WebSocket
// endpoint is derived by swapping the scheme (http→ws, https→wss).
func WithBaseURL(base string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimRight(base, "/")
	}
}

// WithReconnect sets the retry budget and the initial backoff delay. The
// delay doubles after every failed attempt.
func WithReconnect(maxAttempts int, initialDelay time.Duration) Option {
	return func(a *Adapter) {
		a.maxReconnects = maxAttempts
		a.reconnectDelay = initialDelay
	}
}

// WithHTTPClient overrides the client used for the REST ping.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// Adapter implements stt.Adapter for Deepgram live transcription.
type Adapter struct {
	apiKey         string
	model          string
	language       string
	baseURL        string
	maxReconnects  int
	reconnectDelay time.Duration
	httpClient     *http.Client

	life  provider.Lifecycle
	stats provider.Stats

	events    chan stt.Event
	closeOnce sync.Once

	mu        sync.Mutex
	cfg       stt.Config
	initErr   error
	conn      *websocket.Conn
	cancel    context.CancelFunc
	loopDone  chan struct{}
	utterance int
	lastSend  time.Time
}

// New creates a new Deepgram Adapter. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	a := &Adapter{
		apiKey:         apiKey,
		model:          defaultModel,
		language:       defaultLanguage,
		baseURL:        defaultBaseURL,
		maxReconnects:  defaultMaxReconnects,
		reconnectDelay: defaultReconnectDelay,
		httpClient:     &http.Client{},
		events:         make(chan stt.Event, eventBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Name returns "deepgram".
func (a *Adapter) Name() string { return "deepgram" }

// Mode returns stt.ModeStreaming.
func (a *Adapter) Mode() stt.Mode { return stt.ModeStreaming }

// Events returns the asynchronous result channel. It is closed by Destroy.
func (a *Adapter) Events() <-chan stt.Event { return a.events }

// Initialize verifies the API key against the REST API.
func (a *Adapter) Initialize(ctx context.Context, cfg stt.Config) error {
	cfg = cfg.WithDefaults()
	if cfg.Language == "" {
		cfg.Language = a.language
	}

	err := a.ping(ctx, cfg.RequestTimeout)

	a.mu.Lock()
	a.cfg = cfg
	a.initErr = err
	a.mu.Unlock()

	if err != nil {
		return &provider.InitializationError{Provider: a.Name(), Err: err}
	}
	return a.life.MarkInitialized()
}

func (a *Adapter) ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/projects", nil)
	if err != nil {
		return fmt.Errorf("deepgram: create ping request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deepgram: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deepgram: ping: API returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Start dials the streaming endpoint and begins reading results.
func (a *Adapter) Start(ctx context.Context) error {
	changed, err := a.life.Start()
	if err != nil {
		return fmt.Errorf("deepgram: start: %w", err)
	}
	if !changed {
		return nil
	}

	conn, err := a.dial(ctx)
	if err != nil {
		a.life.Stop()
		a.stats.RecordError()
		return provider.NewError(a.Name(), "dial", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.cancel = cancel
	a.loopDone = done
	a.mu.Unlock()

	go a.readLoop(runCtx, conn, done)
	return nil
}

// Feed writes pcm to the socket. Results arrive on Events.
func (a *Adapter) Feed(ctx context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	if err := a.life.CheckAccepting(); err != nil {
		return nil, fmt.Errorf("deepgram: feed: %w", err)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	conn := a.conn
	timeout := a.cfg.RequestTimeout
	a.mu.Unlock()
	if conn == nil {
		return nil, provider.NewError(a.Name(), "feed", errors.New("not connected"))
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageBinary, pcm); err != nil {
		a.stats.RecordError()
		return nil, provider.NewError(a.Name(), "feed", err)
	}

	a.mu.Lock()
	a.lastSend = time.Now()
	a.mu.Unlock()
	return nil, nil
}

// Stop asks Deepgram to flush, waits for the trailing results and closes the
// socket. Streaming adapters never return a result from Stop.
func (a *Adapter) Stop(ctx context.Context) (*types.TranscriptionResult, error) {
	if !a.life.Stop() {
		return nil, nil
	}
	a.closeStream(ctx, true)
	return nil, nil
}

// Destroy tears down the socket and closes Events. It is idempotent.
func (a *Adapter) Destroy() error {
	if !a.life.Destroy() {
		return nil
	}
	a.closeStream(context.Background(), false)
	a.closeOnce.Do(func() { close(a.events) })
	return nil
}

// Status reports availability and counters.
func (a *Adapter) Status() types.ProviderStatus {
	a.mu.Lock()
	initErr := a.initErr
	a.mu.Unlock()
	return a.stats.Status(initErr == nil && a.life.Usable())
}

// closeStream shuts the current socket. With flush set, CloseStream is sent
// first and the read loop is given RequestTimeout to drain.
func (a *Adapter) closeStream(ctx context.Context, flush bool) {
	a.mu.Lock()
	conn, cancel, done := a.conn, a.cancel, a.loopDone
	timeout := a.cfg.RequestTimeout
	a.conn, a.cancel, a.loopDone = nil, nil, nil
	a.mu.Unlock()

	if conn == nil {
		return
	}
	if flush {
		wctx, wcancel := context.WithTimeout(ctx, timeout)
		_ = conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		wcancel()
		select {
		case <-done:
		case <-time.After(timeout):
		case <-ctx.Done():
		}
	}
	cancel()
	conn.Close(websocket.StatusNormalClosure, "session closed")
	<-done
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	wsURL, err := a.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+a.apiKey)

	dctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return conn, nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (a *Adapter) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(a.baseURL + "/v1/listen")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	lang := cfg.Language
	if lang == "" {
		lang = a.language
	}

	q := u.Query()
	q.Set("model", a.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop receives JSON messages and forwards them as events. A dropped
// socket is re-dialled while the adapter is still accepting.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || a.life.CheckAccepting() != nil {
				return
			}
			slog.Warn("deepgram: stream dropped, reconnecting", "err", err)
			next, rerr := a.reconnect(ctx)
			if rerr != nil {
				if ctx.Err() == nil {
					a.stats.RecordError()
					a.emit(ctx, stt.Event{Err: provider.NewError(a.Name(), "reconnect", rerr)})
				}
				return
			}
			a.mu.Lock()
			if ctx.Err() != nil {
				a.mu.Unlock()
				next.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			a.conn = next
			a.mu.Unlock()
			conn = next
			continue
		}

		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		a.decorate(res)
		a.emit(ctx, stt.Event{Result: res})
	}
}

// reconnect re-dials with exponential backoff until the budget is spent.
func (a *Adapter) reconnect(ctx context.Context) (*websocket.Conn, error) {
	delay := a.reconnectDelay
	var lastErr error
	for attempt := 0; attempt < a.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		conn, err := a.dial(ctx)
		if err == nil {
			slog.Info("deepgram: reconnected", "attempt", attempt+1)
			return conn, nil
		}
		lastErr = err
		delay *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("reconnect disabled")
	}
	return nil, fmt.Errorf("deepgram: gave up after %d attempts: %w", a.maxReconnects, lastErr)
}

// decorate fills identity, utterance and timing fields. The utterance
// counter advances after every final.
func (a *Adapter) decorate(res *types.TranscriptionResult) {
	now := time.Now()

	a.mu.Lock()
	res.UtteranceID = fmt.Sprintf("deepgram-%d", a.utterance)
	if res.IsFinal {
		a.utterance++
	}
	var latency time.Duration
	if !a.lastSend.IsZero() {
		latency = now.Sub(a.lastSend)
	}
	res.Language = a.cfg.Language
	a.mu.Unlock()

	res.ID = uuid.NewString()
	res.Timestamp = now
	res.Provider = a.Name()
	res.Processing = types.ProcessingInfo{Latency: latency, ProcessingTime: latency}
	if res.IsFinal {
		a.stats.RecordSuccess(latency)
	}
}

func (a *Adapter) emit(ctx context.Context, ev stt.Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse parses a raw message into a result. Non-Results
// messages and empty transcripts are ignored.
func parseDeepgramResponse(data []byte) (*types.TranscriptionResult, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.Type != "Results" {
		return nil, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return nil, false
	}

	alt := resp.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil, false
	}
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return &types.TranscriptionResult{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
