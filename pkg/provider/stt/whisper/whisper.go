// Package whisper provides a batch transcription adapter backed by a
// whisper.cpp HTTP server.
//
// whisper.cpp is a batch engine: each buffered utterance is wrapped in a WAV
// container and POSTed to the server's /inference endpoint. Feed queues
// units and flushes once QueueSize units are pending (every unit by
// default), returning exactly one result per flush. Stop flushes whatever is
// still queued.
//
// Usage:
//
//	a, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	err = a.Initialize(ctx, stt.Config{SampleRate: 16000})
//	err = a.Start(ctx)
//	res, err := a.Feed(ctx, utterancePCM)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/therascribe/pkg/audio"
	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/types"
)

const defaultName = "whisper"

// Compile-time assertion that Adapter implements stt.Adapter.
var _ stt.Adapter = (*Adapter)(nil)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithName overrides the provider identity (default "whisper").
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithModel sets the model identifier forwarded to the server. When empty
// the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(a *Adapter) {
		a.model = model
	}
}

// WithLanguage sets the default language sent to the server when the stt
// Config leaves it empty.
func WithLanguage(lang string) Option {
	return func(a *Adapter) {
		a.language = lang
	}
}

// WithQueueSize sets how many fed units are batched into one request.
// Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(a *Adapter) {
		if n >= 1 {
			a.queueSize = n
		}
	}
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// Adapter implements stt.Adapter for a whisper.cpp server.
type Adapter struct {
	name       string
	serverURL  string
	model      string
	language   string
	queueSize  int
	httpClient *http.Client

	life  provider.Lifecycle
	stats provider.Stats

	mu      sync.Mutex
	cfg     stt.Config
	queue   [][]byte
	queued  time.Time
	initErr error
}

// New creates an Adapter for the server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Adapter, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	a := &Adapter{
		name:       defaultName,
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   "en",
		queueSize:  1,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Name returns the provider identity.
func (a *Adapter) Name() string { return a.name }

// Mode returns stt.ModeBatch.
func (a *Adapter) Mode() stt.Mode { return stt.ModeBatch }

// Initialize pings the server root. Any response below 500 counts as
// reachable; whisper-server serves a small HTML page there.
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
		return &provider.InitializationError{Provider: a.name, Err: err}
	}
	return a.life.MarkInitialized()
}

func (a *Adapter) ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create ping request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: ping: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Start moves the adapter into the accepting state.
func (a *Adapter) Start(context.Context) error {
	if _, err := a.life.Start(); err != nil {
		return fmt.Errorf("whisper: start: %w", err)
	}
	return nil
}

// Feed queues audio and flushes when the queue is full.
func (a *Adapter) Feed(ctx context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	if err := a.life.CheckAccepting(); err != nil {
		return nil, fmt.Errorf("whisper: feed: %w", err)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	if len(a.queue) == 0 {
		a.queued = time.Now()
	}
	a.queue = append(a.queue, pcm)
	if len(a.queue) < a.queueSize {
		a.mu.Unlock()
		return nil, nil
	}
	batch, queued := a.drainLocked()
	a.mu.Unlock()

	return a.transcribe(ctx, batch, queued)
}

// Stop flushes pending audio and leaves the accepting state.
func (a *Adapter) Stop(ctx context.Context) (*types.TranscriptionResult, error) {
	if !a.life.Stop() {
		return nil, nil
	}
	a.mu.Lock()
	batch, queued := a.drainLocked()
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}
	return a.transcribe(ctx, batch, queued)
}

// Destroy drops queued audio. It is idempotent.
func (a *Adapter) Destroy() error {
	if !a.life.Destroy() {
		return nil
	}
	a.mu.Lock()
	a.queue = nil
	a.mu.Unlock()
	return nil
}

// Status reports availability and counters.
func (a *Adapter) Status() types.ProviderStatus {
	a.mu.Lock()
	initErr := a.initErr
	a.mu.Unlock()
	return a.stats.Status(initErr == nil && a.life.Usable())
}

// Events returns nil; whisper results are returned from Feed.
func (a *Adapter) Events() <-chan stt.Event { return nil }

// drainLocked empties the queue into one contiguous buffer. Must be called
// with a.mu held.
func (a *Adapter) drainLocked() ([]byte, time.Time) {
	n := 0
	for _, u := range a.queue {
		n += len(u)
	}
	batch := make([]byte, 0, n)
	for _, u := range a.queue {
		batch = append(batch, u...)
	}
	queued := a.queued
	a.queue = a.queue[:0]
	return batch, queued
}

// transcribe runs one /inference round-trip and accounts for the outcome.
func (a *Adapter) transcribe(ctx context.Context, pcm []byte, queued time.Time) (*types.TranscriptionResult, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	text, err := a.infer(reqCtx, pcm, cfg)
	latency := time.Since(start)
	if err != nil {
		a.stats.RecordError()
		return nil, provider.NewError(a.name, "transcribe", err)
	}
	a.stats.RecordSuccess(latency)

	text = strings.TrimSpace(text)
	return &types.TranscriptionResult{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Text:       text,
		Language:   cfg.Language,
		Confidence: stt.EstimateConfidence(text, audio.DurationOf(len(pcm), cfg.SampleRate, cfg.Channels)),
		IsFinal:    true,
		Provider:   a.name,
		Processing: types.ProcessingInfo{
			Latency:        latency,
			ProcessingTime: latency,
			QueueTime:      start.Sub(queued),
		},
	}, nil
}

// infer POSTs pcm as a WAV upload to /inference and returns the text.
func (a *Adapter) infer(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	wav := audio.EncodeWAV(pcm, cfg.SampleRate, cfg.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if cfg.Language != "" {
		if err := mw.WriteField("language", cfg.Language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if a.model != "" {
		if err := mw.WriteField("model", a.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
