// This file contains NativeAdapter, which runs whisper.cpp in-process through
// its CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/therascribe/pkg/audio"
	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/types"
)

const (
	defaultNativeName = "whisper-native"

	// modelSampleRate is the only rate whisper.cpp models accept.
	modelSampleRate = 16000
)

// Compile-time assertion that NativeAdapter implements stt.Adapter.
var _ stt.Adapter = (*NativeAdapter)(nil)

// inferer runs one transcription over 16 kHz mono samples.
type inferer interface {
	Infer(samples []float32, language string) (string, error)
	Close() error
}

// NativeOption is a functional option for configuring a NativeAdapter.
type NativeOption func(*NativeAdapter)

// WithNativeName overrides the provider identity (default "whisper-native").
func WithNativeName(name string) NativeOption {
	return func(a *NativeAdapter) { a.name = name }
}

// WithNativeLanguage sets the language used when the stt Config leaves it
// empty. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(a *NativeAdapter) { a.language = lang }
}

// withInferer replaces the whisper.cpp model loader; tests use it to run
// without a model file.
func withInferer(load func(modelPath string) (inferer, error)) NativeOption {
	return func(a *NativeAdapter) { a.load = load }
}

// NativeAdapter implements stt.Adapter on top of a locally loaded whisper.cpp
// model. The model is loaded by Initialize and shared by every request; each
// request gets its own whisper context. Feed transcribes one unit per call.
type NativeAdapter struct {
	name      string
	modelPath string
	language  string
	load      func(modelPath string) (inferer, error)

	life  provider.Lifecycle
	stats provider.Stats

	mu      sync.Mutex
	cfg     stt.Config
	model   inferer
	initErr error
}

// NewNative creates a NativeAdapter for the model file at modelPath. The
// model is not loaded until Initialize.
func NewNative(modelPath string, opts ...NativeOption) (*NativeAdapter, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	a := &NativeAdapter{
		name:      defaultNativeName,
		modelPath: modelPath,
		language:  "en",
		load:      loadModel,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Name returns the provider identity.
func (a *NativeAdapter) Name() string { return a.name }

// Mode returns stt.ModeBatch.
func (a *NativeAdapter) Mode() stt.Mode { return stt.ModeBatch }

// Initialize loads the model. Calling it again after a successful load keeps
// the loaded model.
func (a *NativeAdapter) Initialize(_ context.Context, cfg stt.Config) error {
	cfg = cfg.WithDefaults()
	if cfg.Language == "" {
		cfg.Language = a.language
	}

	a.mu.Lock()
	a.cfg = cfg
	var err error
	if a.model == nil {
		a.model, err = a.load(a.modelPath)
	}
	a.initErr = err
	a.mu.Unlock()

	if err != nil {
		return &provider.InitializationError{Provider: a.name, Err: err}
	}
	return a.life.MarkInitialized()
}

// Start moves the adapter into the accepting state.
func (a *NativeAdapter) Start(context.Context) error {
	if _, err := a.life.Start(); err != nil {
		return fmt.Errorf("whisper: start: %w", err)
	}
	return nil
}

// Feed transcribes pcm and returns a final result.
func (a *NativeAdapter) Feed(ctx context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	if err := a.life.CheckAccepting(); err != nil {
		return nil, fmt.Errorf("whisper: feed: %w", err)
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, provider.NewError(a.name, "transcribe", err)
	}

	a.mu.Lock()
	cfg, model := a.cfg, a.model
	a.mu.Unlock()

	start := time.Now()
	text, err := model.Infer(toModelSamples(pcm, cfg.SampleRate, cfg.Channels), cfg.Language)
	latency := time.Since(start)
	if err != nil {
		a.stats.RecordError()
		return nil, provider.NewError(a.name, "transcribe", err)
	}
	a.stats.RecordSuccess(latency)

	return &types.TranscriptionResult{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Text:       text,
		Language:   cfg.Language,
		Confidence: stt.EstimateConfidence(text, audio.DurationOf(len(pcm), cfg.SampleRate, cfg.Channels)),
		IsFinal:    true,
		Provider:   a.name,
		Processing: types.ProcessingInfo{Latency: latency, ProcessingTime: latency},
	}, nil
}

// Stop leaves the accepting state. Nothing is queued, so there is never a
// flushed result.
func (a *NativeAdapter) Stop(context.Context) (*types.TranscriptionResult, error) {
	a.life.Stop()
	return nil, nil
}

// Destroy releases the model. It is idempotent.
func (a *NativeAdapter) Destroy() error {
	if !a.life.Destroy() {
		return nil
	}
	a.mu.Lock()
	model := a.model
	a.model = nil
	a.mu.Unlock()
	if model == nil {
		return nil
	}
	if err := model.Close(); err != nil {
		return fmt.Errorf("whisper: close model: %w", err)
	}
	return nil
}

// Status reports availability and counters.
func (a *NativeAdapter) Status() types.ProviderStatus {
	a.mu.Lock()
	ok := a.initErr == nil && a.model != nil
	a.mu.Unlock()
	return a.stats.Status(ok && a.life.Usable())
}

// Events returns nil; results are returned from Feed.
func (a *NativeAdapter) Events() <-chan stt.Event { return nil }

// toModelSamples converts 16-bit PCM at any rate and channel count to the
// 16 kHz mono float32 samples whisper.cpp expects.
func toModelSamples(pcm []byte, sampleRate, channels int) []float32 {
	mono := audio.ResampleMono16(audio.Downmix(pcm, channels), sampleRate, modelSampleRate)
	ints := audio.BytesToInt16s(mono)
	out := make([]float32, len(ints))
	for i, s := range ints {
		out[i] = float32(s) / 32768
	}
	return out
}

// ─── whisper.cpp ─────────────────────────────────────────────────────────────

type cppModel struct {
	model whisperlib.Model
}

func loadModel(path string) (inferer, error) {
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &cppModel{model: m}, nil
}

// Infer runs the model on a fresh context. Contexts are not safe for
// concurrent use; the model is.
func (m *cppModel) Infer(samples []float32, language string) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (m *cppModel) Close() error { return m.model.Close() }
