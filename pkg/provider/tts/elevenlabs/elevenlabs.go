// Package elevenlabs provides an ElevenLabs-backed Synthesizer using the
// ElevenLabs streaming WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
	"github.com/MrWong99/therascribe/pkg/types"
)

const (
	providerName     = "elevenlabs"
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFmt = "pcm_16000"
)

// Compile-time assertion that Synthesizer implements tts.Synthesizer.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Option is a functional option for configuring the ElevenLabs Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) {
		s.outputFormat = format
	}
}

// WithDefaultVoice sets the voice used when a request leaves VoiceProfile.ID
// empty.
func WithDefaultVoice(id string) Option {
	return func(s *Synthesizer) {
		s.defaultVoice = id
	}
}

// WithBaseURL points the synthesizer at a different API host. The WebSocket
// endpoint is derived by swapping the scheme.
func WithBaseURL(base string) Option {
	return func(s *Synthesizer) {
		s.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient overrides the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) {
		s.httpClient = c
	}
}

// Synthesizer implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	baseURL      string
	httpClient   *http.Client

	life  provider.Lifecycle
	stats provider.Stats

	mu      sync.Mutex
	cfg     tts.Config
	initErr error
}

// New creates a new ElevenLabs Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		defaultVoice: defaultVoice,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name returns "elevenlabs".
func (s *Synthesizer) Name() string { return providerName }

// Initialize checks the API key by listing voices. When cfg.SampleRate is set
// and the output format was not overridden, the matching pcm_<rate> format is
// requested.
func (s *Synthesizer) Initialize(ctx context.Context, cfg tts.Config) error {
	cfg = cfg.WithDefaults()

	s.mu.Lock()
	s.cfg = cfg
	if s.outputFormat == defaultOutputFmt {
		s.outputFormat = fmt.Sprintf("pcm_%d", cfg.SampleRate)
	}
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	_, err := s.ListVoices(pctx)

	s.mu.Lock()
	s.initErr = err
	s.mu.Unlock()
	if err != nil {
		return &provider.InitializationError{Provider: providerName, Err: err}
	}
	return s.life.MarkInitialized()
}

// Start moves the synthesizer into the accepting state.
func (s *Synthesizer) Start(context.Context) error {
	if _, err := s.life.Start(); err != nil {
		return fmt.Errorf("elevenlabs: start: %w", err)
	}
	return nil
}

// Stop leaves the accepting state. In-flight streams finish on their own.
func (s *Synthesizer) Stop(context.Context) error {
	s.life.Stop()
	return nil
}

// Destroy is idempotent.
func (s *Synthesizer) Destroy() error {
	s.life.Destroy()
	return nil
}

// Status reports availability and counters.
func (s *Synthesizer) Status() types.ProviderStatus {
	s.mu.Lock()
	initErr := s.initErr
	s.mu.Unlock()
	return s.stats.Status(initErr == nil && s.life.Usable())
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize dials the stream-input endpoint, sends text followed by the
// flush marker, and streams decoded PCM until ElevenLabs reports isFinal.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if err := s.life.CheckAccepting(); err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = s.defaultVoice
	}

	s.mu.Lock()
	timeout := s.cfg.WithDefaults().RequestTimeout
	format := s.outputFormat
	s.mu.Unlock()

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := websocket.Dial(dctx, s.streamURL(voiceID, format), nil)
	cancel()
	if err != nil {
		s.stats.RecordError()
		return nil, provider.NewError(providerName, "dial", err)
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	msgs := []any{
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: s.apiKey},
		textMessage{Text: text + " "},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			s.stats.RecordError()
			return nil, provider.NewError(providerName, "send", err)
		}
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		first := true
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if first && ctx.Err() == nil {
					s.stats.RecordError()
				}
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err == nil && len(pcm) > 0 {
					if first {
						s.stats.RecordSuccess(time.Since(start))
						first = false
					}
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
				}
			}
			if resp.IsFinal {
				return
			}
		}
	}()

	return audioCh, nil
}

func (s *Synthesizer) streamURL(voiceID, format string) string {
	u := buildURLForVoice(s.baseURL, voiceID, s.model)
	return u + "&output_format=" + url.QueryEscape(format)
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	profiles, err := parseVoicesResponse(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// ---- helpers ----

// buildURLForVoice constructs the WebSocket URL for a voice and model. The
// REST base scheme is mapped to its WebSocket counterpart.
func buildURLForVoice(base, voiceID, model string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s",
		base, url.PathEscape(voiceID), url.QueryEscape(model))
}

// parseVoicesResponse parses a /v1/voices body into voice profiles.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles, nil
}
