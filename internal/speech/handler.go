package speech

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
)

// Path is where the handler is mounted.
const Path = "/v1/speech"

const maxRequestBytes = 64 << 10

// Request is the JSON body of a synthesis request.
type Request struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

// Handler serves POST requests with a [Request] body and answers with raw
// 16-bit little-endian mono PCM. The producing synthesizer is named in the
// X-Provider header.
type Handler struct {
	speaker    *Speaker
	sampleRate int
}

// NewHandler creates a Handler; sampleRate is advertised in the response
// content type.
func NewHandler(s *Speaker, sampleRate int) *Handler {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Handler{speaker: s, sampleRate: sampleRate}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pcm, provider, err := h.speaker.Speak(r.Context(), req.Text, tts.VoiceProfile{ID: req.VoiceID})
	switch {
	case errors.Is(err, ErrEmptyText):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, resilience.ErrNoProviderAvailable):
		slog.Error("speech: no synthesizer available", "err", err)
		http.Error(w, "no synthesizer available", http.StatusServiceUnavailable)
		return
	case err != nil:
		slog.Warn("speech: synthesis failed", "provider", provider, "err", err)
		http.Error(w, "synthesis failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "audio/L16;rate="+strconv.Itoa(h.sampleRate)+";channels=1")
	w.Header().Set("X-Provider", provider)
	w.Header().Set("Content-Length", strconv.Itoa(len(pcm)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pcm)
}
