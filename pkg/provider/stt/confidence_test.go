package stt

import (
	"testing"
	"time"
)

func TestEstimateConfidence(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		audio time.Duration
		lo    float64
		hi    float64
	}{
		{"empty", "", time.Second, 0, 0},
		{"whitespace", "   ", time.Second, 0, 0},
		{"blank marker", "[BLANK_AUDIO]", time.Second, 0.1, 0.1},
		{"well formed", "I have been sleeping badly.", 2 * time.Second, 0.9, 1},
		{"fragment", "uh", 4 * time.Second, 0.5, 0.6},
		{"no duration", "Hello there.", 0, 0.8, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateConfidence(tt.text, tt.audio)
			if got < tt.lo || got > tt.hi {
				t.Errorf("EstimateConfidence(%q, %v) = %v, want in [%v, %v]", tt.text, tt.audio, got, tt.lo, tt.hi)
			}
		})
	}
}

func TestEstimateConfidence_Deterministic(t *testing.T) {
	a := EstimateConfidence("We talked about work.", 1500*time.Millisecond)
	b := EstimateConfidence("We talked about work.", 1500*time.Millisecond)
	if a != b {
		t.Fatalf("non-deterministic: %v vs %v", a, b)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.RequestTimeout != 10*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if ModeStreaming.String() != "streaming" || ModeBatch.String() != "batch" {
		t.Error("unexpected Mode strings")
	}
}
