package stt

import (
	"strings"
	"time"
	"unicode"
)

// typicalWordsPerSecond is a conversational speaking rate used to judge
// whether a transcript is plausibly complete for the audio it came from.
const typicalWordsPerSecond = 2.5

// EstimateConfidence derives a deterministic confidence in [0, 1] for
// backends that do not report one. It rewards transcripts whose word count
// fits the audio duration and that end on sentence punctuation, and
// penalises bracketed non-speech markers such as "[BLANK_AUDIO]".
func EstimateConfidence(text string, audio time.Duration) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return 0.1
	}

	words := len(strings.Fields(text))
	score := 0.5

	if audio > 0 {
		expected := audio.Seconds() * typicalWordsPerSecond
		ratio := float64(words) / max(expected, 1)
		if ratio > 1 {
			ratio = 1 / ratio
		}
		score += 0.3 * ratio
	} else {
		score += 0.15
	}

	last := []rune(text)[len([]rune(text))-1]
	if last == '.' || last == '?' || last == '!' {
		score += 0.15
	}
	if unicode.IsUpper([]rune(text)[0]) {
		score += 0.05
	}

	return min(score, 1)
}
