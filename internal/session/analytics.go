package session

import (
	"maps"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Analytics is a snapshot of session-scoped counters.
type Analytics struct {
	// Transcriptions counts final results delivered to the caller.
	Transcriptions int `json:"transcriptions"`

	// Interims counts provisional results delivered to the caller.
	Interims int `json:"interims"`

	// ByLanguage counts finals per reported language.
	ByLanguage map[string]int `json:"byLanguage"`

	// ByProvider counts finals per producing provider.
	ByProvider map[string]int `json:"byProvider"`

	// AverageLatency is updated as avg = (avg + latency) / 2, starting at 0.
	AverageLatency time.Duration `json:"averageLatency"`

	Errors     int `json:"errors"`
	Failovers  int `json:"failovers"`
	Suppressed int `json:"suppressed"`
}

func newAnalytics() Analytics {
	return Analytics{
		ByLanguage: make(map[string]int),
		ByProvider: make(map[string]int),
	}
}

func (a *Analytics) recordFinal(res *types.TranscriptionResult) {
	a.Transcriptions++
	lang := res.Language
	if lang == "" {
		lang = "unknown"
	}
	a.ByLanguage[lang]++
	a.ByProvider[res.Provider]++
	a.AverageLatency = (a.AverageLatency + res.Processing.Latency) / 2
}

func (a Analytics) clone() Analytics {
	a.ByLanguage = maps.Clone(a.ByLanguage)
	a.ByProvider = maps.Clone(a.ByProvider)
	return a
}
