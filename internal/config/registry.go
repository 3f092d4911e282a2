package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]func(ProviderEntry) (stt.Adapter, error)
	tts map[string]func(ProviderEntry) (tts.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]func(ProviderEntry) (stt.Adapter, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
	}
}

// RegisterSTT registers a transcription adapter factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Adapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateSTT instantiates a transcription adapter using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTTAll instantiates every entry in order. On failure the adapters
// created so far are destroyed.
func (r *Registry) CreateSTTAll(entries []ProviderEntry) ([]stt.Adapter, error) {
	out := make([]stt.Adapter, 0, len(entries))
	for _, e := range entries {
		a, err := r.CreateSTT(e)
		if err != nil {
			for _, created := range out {
				_ = created.Destroy()
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// CreateTTSAll is [Registry.CreateSTTAll] for synthesizers.
func (r *Registry) CreateTTSAll(entries []ProviderEntry) ([]tts.Synthesizer, error) {
	out := make([]tts.Synthesizer, 0, len(entries))
	for _, e := range entries {
		s, err := r.CreateTTS(e)
		if err != nil {
			for _, created := range out {
				_ = created.Destroy()
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// STTNames returns the registered transcription provider names, sorted.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for n := range r.stt {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
