package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bbbikngman/callwarden/pkg/provider/llm"
	"github.com/bbbikngman/callwarden/pkg/provider/stt"
	"github.com/bbbikngman/callwarden/pkg/provider/tts"
	"github.com/bbbikngman/callwarden/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by the Create* methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("provider not registered")

// Factory function types per provider kind.
type (
	STTFactory func(entry ProviderEntry) (stt.Provider, error)
	LLMFactory func(entry ProviderEntry) (llm.Provider, error)
	TTSFactory func(entry ProviderEntry) (tts.Provider, error)
	VADFactory func(entry ProviderEntry) (vad.Engine, error)
)

// Registry maps provider names to constructor functions. Built-in providers
// are registered at startup; the registry also allows embedding applications
// to plug in their own implementations.
//
// Registration is expected during startup; Create* calls may then run
// concurrently.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]STTFactory
	llm map[string]LLMFactory
	tts map[string]TTSFactory
	vad map[string]VADFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTFactory),
		llm: make(map[string]LLMFactory),
		tts: make(map[string]TTSFactory),
		vad: make(map[string]VADFactory),
	}
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, f TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = f
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, f VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = f
}

// CreateSTT instantiates the STT provider named in entry.
// Returns [ErrProviderNotRegistered] if the name is unknown.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stt %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateLLM instantiates the LLM provider named in entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateTTS instantiates the TTS provider named in entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tts %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateVAD instantiates the VAD engine named in entry.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	f, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vad %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// OptString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// OptFloat extracts a float value from a provider Options map. YAML decodes
// numbers as int or float64 depending on their spelling; both are accepted.
// Returns 0 when absent or not numeric.
func OptFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
