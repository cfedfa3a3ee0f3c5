// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// STT backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/bbbikngman/callwarden/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Samples is the length of the PCM slice passed in.
	Samples int
	// LanguageHint is the hint passed in.
	LanguageHint string
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return ("", nil).
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, when set, overrides Text/Err entirely.
	TranscribeFunc func(ctx context.Context, pcm []float32, languageHint string) (string, error)

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []float32, languageHint string) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Samples: len(pcm), LanguageHint: languageHint})
	fn := p.TranscribeFunc
	text, err := p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, languageHint)
	}
	return text, err
}

// CallCount returns the number of recorded Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
