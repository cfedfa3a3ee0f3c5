// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and returns one complete
// MP3 blob per reply turn. The gateway fragments that blob for UDP transport,
// so providers do not stream audio; they return the full encoding of the
// given text in a single call.
//
// Implementations must be safe for concurrent use — one synthesis may be in
// flight per active client.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as MP3 bytes using the given provider-specific
	// voice identifier. The returned slice is owned by the caller.
	//
	// Returns an error when the backend fails or ctx is cancelled; an empty
	// text input should return an error rather than silence.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}
