// Package energy provides an RMS-energy VAD engine with hysteresis.
//
// The detector compares each block's root-mean-square level against a pair of
// thresholds and requires a run of consecutive blocks before switching state,
// which prevents flickering between speech and silence on breathy or noisy
// input. It needs no model assets and runs in a few microseconds per block,
// so it is the default engine for the gateway's receive loop.
package energy

import (
	"errors"
	"math"

	"github.com/bbbikngman/callwarden/pkg/provider/vad"
)

const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008

	// speechRun is the number of consecutive loud blocks (~96 ms at 512
	// samples / 16 kHz) required to enter the speech state.
	speechRun = 3

	// silenceRun is the number of consecutive quiet blocks (~160 ms) required
	// to leave it. Kept short; utterance-level silence handling belongs to
	// the trigger buffer.
	silenceRun = 5
)

// Engine implements [vad.Engine] using RMS energy with hysteresis.
type Engine struct{}

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// New returns a new energy [Engine].
func New() *Engine { return &Engine{} }

// NewSession creates an independent detector session. Zero thresholds fall
// back to defaults tuned for normalised 16 kHz speech.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	speech := cfg.SpeechThreshold
	if speech == 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = defaultSilenceThreshold
	}
	if silence > speech {
		return nil, errors.New("energy: silence threshold must not exceed speech threshold")
	}
	return &session{speech: speech, silence: silence}, nil
}

// session is a single-stream detector. Not safe for concurrent use.
type session struct {
	speech  float64
	silence float64

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// IsSpeech classifies one block and updates the hysteresis state.
func (s *session) IsSpeech(block []float32) bool {
	level := rms(block)

	if s.inSpeech {
		if level < s.silence {
			s.silenceCount++
			if s.silenceCount >= silenceRun {
				s.inSpeech = false
				s.silenceCount = 0
			}
		} else {
			s.silenceCount = 0
		}
		return s.inSpeech
	}

	if level >= s.speech {
		s.speechCount++
		if s.speechCount >= speechRun {
			s.inSpeech = true
			s.speechCount = 0
		}
	} else {
		s.speechCount = 0
	}
	return s.inSpeech
}

// Reset clears the hysteresis state.
func (s *session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// rms returns the root-mean-square level of a normalised PCM block.
func rms(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, v := range block {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(block)))
}
