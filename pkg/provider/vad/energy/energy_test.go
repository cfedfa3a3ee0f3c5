package energy

import (
	"math"
	"testing"

	"github.com/bbbikngman/callwarden/pkg/provider/vad"
)

func loudBlock(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func quietBlock(n int) []float32 {
	return make([]float32, n)
}

func newSession(t *testing.T) vad.Session {
	t.Helper()
	s, err := New().NewSession(vad.Config{SampleRate: 16000, BlockSamples: 512})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSpeechOnsetRequiresConsecutiveLoudBlocks(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	if s.IsSpeech(loudBlock(512)) {
		t.Fatal("single loud block classified as speech")
	}
	if s.IsSpeech(loudBlock(512)) {
		t.Fatal("two loud blocks classified as speech")
	}
	if !s.IsSpeech(loudBlock(512)) {
		t.Fatal("third consecutive loud block not classified as speech")
	}
}

func TestSingleBurstDoesNotTrigger(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	// Loud, quiet, loud, quiet: the consecutive-run requirement filters pops.
	for i := 0; i < 8; i++ {
		var block []float32
		if i%2 == 0 {
			block = loudBlock(512)
		} else {
			block = quietBlock(512)
		}
		if s.IsSpeech(block) {
			t.Fatalf("alternating block %d classified as speech", i)
		}
	}
}

func TestSpeechEndsAfterSilenceRun(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	for i := 0; i < 5; i++ {
		s.IsSpeech(loudBlock(512))
	}
	if !s.IsSpeech(loudBlock(512)) {
		t.Fatal("expected speech state")
	}

	// Hysteresis keeps the state through a short pause.
	for i := 0; i < 4; i++ {
		if !s.IsSpeech(quietBlock(512)) {
			t.Fatalf("quiet block %d ended speech too early", i)
		}
	}
	// The fifth consecutive quiet block ends the run.
	if s.IsSpeech(quietBlock(512)) {
		t.Fatal("speech state survived the full silence run")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	for i := 0; i < 5; i++ {
		s.IsSpeech(loudBlock(512))
	}
	s.Reset()
	if s.IsSpeech(loudBlock(512)) {
		t.Fatal("speech state survived Reset")
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New().NewSession(vad.Config{SpeechThreshold: 0.01, SilenceThreshold: 0.02})
	if err == nil {
		t.Fatal("silence threshold above speech threshold accepted")
	}
}
