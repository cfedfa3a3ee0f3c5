package gateway

// TriggerConfig sizes a [TriggerBuffer]. All counts are in samples or blocks
// of the gateway's fixed framing (512 samples per block at 16 kHz).
type TriggerConfig struct {
	// SilenceBlocks is the length, in blocks, of the silence window after
	// speech (~0.9 s at defaults); the first silent block past a run of
	// SilenceBlocks flushes the buffer into an utterance.
	SilenceBlocks int

	// MaxSamples caps the utterance length; the buffer flushes when reached
	// even while the speaker is still talking (~15 s at defaults).
	MaxSamples int

	// PreRollBlocks is how many leading blocks are retained while idle and
	// prepended when speech starts, so the recogniser hears the soft onset
	// of the first word.
	PreRollBlocks int
}

// TriggerBuffer accumulates a client's speech into complete utterances.
//
// It is idle until the VAD reports speech, then collects blocks (speech and
// embedded pauses alike) until either a sustained-silence window or the
// maximum utterance length is reached, at which point the whole utterance is
// flushed to the caller and the buffer returns to idle.
//
// The buffer is owned by the receive loop; it is not safe for concurrent use.
type TriggerBuffer struct {
	cfg TriggerConfig

	preRoll    [][]float32
	buf        []float32
	collecting bool
	silentRun  int
}

// NewTriggerBuffer creates an idle buffer.
func NewTriggerBuffer(cfg TriggerConfig) *TriggerBuffer {
	if cfg.PreRollBlocks < 0 {
		cfg.PreRollBlocks = 0
	}
	return &TriggerBuffer{cfg: cfg}
}

// Push feeds one VAD-classified block. When the block completes an utterance
// the full sample sequence (pre-roll included) is returned and the buffer
// resets to idle; otherwise the return is nil.
func (b *TriggerBuffer) Push(block []float32, speech bool) []float32 {
	switch {
	case speech:
		if !b.collecting {
			b.collecting = true
			for _, pre := range b.preRoll {
				b.buf = append(b.buf, pre...)
			}
			b.preRoll = b.preRoll[:0]
		}
		b.buf = append(b.buf, block...)
		b.silentRun = 0

	case b.collecting:
		// Trailing silence is kept so the utterance ends naturally.
		b.buf = append(b.buf, block...)
		b.silentRun++
		if b.silentRun > b.cfg.SilenceBlocks {
			return b.flush()
		}

	default:
		// Idle: remember recent blocks as pre-roll for the next onset.
		if b.cfg.PreRollBlocks > 0 {
			cp := make([]float32, len(block))
			copy(cp, block)
			b.preRoll = append(b.preRoll, cp)
			if len(b.preRoll) > b.cfg.PreRollBlocks {
				b.preRoll = b.preRoll[1:]
			}
		}
	}

	if b.collecting && b.cfg.MaxSamples > 0 && len(b.buf) >= b.cfg.MaxSamples {
		return b.flush()
	}
	return nil
}

// Collecting reports whether the buffer is mid-utterance.
func (b *TriggerBuffer) Collecting() bool { return b.collecting }

// Reset discards all buffered audio and returns to idle.
func (b *TriggerBuffer) Reset() {
	b.buf = nil
	b.preRoll = b.preRoll[:0]
	b.collecting = false
	b.silentRun = 0
}

// flush hands the collected utterance to the caller and resets state.
func (b *TriggerBuffer) flush() []float32 {
	out := b.buf
	b.buf = nil
	b.collecting = false
	b.silentRun = 0
	return out
}
