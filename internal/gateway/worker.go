package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bbbikngman/callwarden/internal/archive"
	"github.com/bbbikngman/callwarden/internal/dialogue"
	"github.com/bbbikngman/callwarden/pkg/fragment"
	"github.com/bbbikngman/callwarden/pkg/provider/llm"
)

// runWorker is the per-client pipeline task. It is started lazily on the
// client's first job and lives until the client is reaped. One job runs at a
// time; the single-slot jobs channel guarantees a fresher utterance replaces
// a stale queued one rather than queueing behind it.
func (s *Server) runWorker(ctx context.Context, c *Client) {
	defer close(c.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			s.handleJob(ctx, c, j)
			c.state.Store(stateIdle)
		}
	}
}

// handleJob drives one job through the pipeline state machine:
// transcribing → generating → synthesizing → sending. The interruption flag
// is consulted at every transition. No failure escapes into the receive
// loop — the worker logs, resets its own state, and returns to idle.
func (s *Server) handleJob(ctx context.Context, c *Client, j job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline worker panic recovered", "client", c.ip, "panic", r)
		}
	}()

	if j.greeting {
		s.handleGreeting(ctx, c)
		return
	}

	// ── Transcribing ──────────────────────────────────────────────────────────
	c.state.Store(stateTranscribing)

	if s.stt == nil {
		slog.Warn("utterance dropped: no STT provider", "client", c.ip)
		return
	}
	t0 := time.Now()
	text, err := s.stt.Transcribe(ctx, j.pcm, s.cfg.LanguageHint)
	s.metrics.STTDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, "stt")
		slog.Warn("transcription failed", "client", c.ip, "err", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// The recogniser heard nothing intelligible; stay silent.
		return
	}

	flags := s.scanFraudKeywords(ctx, text)

	slog.Info("utterance transcribed", "client", c.ip, "chars", len(text), "flags", len(flags))
	s.events.Publish(c.ip.String(), EventUtterance, map[string]any{
		"text":  text,
		"flags": flags,
	})

	c.history.Append(dialogue.RoleUser, text)
	s.archiveTurn(ctx, c, dialogue.RoleUser, text, flags)

	// ── Generating ────────────────────────────────────────────────────────────
	c.state.Store(stateGenerating)

	reply := s.generateReply(ctx, c)
	if reply == "" {
		return
	}

	c.history.Append(dialogue.RoleAssistant, reply)
	s.events.Publish(c.ip.String(), EventReplyText, map[string]any{"text": reply})
	s.archiveTurn(ctx, c, dialogue.RoleAssistant, reply, nil)

	if s.consumeInterrupt(c) {
		return
	}

	s.speak(ctx, c, reply)
}

// handleGreeting speaks the configured greeting, bypassing ASR and the LLM.
func (s *Server) handleGreeting(ctx context.Context, c *Client) {
	text := s.cfg.GreetingText
	if text == "" {
		return
	}
	c.history.Append(dialogue.RoleAssistant, text)
	s.events.Publish(c.ip.String(), EventReplyText, map[string]any{"text": text, "greeting": true})
	s.archiveTurn(ctx, c, dialogue.RoleAssistant, text, nil)
	s.speak(ctx, c, text)
}

// generateReply streams the LLM's reply and aggregates it into one string,
// so each reply turn becomes exactly one outbound chunk. A mid-stream error
// keeps whatever text arrived before it.
func (s *Server) generateReply(ctx context.Context, c *Client) string {
	if s.llm == nil {
		slog.Warn("utterance dropped: no LLM provider", "client", c.ip)
		return ""
	}

	req := llm.CompletionRequest{
		SystemPrompt: s.cfg.SystemPrompt,
		Messages:     c.history.Messages(),
	}

	t0 := time.Now()
	ch, err := s.llm.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm")
		slog.Warn("reply generation failed to start", "client", c.ip, "err", err)
		return ""
	}

	var reply strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			s.metrics.RecordProviderError(ctx, "llm")
			slog.Warn("reply stream error", "client", c.ip, "err", chunk.Text)
			break
		}
		reply.WriteString(chunk.Text)
	}
	s.metrics.LLMDuration.Record(ctx, time.Since(t0).Seconds())

	return strings.TrimSpace(reply.String())
}

// speak synthesises text and sends the resulting MP3 chunk to the client.
// On synthesis failure the cached canned error utterance is sent instead so
// the caller is not left with dead air.
func (s *Server) speak(ctx context.Context, c *Client, text string) {
	c.state.Store(stateSynthesizing)

	if s.tts == nil {
		slog.Warn("reply dropped: no TTS provider", "client", c.ip)
		return
	}
	t0 := time.Now()
	mp3, err := s.tts.Synthesize(ctx, text, s.cfg.TTSVoiceID)
	s.metrics.TTSDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, "tts")
		slog.Error("synthesis failed, falling back to canned audio", "client", c.ip, "err", err)
		mp3 = s.cannedErrorAudio()
		if mp3 == nil {
			return
		}
	}

	if s.consumeInterrupt(c) {
		return
	}

	c.state.Store(stateSending)
	s.sendChunk(ctx, c, mp3)
}

// sendChunk fragments mp3 and emits the fragments in index order, spaced by
// the inter-packet gap to avoid kernel-level bursts. The interruption flag
// is checked between fragments; on interruption the remaining fragments are
// flushed, so no fragment of the aborted chunk ever follows the abort.
//
// Fragments of one chunk are emitted contiguously and in order, and the next
// chunk's fragments never interleave with this one's: the worker is the only
// sender for its client and does not return until the chunk is finished or
// aborted.
func (s *Server) sendChunk(ctx context.Context, c *Client, mp3 []byte) {
	chunkIndex := c.chunkCounter.Add(1)
	frags := fragment.Split(mp3, c.sessionID, chunkIndex, s.cfg.FragmentBudget)

	for i, f := range frags {
		if err := ctx.Err(); err != nil {
			return
		}
		if s.consumeInterrupt(c) {
			slog.Info("chunk send aborted by interruption",
				"client", c.ip, "chunk", chunkIndex, "sent", i, "total", len(frags))
			return
		}

		pkt, err := fragment.Encode(f)
		if err != nil {
			slog.Error("fragment encode failed", "client", c.ip, "err", err)
			return
		}
		if _, err := s.writer.WriteToUDPAddrPort(pkt, c.Addr()); err != nil {
			slog.Warn("fragment send failed", "client", c.ip, "chunk", chunkIndex, "fragment", i, "err", err)
			return
		}
		s.metrics.FragmentsSent.Add(ctx, 1)

		if i < len(frags)-1 && s.cfg.InterPacketGap > 0 {
			time.Sleep(s.cfg.InterPacketGap)
		}
	}
}

// consumeInterrupt clears a pending interruption flag. When one was pending
// it starts the cooldown window so back-to-back speech bursts cannot chatter
// the pipeline, and counts the abort.
func (s *Server) consumeInterrupt(c *Client) bool {
	if !c.interrupt.CompareAndSwap(true, false) {
		return false
	}
	c.startCooldown(time.Now(), s.cfg.InterruptCooldown)
	s.metrics.Interruptions.Add(context.Background(), 1)
	return true
}

// scanFraudKeywords runs the phonetic flagger over text, counting hits.
func (s *Server) scanFraudKeywords(ctx context.Context, text string) []string {
	if s.flagger == nil {
		return nil
	}
	flags := s.flagger.Scan(text)
	if len(flags) > 0 {
		s.metrics.FlaggedKeywords.Add(ctx, int64(len(flags)))
	}
	return flags
}

// archiveTurn persists one dialogue turn. Failures are logged and otherwise
// ignored — the live conversation never depends on the archive.
func (s *Server) archiveTurn(ctx context.Context, c *Client, role, text string, flags []string) {
	if s.archive == nil {
		return
	}
	err := s.archive.SaveTurn(ctx, archive.Turn{
		ClientIP:        c.ip.String(),
		SessionID:       c.SessionIDHex(),
		Role:            role,
		Text:            text,
		FlaggedKeywords: flags,
	})
	if err != nil {
		slog.Warn("archive write failed", "client", c.ip, "err", err)
	}
}
