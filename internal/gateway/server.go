// Package gateway implements the real-time duplex audio endpoint at the core
// of the callwarden anti-fraud system.
//
// A fleet of voice clients streams ADPCM-compressed microphone audio to a
// single UDP socket. The gateway demultiplexes clients by remote IP,
// reassembles audio, drives a VAD → ASR → LLM → TTS pipeline per client, and
// streams the synthesized reply back to the originating address as a paced
// sequence of MP3 fragments.
//
// UDP gives no connection identity, no ordering, no MTU safety, and no flow
// control; the structures here exist to present each client with a coherent,
// resumable dialogue session anyway. The central identity decision is that a
// logical client is its remote IP — the source port is a mutable attribute
// that NATs rotate freely.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bbbikngman/callwarden/internal/archive"
	"github.com/bbbikngman/callwarden/internal/observe"
	"github.com/bbbikngman/callwarden/internal/transcript"
	"github.com/bbbikngman/callwarden/pkg/provider/llm"
	"github.com/bbbikngman/callwarden/pkg/provider/stt"
	"github.com/bbbikngman/callwarden/pkg/provider/tts"
	"github.com/bbbikngman/callwarden/pkg/provider/vad"
	"github.com/bbbikngman/callwarden/pkg/wire"
)

// reapInterval is how often the reaper sweeps the registry. The idle window
// itself comes from config; this only bounds the extra time an expired
// client may linger.
const reapInterval = 5 * time.Second

// defaultInterPacketGap spaces consecutive fragments of a chunk to avoid
// kernel-level bursts.
const defaultInterPacketGap = 2 * time.Millisecond

// Config holds the gateway's behaviour knobs, pre-resolved into native types
// by the embedding application.
type Config struct {
	// ListenPort is the UDP port bound for both directions.
	ListenPort int

	// SampleRate and BlockSamples fix the inbound audio framing.
	SampleRate   int
	BlockSamples int

	// SilenceFlush is the sustained-silence window that completes an
	// utterance; MaxUtterance caps its total length.
	SilenceFlush time.Duration
	MaxUtterance time.Duration

	// ReapIdle is the inactivity window after which a client is removed.
	ReapIdle time.Duration

	// InterruptCooldown debounces interruptions after one fires.
	InterruptCooldown time.Duration

	// InterPacketGap spaces consecutive outbound fragments. Zero means the
	// default of 2 ms.
	InterPacketGap time.Duration

	// FragmentBudget is the per-fragment MP3 byte allowance, derived from
	// the configured max datagram size. Zero means the wire maximum (1371).
	FragmentBudget int

	// DialogueHistoryLimit bounds each client's conversation history.
	DialogueHistoryLimit int

	// MaxClients is the registry soft cap; zero means unlimited.
	MaxClients int

	// GreetingText is spoken once per client on first contact.
	GreetingText string

	// LanguageHint, TTSVoiceID, and SystemPrompt parameterise the pipeline.
	LanguageHint string
	TTSVoiceID   string
	SystemPrompt string

	// ErrorText is synthesised at startup into the canned error utterance
	// spoken when TTS fails mid-conversation.
	ErrorText string
}

// Deps are the gateway's injected collaborators. VAD and Metrics are
// required; every other field may be nil for a degraded deployment.
type Deps struct {
	STT     stt.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	VAD     vad.Engine
	Flagger *transcript.Flagger
	Archive archive.Store
	Events  EventSink
	Metrics *observe.Metrics
}

// PacketWriter is the outbound half of the UDP socket. *net.UDPConn
// satisfies it; tests substitute a recorder.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Server is the gateway service object. It owns the registry, the single
// receive loop, the reaper, and the per-client pipeline workers.
type Server struct {
	cfg      Config
	stt      stt.Provider
	llm      llm.Provider
	tts      tts.Provider
	vadEng   vad.Engine
	flagger  *transcript.Flagger
	archive  archive.Store
	events   EventSink
	metrics  *observe.Metrics
	registry *Registry

	conn   *net.UDPConn
	writer PacketWriter

	// baseCtx parents every worker; set once at the top of Run (or by tests).
	baseCtx context.Context

	// listening flips when the socket binds and back when the loop drains;
	// the readiness endpoint reads it from another goroutine.
	listening atomic.Bool

	// errAudio is the canned error utterance, synthesised once at startup.
	errMu    sync.Mutex
	errAudio []byte

	wg sync.WaitGroup
}

// Listening reports whether the UDP socket is bound and the receive loop
// running.
func (s *Server) Listening() bool { return s.listening.Load() }

// ClientCount returns the current registry size.
func (s *Server) ClientCount() int { return s.registry.Len() }

// New validates deps and constructs a Server. The UDP socket is not bound
// until [Server.Run].
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.VAD == nil {
		return nil, errors.New("gateway: VAD engine is required")
	}
	if deps.Metrics == nil {
		return nil, errors.New("gateway: metrics are required")
	}
	if cfg.InterPacketGap == 0 {
		cfg.InterPacketGap = defaultInterPacketGap
	}
	if cfg.BlockSamples <= 0 {
		return nil, fmt.Errorf("gateway: block samples %d must be positive", cfg.BlockSamples)
	}

	events := deps.Events
	if events == nil {
		events = nopSink{}
	}

	s := &Server{
		cfg:     cfg,
		stt:     deps.STT,
		llm:     deps.LLM,
		tts:     deps.TTS,
		vadEng:  deps.VAD,
		flagger: deps.Flagger,
		archive: deps.Archive,
		events:  events,
		metrics: deps.Metrics,
		baseCtx: context.Background(),
	}
	s.registry = NewRegistry(cfg.MaxClients, s.buildClient)
	return s, nil
}

// buildClient is the registry's client factory.
func (s *Server) buildClient(ip netip.Addr, addr netip.AddrPort) (*Client, error) {
	vadSess, err := s.vadEng.NewSession(vad.Config{
		SampleRate:   s.cfg.SampleRate,
		BlockSamples: s.cfg.BlockSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: create VAD session: %w", err)
	}

	blockDur := time.Duration(s.cfg.BlockSamples) * time.Second / time.Duration(s.cfg.SampleRate)
	silenceBlocks := int(s.cfg.SilenceFlush / blockDur)
	if silenceBlocks < 1 {
		silenceBlocks = 1
	}
	maxSamples := int(s.cfg.MaxUtterance.Seconds() * float64(s.cfg.SampleRate))

	trigger := NewTriggerBuffer(TriggerConfig{
		SilenceBlocks: silenceBlocks,
		MaxSamples:    maxSamples,
		PreRollBlocks: 5,
	})
	return newClient(ip, addr, vadSess, trigger, s.cfg.DialogueHistoryLimit), nil
}

// PrepareCannedAudio synthesises the configured error text so TTS failures
// mid-conversation can fall back to a cached utterance. Best-effort: when
// synthesis fails the gateway runs without a canned fallback.
func (s *Server) PrepareCannedAudio(ctx context.Context) {
	if s.tts == nil || s.cfg.ErrorText == "" {
		return
	}
	mp3, err := s.tts.Synthesize(ctx, s.cfg.ErrorText, s.cfg.TTSVoiceID)
	if err != nil {
		slog.Warn("canned error audio synthesis failed", "err", err)
		return
	}
	s.errMu.Lock()
	s.errAudio = mp3
	s.errMu.Unlock()
	slog.Info("canned error audio cached", "bytes", len(mp3))
}

// cannedErrorAudio returns the cached error utterance, or nil.
func (s *Server) cannedErrorAudio() []byte {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.errAudio
}

// Run binds the UDP socket and drives the receive loop until ctx is
// cancelled. A bind failure is fatal and returned immediately; afterwards no
// single datagram can fault the loop.
func (s *Server) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("gateway: bind udp port %d: %w", s.cfg.ListenPort, err)
	}
	s.conn = conn
	s.writer = conn
	s.baseCtx = ctx
	s.listening.Store(true)
	defer s.listening.Store(false)

	// Unblock the blocking read when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.wg.Add(1)
	go s.runReaper(ctx)

	slog.Info("gateway listening", "port", s.cfg.ListenPort)

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return ctx.Err()
			}
			slog.Warn("udp read error", "err", err)
			continue
		}
		// handleDatagram runs to completion before the buffer is reused; no
		// payload bytes are retained past the call.
		s.handleDatagram(time.Now(), buf[:n], from)
	}
}

// drain stops every worker and waits for background goroutines.
func (s *Server) drain() {
	for _, c := range s.registry.RemoveAll() {
		c.stopWorker()
	}
	s.wg.Wait()
}

// runReaper periodically removes idle clients.
func (s *Server) runReaper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapOnce(now)
		}
	}
}

// reapOnce removes clients idle past the window and tears them down. Reaping
// cancels any in-flight worker; the per-client derived structures share the
// client's lifetime exactly and are released with it.
func (s *Server) reapOnce(now time.Time) {
	for _, c := range s.registry.Reap(now, s.cfg.ReapIdle) {
		c.stopWorker()
		s.metrics.Reaps.Add(context.Background(), 1)
		s.metrics.ActiveClients.Add(context.Background(), -1)
		s.events.Publish(c.ip.String(), EventReaped, nil)
		slog.Info("client reaped", "client", c.ip, "idle", now.Sub(c.idleSince()))
	}
}

// handleDatagram decodes and dispatches one datagram. It is hardened to
// never fault: malformed input is counted and dropped with no state change,
// and unknown types are counted and dropped.
func (s *Server) handleDatagram(now time.Time, data []byte, from netip.AddrPort) {
	ctx := s.baseCtx

	typ, payload, err := wire.Decode(data)
	if err != nil {
		s.metrics.MalformedPackets.Add(ctx, 1)
		return
	}
	if !typ.IsValid() {
		s.metrics.UnknownPackets.Add(ctx, 1)
		return
	}
	s.metrics.RecordPacket(ctx, typ.String())

	switch typ {
	case wire.TypeHello:
		s.handleHello(now, from)
	case wire.TypeADPCM:
		s.handleAudio(now, from, payload)
	case wire.TypeReset:
		s.handleReset(now, from)
	default:
		// TTS packet types are server→client only; a client echoing them
		// back is a protocol violation, dropped like any unknown type.
		s.metrics.UnknownPackets.Add(ctx, 1)
	}
}

// observe resolves a datagram source to its client, handling creation,
// migration, and the soft cap uniformly for every inbound packet type.
func (s *Server) observe(now time.Time, from netip.AddrPort) *Client {
	c, created, migrated, err := s.registry.Observe(from)
	if err != nil {
		if errors.Is(err, ErrRegistryFull) {
			s.metrics.RejectedClients.Add(s.baseCtx, 1)
		} else {
			slog.Warn("client creation failed", "from", from, "err", err)
		}
		return nil
	}

	c.touch(now)

	if created {
		s.metrics.ActiveClients.Add(s.baseCtx, 1)
		s.events.Publish(c.ip.String(), EventConnected, map[string]any{
			"port":    from.Port(),
			"session": c.SessionIDHex(),
		})
		slog.Info("client connected", "client", c.ip, "port", from.Port(), "session", c.SessionIDHex())
	} else if migrated {
		s.metrics.Migrations.Add(s.baseCtx, 1)
		s.events.Publish(c.ip.String(), EventMigrated, map[string]any{"port": from.Port()})
		slog.Info("client address migrated", "client", c.ip, "port", from.Port())
	}
	return c
}

// handleHello registers the client and enqueues the one-time greeting.
func (s *Server) handleHello(now time.Time, from netip.AddrPort) {
	c := s.observe(now, from)
	if c == nil {
		return
	}
	s.greetIfNew(c)
}

// handleAudio decodes ADPCM audio, feeds VAD and the trigger buffer, and
// hands completed utterances to the client's pipeline worker.
func (s *Server) handleAudio(now time.Time, from netip.AddrPort, payload []byte) {
	c := s.observe(now, from)
	if c == nil {
		return
	}
	s.greetIfNew(c)

	samples, err := c.decoder.Decode(payload)
	if err != nil {
		// Decoder state is untouched on error; the stream continues with
		// the next packet.
		s.metrics.CodecErrors.Add(s.baseCtx, 1)
		return
	}

	// Cut the decoded stream into fixed VAD blocks, carrying any remainder
	// to the next datagram.
	c.pcmResidue = append(c.pcmResidue, samples...)
	block := s.cfg.BlockSamples
	for len(c.pcmResidue) >= block {
		b := c.pcmResidue[:block]
		c.pcmResidue = c.pcmResidue[block:]

		speech := c.vadSess.IsSpeech(b)
		if utterance := c.trigger.Push(b, speech); utterance != nil {
			s.dispatchUtterance(now, c, utterance)
		}
	}
	if len(c.pcmResidue) == 0 {
		c.pcmResidue = nil
	}
}

// dispatchUtterance hands a completed utterance to the client's worker.
//
// If the worker is already past generating — synthesising or sending a
// reply — the fresh speech is an interruption: the flag is raised (subject
// to the cooldown) and the worker aborts at its next check. In every case
// the utterance goes into the single-slot channel, superseding any stale
// queued one.
func (s *Server) dispatchUtterance(now time.Time, c *Client, utterance []float32) {
	st := c.state.Load()
	if (st == stateSynthesizing || st == stateSending) && !c.inCooldown(now) {
		c.interrupt.Store(true)
	}

	s.ensureWorker(c)
	if c.offerJob(job{pcm: utterance}) {
		s.metrics.Supersessions.Add(s.baseCtx, 1)
		slog.Debug("queued utterance superseded", "client", c.ip)
	}
}

// greetIfNew enqueues the greeting exactly once per client lifetime.
func (s *Server) greetIfNew(c *Client) {
	if !c.markWelcomed() {
		return
	}
	s.metrics.Greetings.Add(s.baseCtx, 1)
	s.ensureWorker(c)
	c.offerJob(job{greeting: true})
}

// handleReset implements CONTROL_RESET: dialogue and trigger state are
// dropped while the decoder state and welcome flag survive, so the audio
// stream continues seamlessly and no second greeting is emitted.
func (s *Server) handleReset(now time.Time, from netip.AddrPort) {
	c := s.registry.Lookup(from.Addr())
	if c == nil {
		return
	}
	c.touch(now)
	c.migrate(from)
	c.resetDialogue()
	s.events.Publish(c.ip.String(), EventReset, nil)
	slog.Info("client session reset", "client", c.ip)
}

// ensureWorker starts the client's pipeline worker on first use.
func (s *Server) ensureWorker(c *Client) {
	c.workerOnce.Do(func() {
		ctx, cancel := context.WithCancel(s.baseCtx)
		c.mu.Lock()
		c.workerCancel = cancel
		c.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(ctx, c)
		}()
	})
}
