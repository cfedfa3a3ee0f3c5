package gateway

import (
	"context"
	"encoding/hex"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bbbikngman/callwarden/internal/dialogue"
	"github.com/bbbikngman/callwarden/pkg/adpcm"
	"github.com/bbbikngman/callwarden/pkg/provider/vad"
	"github.com/bbbikngman/callwarden/pkg/wire"
)

// Worker pipeline states. The receive loop reads the state atomically to
// decide between supersession (worker not yet past generating) and
// interruption (worker already synthesising or sending).
const (
	stateIdle int32 = iota
	stateTranscribing
	stateGenerating
	stateSynthesizing
	stateSending
)

// job is one unit of pipeline work handed to a client's worker through its
// single-slot channel.
type job struct {
	// pcm is the complete utterance. Nil for a greeting job.
	pcm []float32

	// greeting skips ASR and LLM and speaks the configured greeting.
	greeting bool
}

// Client is the durable server-side identity of one caller, keyed by remote
// IP. The source port is a mutable attribute: NAT devices rotate it freely,
// and the dialogue must not restart because of that.
//
// Field discipline: addr, welcomed, and lastActivity are guarded by mu and
// touched by the receive loop (plus the reaper, read-only). The decoder,
// VAD session, trigger buffer, and pcm residue are owned exclusively by the
// receive loop. The worker owns the pipeline stages; the cross-goroutine
// signals (state, interrupt, chunk counter, cooldown) are atomics.
type Client struct {
	ip netip.Addr

	mu           sync.Mutex
	addr         netip.AddrPort
	welcomed     bool
	lastActivity time.Time

	sessionID [wire.SessionIDSize]byte

	// Receive-loop-owned audio state.
	decoder    adpcm.Decoder
	encoder    adpcm.Encoder // outbound direction
	vadSess    vad.Session
	trigger    *TriggerBuffer
	pcmResidue []float32

	history *dialogue.History

	// chunkCounter is the most recently assigned reply chunk index. The
	// worker assigns counter+1 to each new chunk; fragments of lower indexes
	// are superseded.
	chunkCounter atomic.Uint32

	// interrupt is set by the receive loop when fresh speech arrives while
	// the worker is past generating; the worker polls it at every state
	// transition and between fragments.
	interrupt atomic.Bool

	// cooldownUntil (unix nanos) debounces interruptions.
	cooldownUntil atomic.Int64

	// state is the worker's current pipeline stage.
	state atomic.Int32

	// jobs is the single-slot utterance channel. A queued job is overwritten
	// by a fresher one — audio is realtime and stale utterances must never
	// be spoken.
	jobs chan job

	// Worker lifecycle.
	workerOnce   sync.Once
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// newClient constructs a client with a fresh session identity. vadSess and
// trigger are supplied by the registry's factory so the engine and sizing
// stay configurable.
func newClient(ip netip.Addr, addr netip.AddrPort, vadSess vad.Session, trigger *TriggerBuffer, historyLimit int) *Client {
	c := &Client{
		ip:           ip,
		addr:         addr,
		lastActivity: time.Now(),
		vadSess:      vadSess,
		trigger:      trigger,
		history:      dialogue.New(historyLimit),
		jobs:         make(chan job, 1),
		workerDone:   make(chan struct{}),
	}
	c.sessionID = [wire.SessionIDSize]byte(uuid.New())
	return c
}

// IP returns the client's logical identity.
func (c *Client) IP() netip.Addr { return c.ip }

// SessionIDHex returns the session identifier in hex for logs, observer
// payloads, and the archive.
func (c *Client) SessionIDHex() string {
	return hex.EncodeToString(c.sessionID[:])
}

// Addr returns the most recently observed remote address.
func (c *Client) Addr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// touch updates the activity timestamp.
func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// idleSince reports the last activity timestamp.
func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// markWelcomed flips the welcome flag, returning true exactly once per
// client lifetime.
func (c *Client) markWelcomed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcomed {
		return false
	}
	c.welcomed = true
	return true
}

// migrate updates the observed address. Returns true when the port actually
// changed. Every other field — session, dialogue, codec state, welcome flag —
// is untouched: migration is a metadata update, not a session rebuild.
func (c *Client) migrate(addr netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr == addr {
		return false
	}
	c.addr = addr
	return true
}

// offerJob places j in the single-slot channel, overwriting any queued job.
// Returns true when an older queued job was superseded.
func (c *Client) offerJob(j job) (superseded bool) {
	for {
		select {
		case c.jobs <- j:
			return superseded
		default:
		}
		select {
		case <-c.jobs:
			superseded = true
		default:
		}
	}
}

// drainJobs discards any queued job. Used on reset and reap.
func (c *Client) drainJobs() {
	select {
	case <-c.jobs:
	default:
	}
}

// inCooldown reports whether interruption is currently debounced.
func (c *Client) inCooldown(now time.Time) bool {
	return now.UnixNano() < c.cooldownUntil.Load()
}

// startCooldown debounces further interruptions for d.
func (c *Client) startCooldown(now time.Time, d time.Duration) {
	c.cooldownUntil.Store(now.Add(d).UnixNano())
}

// resetDialogue implements CONTROL_RESET: the dialogue history, trigger
// buffer, residue, and any queued job are dropped, while the decoder state
// and welcome flag survive so the audio stream continues seamlessly and the
// greeting is not repeated.
func (c *Client) resetDialogue() {
	c.history.Reset()
	c.trigger.Reset()
	c.vadSess.Reset()
	c.pcmResidue = nil
	c.drainJobs()
}

// stopWorker cancels the worker (if ever started) and waits for it to exit.
func (c *Client) stopWorker() {
	c.mu.Lock()
	cancel := c.workerCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-c.workerDone
	}
}
