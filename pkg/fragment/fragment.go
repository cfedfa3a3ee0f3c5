// Package fragment splits TTS reply chunks into sub-MTU wire fragments and,
// on the client side, reassembles them.
//
// A chunk is one complete MP3 reply turn. [Split] produces its fragments in
// index order, each within the [wire.MaxFragmentPayload] budget. [Assembler]
// collects fragments keyed by (session, chunk) and emits the reconstructed
// chunk exactly once; incomplete chunks are dropped after a timeout and a
// newer chunk for the same session supersedes any older one still pending.
// A partially assembled chunk is never emitted.
package fragment

import (
	"sync"
	"time"

	"github.com/bbbikngman/callwarden/pkg/wire"
)

// Fragment is one wire-ready slice of a chunk.
type Fragment struct {
	Header wire.FragmentHeader
	Data   []byte
}

// Split cuts mp3 into ⌈len(mp3)/budget⌉ fragments stamped with sessionID and
// chunkIndex. budget is the per-fragment MP3 byte allowance; values outside
// (0, wire.MaxFragmentPayload] are clamped to [wire.MaxFragmentPayload]. The
// fragments are returned in index order; Data fields alias mp3. An empty
// input yields nil.
func Split(mp3 []byte, sessionID [wire.SessionIDSize]byte, chunkIndex uint32, budget int) []Fragment {
	if len(mp3) == 0 {
		return nil
	}
	if budget <= 0 || budget > wire.MaxFragmentPayload {
		budget = wire.MaxFragmentPayload
	}
	count := (len(mp3) + budget - 1) / budget
	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * budget
		end := min(start+budget, len(mp3))
		frags = append(frags, Fragment{
			Header: wire.FragmentHeader{
				SessionID:     sessionID,
				ChunkIndex:    chunkIndex,
				FragmentIndex: uint16(i),
				FragmentCount: uint16(count),
			},
			Data: mp3[start:end],
		})
	}
	return frags
}

// Encode frames a fragment as a complete [wire.TypeTTSMP3Fragment] datagram.
func Encode(f Fragment) ([]byte, error) {
	payload := make([]byte, 0, wire.FragmentHeaderSize+len(f.Data))
	payload = f.Header.AppendTo(payload)
	payload = append(payload, f.Data...)
	return wire.Encode(wire.TypeTTSMP3Fragment, payload)
}

// defaultTimeout is how long an incomplete chunk may wait for its missing
// fragments before being dropped.
const defaultTimeout = 5 * time.Second

// Stats reports the assembler's drop accounting, surfaced so the two loss
// policies (timeout vs supersession) can be tuned independently.
type Stats struct {
	// Completed counts chunks fully reassembled and emitted.
	Completed uint64

	// TimedOut counts pending chunks dropped because their window elapsed.
	TimedOut uint64

	// Superseded counts pending chunks evicted by a newer chunk index for the
	// same session.
	Superseded uint64

	// LateFragments counts fragments discarded because their chunk index was
	// already superseded or completed.
	LateFragments uint64
}

// chunkKey identifies one in-flight chunk.
type chunkKey struct {
	session [wire.SessionIDSize]byte
	chunk   uint32
}

// pending is a partially received chunk.
type pending struct {
	fragments map[uint16][]byte
	count     uint16
	started   time.Time
}

// Assembler reconstructs chunks from fragments on the client side. All
// methods are safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	pending map[chunkKey]*pending
	// highWater tracks the highest chunk index seen (completed or pending)
	// per session; fragments at or below it for non-pending chunks are late.
	highWater map[[wire.SessionIDSize]byte]uint32
	timeout   time.Duration
	now       func() time.Time
	stats     Stats
}

// Option is a functional option for configuring an [Assembler].
type Option func(*Assembler)

// WithTimeout overrides the incomplete-chunk timeout. Default: 5 s.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.timeout = d }
}

// withClock substitutes the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an empty [Assembler].
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		pending:   make(map[chunkKey]*pending),
		highWater: make(map[[wire.SessionIDSize]byte]uint32),
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add feeds one fragment into the assembler. When the fragment completes its
// chunk the reconstructed bytes are returned with ok=true; otherwise the
// return is (nil, false). Duplicate fragments are idempotent.
//
// Supersession policy: a fragment whose chunk index is newer than any pending
// chunk of the same session evicts those older chunks; a fragment at or below
// the session's high-water mark with no pending entry is dropped as late.
func (a *Assembler) Add(h wire.FragmentHeader, data []byte) ([]byte, bool) {
	if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.evictExpired(now)

	key := chunkKey{session: h.SessionID, chunk: h.ChunkIndex}
	p, exists := a.pending[key]

	if !exists {
		if hw, ok := a.highWater[h.SessionID]; ok && h.ChunkIndex <= hw {
			// Chunk already completed or superseded; this fragment is late.
			a.stats.LateFragments++
			return nil, false
		}
		// Newer chunk: evict any older pending chunks for this session.
		for k := range a.pending {
			if k.session == h.SessionID && k.chunk < h.ChunkIndex {
				delete(a.pending, k)
				a.stats.Superseded++
			}
		}
		a.highWater[h.SessionID] = h.ChunkIndex
		p = &pending{
			fragments: make(map[uint16][]byte, h.FragmentCount),
			count:     h.FragmentCount,
			started:   now,
		}
		a.pending[key] = p
	}

	if _, dup := p.fragments[h.FragmentIndex]; !dup {
		buf := make([]byte, len(data))
		copy(buf, data)
		p.fragments[h.FragmentIndex] = buf
	}

	if len(p.fragments) < int(p.count) {
		return nil, false
	}

	// All fragments present: reassemble in index order.
	var total int
	for _, f := range p.fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for i := uint16(0); i < p.count; i++ {
		out = append(out, p.fragments[i]...)
	}
	delete(a.pending, key)
	a.stats.Completed++
	return out, true
}

// Stats returns a snapshot of the drop accounting.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// evictExpired drops pending chunks older than the timeout. Must be called
// with a.mu held.
func (a *Assembler) evictExpired(now time.Time) {
	for k, p := range a.pending {
		if now.Sub(p.started) > a.timeout {
			delete(a.pending, k)
			a.stats.TimedOut++
		}
	}
}
