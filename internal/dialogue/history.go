// Package dialogue maintains the bounded per-client conversation history fed
// to the LLM on each reply turn.
package dialogue

import (
	"sync"

	"github.com/bbbikngman/callwarden/pkg/provider/llm"
)

// RoleUser and RoleAssistant are the two roles a dialogue turn can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// History is an ordered sequence of (role, text) turns with a bounded
// capacity. When the capacity is exceeded the oldest turns are evicted, so
// the model always sees the most recent window of the conversation.
//
// Each History is owned by exactly one logical client but is touched by both
// the receive loop (reset) and that client's pipeline worker (append/read),
// so all methods are safe for concurrent use.
type History struct {
	mu    sync.Mutex
	turns []llm.Message
	limit int
}

// New creates a History retaining at most limit turns. A non-positive limit
// falls back to 50.
func New(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{
		turns: make([]llm.Message, 0, limit),
		limit: limit,
	}
}

// Append adds a turn and evicts the oldest entries past the limit.
func (h *History) Append(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, llm.Message{Role: role, Content: text})
	if len(h.turns) > h.limit {
		// Copy to a fresh backing array so evicted turns do not pin memory
		// for the lifetime of the client.
		keep := h.turns[len(h.turns)-h.limit:]
		fresh := make([]llm.Message, len(keep), h.limit)
		copy(fresh, keep)
		h.turns = fresh
	}
}

// Messages returns a copy of the current turns in chronological order.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Reset discards all turns. The capacity limit is unchanged.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = h.turns[:0]
}
