// Package archive persists finished dialogue turns for after-the-fact fraud
// analysis.
//
// The archive is strictly write-only at runtime: the gateway never reads it
// back, so the service stays stateless across restarts. When no store is
// configured the gateway runs without one — archiving is evidence retention,
// not a dependency of the call path.
package archive

import "context"

// Turn is one archived dialogue turn.
type Turn struct {
	// ClientIP is the logical client's IP address.
	ClientIP string

	// SessionID is the client's opaque session identifier, hex-encoded.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Text is the transcript or reply text.
	Text string

	// FlaggedKeywords lists the fraud indicators matched in this turn, if any.
	FlaggedKeywords []string
}

// Store persists dialogue turns. Implementations must be safe for concurrent
// use; one write may be in flight per active client.
type Store interface {
	// SaveTurn persists one turn. Failures should be treated as best-effort
	// by the caller: the live conversation continues regardless.
	SaveTurn(ctx context.Context, t Turn) error

	// Ping verifies the store is reachable. Used by the readiness endpoint.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
