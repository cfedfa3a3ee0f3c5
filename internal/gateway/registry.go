package gateway

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// ErrRegistryFull is returned by [Registry.Observe] when a new IP arrives
// while the registry is at its soft cap. Existing clients are unaffected;
// room opens up when the reaper runs.
var ErrRegistryFull = errors.New("gateway: client registry at capacity")

// Registry maps remote IP addresses to logical clients.
//
// Identity is the IP alone — never (IP, port). UDP source ports rotate
// per-datagram on some operating systems, and using them as identity yields
// spurious "new client" events and duplicated greetings. The port lives on
// the client as a mutable attribute updated by address migration.
//
// The registry lock guards only the map; it is never held across pipeline
// work. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	clients    map[netip.Addr]*Client
	maxClients int
	newClient  func(ip netip.Addr, addr netip.AddrPort) (*Client, error)
}

// NewRegistry creates a registry with the given soft cap and client factory.
func NewRegistry(maxClients int, factory func(ip netip.Addr, addr netip.AddrPort) (*Client, error)) *Registry {
	return &Registry{
		clients:    make(map[netip.Addr]*Client),
		maxClients: maxClients,
		newClient:  factory,
	}
}

// Observe resolves the source address of a datagram to its logical client.
//
// An unknown IP creates a fresh client (welcomed=false, new session id).
// A known IP whose port differs triggers address migration: the stored
// address is updated and every other field is preserved. Migration is
// observable only through logs and the observer bridge; no packet is
// emitted.
func (r *Registry) Observe(addr netip.AddrPort) (c *Client, created, migrated bool, err error) {
	ip := addr.Addr()

	r.mu.Lock()
	c, ok := r.clients[ip]
	if !ok {
		if r.maxClients > 0 && len(r.clients) >= r.maxClients {
			r.mu.Unlock()
			return nil, false, false, ErrRegistryFull
		}
		c, err = r.newClient(ip, addr)
		if err != nil {
			r.mu.Unlock()
			return nil, false, false, err
		}
		r.clients[ip] = c
		r.mu.Unlock()
		return c, true, false, nil
	}
	r.mu.Unlock()

	// Migration happens outside the registry lock; the client has its own.
	migrated = c.migrate(addr)
	return c, false, migrated, nil
}

// Lookup returns the client for ip, or nil.
func (r *Registry) Lookup(ip netip.Addr) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[ip]
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Reap removes every client idle longer than window and returns them. The
// caller owns teardown (cancelling workers, observer events) so the registry
// lock stays short.
func (r *Registry) Reap(now time.Time, window time.Duration) []*Client {
	r.mu.Lock()
	var reaped []*Client
	for ip, c := range r.clients {
		if now.Sub(c.idleSince()) > window {
			delete(r.clients, ip)
			reaped = append(reaped, c)
		}
	}
	r.mu.Unlock()
	return reaped
}

// RemoveAll empties the registry and returns every client for teardown.
func (r *Registry) RemoveAll() []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for ip, c := range r.clients {
		out = append(out, c)
		delete(r.clients, ip)
	}
	r.mu.Unlock()
	return out
}

// Remove destroys the client record for ip — including its welcome flag —
// and returns it for teardown. Returns nil when the IP is unknown.
func (r *Registry) Remove(ip netip.Addr) *Client {
	r.mu.Lock()
	c := r.clients[ip]
	delete(r.clients, ip)
	r.mu.Unlock()
	return c
}
