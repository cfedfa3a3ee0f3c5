// Package observer mirrors gateway session lifecycle and transcripts to
// WebSocket observers.
//
// An observer connects to the bridge's HTTP endpoint, upgrades to WebSocket,
// and sends a single subscribe message naming the logical client it wants to
// watch:
//
//	{"type": "subscribe", "client_ip": "10.0.0.5"}
//
// From then on the bridge pushes JSON frames of the form
// {"event": ..., "client_ip": ..., "payload": ...}. Observers never receive
// audio.
//
// The binding to a logical client is weak: the bridge looks subscribers up by
// IP at publish time and holds no reference into the gateway, so client reap
// needs no coordination and address migration needs no rebinding work — the
// IP key is unchanged.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event names pushed to observers.
const (
	EventConnected = "connected"
	EventMigrated  = "migrated"
	EventUtterance = "utterance"
	EventReplyText = "reply_text"
	EventReset     = "reset"
	EventReaped    = "reaped"
)

const (
	// subscribeTimeout bounds how long a fresh connection may take to send
	// its subscribe message.
	subscribeTimeout = 10 * time.Second

	// writeTimeout bounds a single event push; a subscriber that cannot keep
	// up is dropped rather than allowed to stall the publisher.
	writeTimeout = 2 * time.Second
)

// subscribeMessage is the first frame an observer must send.
type subscribeMessage struct {
	Type     string `json:"type"`
	ClientIP string `json:"client_ip"`
}

// frame is the JSON envelope pushed to observers.
type frame struct {
	Event    string `json:"event"`
	ClientIP string `json:"client_ip"`
	Payload  any    `json:"payload,omitempty"`
}

// subscriber is one connected observer.
type subscriber struct {
	conn *websocket.Conn
}

// Bridge fans gateway events out to WebSocket observers keyed by logical
// client IP. All methods are safe for concurrent use. The zero value is not
// usable; call [NewBridge].
type Bridge struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{subs: make(map[string]map[*subscriber]struct{})}
}

// ServeHTTP upgrades the request to a WebSocket, waits for the subscribe
// message, and then keeps the connection registered until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("observer: websocket accept failed", "err", err)
		return
	}

	subCtx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	_, msg, err := conn.Read(subCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "subscribe message required")
		return
	}

	var sub subscribeMessage
	if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "subscribe" || sub.ClientIP == "" {
		conn.Close(websocket.StatusPolicyViolation, "invalid subscribe message")
		return
	}

	s := &subscriber{conn: conn}
	b.add(sub.ClientIP, s)
	defer b.remove(sub.ClientIP, s)

	slog.Info("observer subscribed", "client_ip", sub.ClientIP)

	// Drain (and discard) any further messages so pings are answered and the
	// read loop notices the close.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Publish pushes an event for the given logical client IP to every
// subscriber watching it. Subscribers that fail the write are dropped.
// Publishing to an IP with no subscribers is a no-op.
func (b *Bridge) Publish(clientIP, event string, payload any) {
	b.mu.Lock()
	watchers := make([]*subscriber, 0, len(b.subs[clientIP]))
	for s := range b.subs[clientIP] {
		watchers = append(watchers, s)
	}
	b.mu.Unlock()

	if len(watchers) == 0 {
		return
	}

	data, err := json.Marshal(frame{Event: event, ClientIP: clientIP, Payload: payload})
	if err != nil {
		slog.Warn("observer: marshal event failed", "event", event, "err", err)
		return
	}

	for _, s := range watchers {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.conn.Close(websocket.StatusPolicyViolation, "write failed")
			b.remove(clientIP, s)
		}
	}
}

// Close terminates every subscriber connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			s.conn.Close(websocket.StatusGoingAway, "bridge shutting down")
		}
	}
	b.subs = make(map[string]map[*subscriber]struct{})
}

func (b *Bridge) add(ip string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[ip]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[ip] = set
	}
	set[s] = struct{}{}
}

func (b *Bridge) remove(ip string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[ip]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, ip)
	}
}
