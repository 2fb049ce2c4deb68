package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"room-relay/domain/event"
	"room-relay/domain/idgen"
	"room-relay/errors"
	"slices"
	"sync"
)

// SignalKind is an internal lifecycle notification of a hub.
type SignalKind string

const (
	SignalRegister   SignalKind = "register"
	SignalUnregister SignalKind = "unregister"
	SignalActive     SignalKind = "active"
	SignalInactive   SignalKind = "inactive"
)

type Signal struct {
	Kind   SignalKind
	PeerID string
}

// Listener receives hub signals. Returning false detaches it.
type Listener func(Signal) bool

type listenerEntry struct {
	id    int
	kinds []SignalKind
	fn    Listener
}

// RegisterOptions drives how a new subscriber is identified.
// LastEventID resumes a previous subscription and replays what it missed.
// PeerID reuses a known identity. Ready decorates the ready event of a fresh one.
type RegisterOptions struct {
	LastEventID string
	PeerID      string
	Ready       func(event.Ready) event.Ready
}

// Hub serves one topic: the global room feed or the signaling channel of a room.
// Every publication is recorded in the history, even with nobody listening,
// so that reconnecting subscribers can catch up.
type Hub struct {
	mu          sync.Mutex
	log         *slog.Logger
	ids         *idgen.Generator
	heartbeat   *Heartbeat
	history     *History
	subscribers map[string]Transport
	listeners   []listenerEntry
	nextID      int
	// pending holds signals in the order the transitions happened under mu.
	pending  []Signal
	draining bool
}

func NewHub(log *slog.Logger, ids *idgen.Generator, heartbeat *Heartbeat, historyLimit int) *Hub {
	return &Hub{
		log:         log,
		ids:         ids,
		heartbeat:   heartbeat,
		history:     NewHistory(historyLimit),
		subscribers: make(map[string]Transport),
	}
}

// AddListener attaches fn to the given signal kinds.
func (h *Hub) AddListener(fn Listener, kinds ...SignalKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners = append(h.listeners, listenerEntry{id: h.nextID, kinds: kinds, fn: fn})
}

func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) Has(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subscribers[peerID]
	return ok
}

// Register attaches a transport and writes either the ready event or the
// replay of missed events followed by a keep-alive line.
func (h *Hub) Register(t Transport, opts RegisterOptions) (*Subscription, error) {
	peerID, lastSeen, err := h.resolve(opts)
	if err != nil {
		return nil, err
	}

	var ready []byte
	if opts.LastEventID == "" {
		if ready, err = h.readyFrame(peerID, opts.Ready); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	previous, replaced := h.subscribers[peerID]
	h.subscribers[peerID] = t
	if ready != nil {
		_ = t.Write(ready)
	} else {
		for r := range h.history.After(lastSeen) {
			if r.SenderID != peerID && (r.TargetID == "" || r.TargetID == peerID) {
				_ = t.Write(Frame(r.EventID, peerID, r.Data))
			}
		}
		_ = t.Write(KeepAlive)
	}
	h.heartbeat.Add(h, peerID, t, func() { h.remove(peerID, t) })
	// The peer is still known to everyone, only its connection changed.
	if !replaced {
		if len(h.subscribers) == 1 {
			h.pending = append(h.pending, Signal{Kind: SignalActive})
		}
		h.pending = append(h.pending, Signal{Kind: SignalRegister, PeerID: peerID})
	}
	h.mu.Unlock()

	if replaced {
		if previous != t {
			previous.Close()
		}
		h.log.Debug("Subscriber replaced by a new connection", "peerId", peerID)
	}
	h.flush()
	return &Subscription{hub: h, peerID: peerID, transport: t}, nil
}

// Unregister closes the connection of a peer, if any.
func (h *Hub) Unregister(peerID string) {
	h.mu.Lock()
	t, ok := h.subscribers[peerID]
	h.mu.Unlock()
	if ok {
		h.remove(peerID, t)
	}
}

// Broadcast delivers payload to every subscriber but senderID.
func (h *Hub) Broadcast(senderID string, payload any) error {
	return h.publish(Record{SenderID: senderID}, payload)
}

// Send delivers payload to targetID only. Nothing is written when the
// target is not connected but the event is still recorded.
func (h *Hub) Send(targetID string, payload any) error {
	return h.publish(Record{TargetID: targetID}, payload)
}

// Close drops every subscriber without emitting signals. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subscribers := h.subscribers
	h.subscribers = make(map[string]Transport)
	h.mu.Unlock()

	for id, t := range subscribers {
		h.heartbeat.Remove(h, id, t)
		t.Close()
	}
}

type failure struct {
	peerID    string
	transport Transport
}

func (h *Hub) publish(r Record, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if r.EventID, err = h.ids.Next(); err != nil {
		return err
	}
	r.Data = data

	var failed []failure
	h.mu.Lock()
	if r.TargetID != "" {
		if t, ok := h.subscribers[r.TargetID]; ok {
			if err := t.Write(Frame(r.EventID, r.TargetID, data)); err != nil {
				failed = append(failed, failure{r.TargetID, t})
			}
		}
	} else {
		for id, t := range h.subscribers {
			if id == r.SenderID {
				continue
			}
			if err := t.Write(Frame(r.EventID, id, data)); err != nil {
				failed = append(failed, failure{id, t})
			}
		}
	}
	h.history.Add(r)
	h.mu.Unlock()

	for _, f := range failed {
		h.log.Debug("Dropping subscriber after write failure", "peerId", f.peerID)
		h.remove(f.peerID, f.transport)
	}
	return nil
}

// remove detaches the peer only if t is still its transport, so that the
// unregister signal fires once per connection.
func (h *Hub) remove(peerID string, t Transport) bool {
	h.mu.Lock()
	current, ok := h.subscribers[peerID]
	if !ok || current != t {
		h.mu.Unlock()
		return false
	}
	delete(h.subscribers, peerID)
	h.heartbeat.Remove(h, peerID, t)
	h.pending = append(h.pending, Signal{Kind: SignalUnregister, PeerID: peerID})
	if len(h.subscribers) == 0 {
		h.pending = append(h.pending, Signal{Kind: SignalInactive})
	}
	h.mu.Unlock()

	t.Close()
	h.flush()
	return true
}

// flush delivers pending signals outside the lock. A single goroutine drains
// at a time; others, and listeners calling back into the hub, leave their
// signals to it.
func (h *Hub) flush() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true

	for len(h.pending) > 0 {
		sig := h.pending[0]
		h.pending = h.pending[1:]
		listeners := slices.Clone(h.listeners)
		h.mu.Unlock()
		h.deliver(sig, listeners)
		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

func (h *Hub) deliver(sig Signal, listeners []listenerEntry) {
	for _, l := range listeners {
		if !slices.Contains(l.kinds, sig.Kind) {
			continue
		}
		if !l.fn(sig) {
			h.removeListener(l.id)
		}
	}
}

func (h *Hub) removeListener(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(l listenerEntry) bool {
		return l.id == id
	})
}

// resolve returns the peer id and, when resuming, the last event id seen.
// A Last-Event-ID is the event id followed by the peer id.
func (h *Hub) resolve(opts RegisterOptions) (string, string, error) {
	if opts.LastEventID != "" {
		last := opts.LastEventID
		if len(last) != 2*idgen.Length {
			return "", "", fmt.Errorf("Last-Event-ID %q: %w", last, errors.ErrValidation)
		}
		peerID := last[idgen.Length:]
		if !idgen.IsValid(peerID) {
			return "", "", fmt.Errorf("Last-Event-ID %q: %w", last, errors.ErrValidation)
		}
		return peerID, last[:idgen.Length], nil
	}
	if opts.PeerID != "" {
		if !idgen.IsValid(opts.PeerID) {
			return "", "", fmt.Errorf("peerId %q: %w", opts.PeerID, errors.ErrValidation)
		}
		return opts.PeerID, "", nil
	}
	id, err := h.ids.Next()
	return id, "", err
}

func (h *Hub) readyFrame(peerID string, decorate func(event.Ready) event.Ready) ([]byte, error) {
	ready := event.NewReady(peerID)
	if decorate != nil {
		ready = decorate(ready)
	}
	data, err := json.Marshal(ready)
	if err != nil {
		return nil, fmt.Errorf("encoding ready event: %w", err)
	}
	eventID, err := h.ids.Next()
	if err != nil {
		return nil, err
	}
	return Frame(eventID, peerID, data), nil
}

// Subscription is the handle of one registered connection.
type Subscription struct {
	hub       *Hub
	peerID    string
	transport Transport
}

func (s *Subscription) PeerID() string {
	return s.peerID
}

// Close unregisters the connection. Calling it after the hub already
// dropped the connection, or more than once, is a no-op.
func (s *Subscription) Close() {
	s.hub.remove(s.peerID, s.transport)
}
