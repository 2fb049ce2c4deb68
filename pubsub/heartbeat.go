package pubsub

import (
	"log/slog"
	"sync"
	"time"
)

const DefaultHeartbeatInterval = 30 * time.Second

type beatKey struct {
	hub  *Hub
	peer string
}

type beatEntry struct {
	transport Transport
	onFail    func()
}

// Heartbeat writes a keep-alive line on every registered transport, whatever
// hub it belongs to. It is built once and shared by reference between hubs.
// The ticking goroutine only runs while at least one transport is registered.
type Heartbeat struct {
	mu       sync.Mutex
	log      *slog.Logger
	interval time.Duration
	entries  map[beatKey]beatEntry
	stop     chan struct{}
}

func NewHeartbeat(log *slog.Logger, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		log:      log,
		interval: interval,
		entries:  make(map[beatKey]beatEntry),
	}
}

// Add registers a transport. onFail is called, outside any lock, when a
// keep-alive write fails.
func (b *Heartbeat) Add(hub *Hub, peer string, t Transport, onFail func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[beatKey{hub: hub, peer: peer}] = beatEntry{transport: t, onFail: onFail}
	if b.stop == nil {
		b.stop = make(chan struct{})
		go b.loop(b.stop)
		b.log.Debug("Heartbeat started", "interval", b.interval)
	}
}

// Remove unregisters the transport if it is still the one known for this peer.
func (b *Heartbeat) Remove(hub *Hub, peer string, t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := beatKey{hub: hub, peer: peer}
	if entry, ok := b.entries[key]; ok && entry.transport == t {
		delete(b.entries, key)
	}
	if len(b.entries) == 0 {
		b.halt()
	}
}

// Close stops the ticker and forgets every transport.
func (b *Heartbeat) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.halt()
}

func (b *Heartbeat) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Running reports whether the ticking goroutine is alive.
func (b *Heartbeat) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stop != nil
}

// halt must be called with the lock held.
func (b *Heartbeat) halt() {
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
		b.log.Debug("Heartbeat stopped")
	}
}

func (b *Heartbeat) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.beat()
		}
	}
}

func (b *Heartbeat) beat() {
	b.mu.Lock()
	entries := make([]beatEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	failed := 0
	for _, e := range entries {
		if err := e.transport.Write(KeepAlive); err != nil {
			failed++
			if e.onFail != nil {
				e.onFail()
			}
		}
	}
	if failed > 0 {
		b.log.Debug("Keep-alive write failed", "count", failed)
	}
}
