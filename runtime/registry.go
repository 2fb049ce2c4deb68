package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"room-relay/auth"
	"room-relay/contract"
	"room-relay/domain"
	"room-relay/domain/event"
	"room-relay/domain/idgen"
	"room-relay/errors"
	"room-relay/pubsub"
	"room-relay/storage"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// RoomRegistry owns the rooms known to the process and the global feed.
// Rooms are hydrated from the backend on first access.
type RoomRegistry struct {
	mu            sync.Mutex
	log           *slog.Logger
	ids           *idgen.Generator
	heartbeat     *pubsub.Heartbeat
	historyLimit  int
	backend       *storage.Backend[domain.Record]
	index         contract.IRoomIndex
	notifications *pubsub.Hub
	rooms         map[string]domain.Room
	now           func() time.Time
}

// NewRoomRegistry wires a registry. index may be nil to disable search.
func NewRoomRegistry(
	log *slog.Logger,
	ids *idgen.Generator,
	heartbeat *pubsub.Heartbeat,
	backend *storage.Backend[domain.Record],
	index contract.IRoomIndex,
	historyLimit int,
) *RoomRegistry {
	return &RoomRegistry{
		log:           log,
		ids:           ids,
		heartbeat:     heartbeat,
		historyLimit:  historyLimit,
		backend:       backend,
		index:         index,
		notifications: pubsub.NewHub(log.With("hub", "rooms"), ids, heartbeat, historyLimit),
		rooms:         make(map[string]domain.Room),
		now:           time.Now,
	}
}

// Notifications is the global feed of room lifecycle events.
func (r *RoomRegistry) Notifications() *pubsub.Hub {
	return r.notifications
}

func (r *RoomRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *RoomRegistry) Create(ctx context.Context, name, description, password string) (domain.Room, error) {
	id, err := r.ids.Next()
	if err != nil {
		return domain.Room{}, err
	}
	hash, salt, err := auth.NewPasswordHash(password)
	if err != nil {
		return domain.Room{}, err
	}
	room := domain.NewRoom(id, name, description, hash, salt, r.now(), r.newHub(id))

	if err := r.backend.Set(ctx, id, room.ToRecord()); err != nil {
		return domain.Room{}, fmt.Errorf("creating room %s: %w", id, err)
	}

	r.wire(room)
	r.mu.Lock()
	r.rooms[id] = room
	r.mu.Unlock()

	r.reindex(room)
	r.log.Info("Room created", "roomId", id)
	return room, nil
}

// GetByID returns the live room, loading it from the backend when needed.
// Ids that are not well formed are never looked up.
func (r *RoomRegistry) GetByID(ctx context.Context, id string) (domain.Room, error) {
	if !idgen.IsValid(id) {
		return domain.Room{}, fmt.Errorf("room %q: %w", id, errors.ErrNotFound)
	}
	if room, ok := r.lookup(id); ok {
		return room, nil
	}

	rec, found, err := r.backend.Get(ctx, id)
	if err != nil {
		return domain.Room{}, err
	}
	if !found {
		return domain.Room{}, fmt.Errorf("room %s: %w", id, errors.ErrNotFound)
	}
	hydrated, err := domain.FromRecord(rec, r.newHub(id))
	if err != nil {
		return domain.Room{}, fmt.Errorf("%v: %w", err, errors.ErrBackend)
	}
	r.wire(hydrated)

	r.mu.Lock()
	// Someone else hydrated it meanwhile.
	if room, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return room, nil
	}
	r.rooms[id] = hydrated
	r.mu.Unlock()

	r.reindex(hydrated)
	r.log.Debug("Room hydrated", "roomId", id)
	return hydrated, nil
}

// Update replaces the editable fields of a room. When the write fails the
// previous value is restored, unless the room changed again meanwhile.
func (r *RoomRegistry) Update(ctx context.Context, id, name, description, password, updaterID string) (domain.Room, error) {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return domain.Room{}, err
	}
	hash, salt, err := auth.NewPasswordHash(password)
	if err != nil {
		return domain.Room{}, err
	}
	next := room.WithUpdatedFields(name, description, hash, salt, r.now())

	r.mu.Lock()
	r.rooms[id] = next
	r.mu.Unlock()

	if err := r.backend.Set(ctx, id, next.ToRecord()); err != nil {
		r.mu.Lock()
		if r.rooms[id] == next {
			r.rooms[id] = room
		}
		r.mu.Unlock()
		return domain.Room{}, fmt.Errorf("updating room %s: %w", id, err)
	}

	update := event.NewUpdate(next.View())
	if err := r.notifications.Broadcast("", update); err != nil {
		r.log.Warn("Broadcasting room update failed", "roomId", id, "error", err)
	}
	if err := next.Signals().Broadcast(updaterID, update); err != nil {
		r.log.Warn("Broadcasting room update failed", "roomId", id, "error", err)
	}
	r.reindex(next)
	return next, nil
}

// ActiveRooms lists rooms with at least one connected peer, most recently modified first.
func (r *RoomRegistry) ActiveRooms() []event.RoomView {
	r.mu.Lock()
	rooms := lo.Values(r.rooms)
	r.mu.Unlock()

	active := lo.Filter(rooms, func(room domain.Room, _ int) bool {
		return room.Players() > 0
	})
	slices.SortFunc(active, func(a, b domain.Room) int {
		if c := b.ModifiedAt().Compare(a.ModifiedAt()); c != 0 {
			return c
		}
		return strings.Compare(b.ID(), a.ID())
	})
	return lo.Map(active, func(room domain.Room, _ int) event.RoomView {
		return room.View()
	})
}

// Preload hydrates every room the store can list, so that search sees them.
// Stores that cannot list keys are skipped.
func (r *RoomRegistry) Preload(ctx context.Context) (int, error) {
	lister, ok := r.backend.Store().(storage.Lister)
	if !ok {
		return 0, nil
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing rooms: %v: %w", err, errors.ErrBackend)
	}
	loaded := 0
	for _, key := range lo.Filter(keys, func(key string, _ int) bool { return idgen.IsValid(key) }) {
		if _, err := r.GetByID(ctx, key); err != nil {
			r.log.Warn("Skipping room", "roomId", key, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Close drops every connection, global feed included.
func (r *RoomRegistry) Close() {
	r.mu.Lock()
	rooms := lo.Values(r.rooms)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Signals().Close()
	}
	r.notifications.Close()
}

func (r *RoomRegistry) newHub(id string) *pubsub.Hub {
	return pubsub.NewHub(r.log.With("roomId", id), r.ids, r.heartbeat, r.historyLimit)
}

func (r *RoomRegistry) lookup(id string) (domain.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// current returns the registered room only while it still owns hub.
// A listener left on a replaced hub uses it to detach itself.
func (r *RoomRegistry) current(id string, hub *pubsub.Hub) (domain.Room, bool) {
	room, ok := r.lookup(id)
	if !ok || room.Signals() != hub {
		return domain.Room{}, false
	}
	return room, true
}

// wire connects the signaling hub of a room to the room feed, the global feed and the backend.
// It runs before the room is reachable, so no signal can be missed.
func (r *RoomRegistry) wire(room domain.Room) {
	id, hub := room.ID(), room.Signals()

	hub.AddListener(func(sig pubsub.Signal) bool {
		if _, ok := r.current(id, hub); !ok {
			return false
		}
		var payload event.Peer
		if sig.Kind == pubsub.SignalRegister {
			payload = event.NewJoin(sig.PeerID)
		} else {
			payload = event.NewLeave(sig.PeerID)
		}
		if err := hub.Broadcast(sig.PeerID, payload); err != nil {
			r.log.Warn("Broadcasting peer event failed", "roomId", id, "kind", payload.Type, "error", err)
		}
		return true
	}, pubsub.SignalRegister, pubsub.SignalUnregister)

	hub.AddListener(func(sig pubsub.Signal) bool {
		current, ok := r.current(id, hub)
		if !ok {
			return false
		}
		var payload event.RoomChanged
		if sig.Kind == pubsub.SignalActive {
			payload = event.NewActive(current.View())
		} else {
			payload = event.NewInactive(current.View())
		}
		if err := r.notifications.Broadcast("", payload); err != nil {
			r.log.Warn("Broadcasting room event failed", "roomId", id, "kind", payload.Type, "error", err)
		}
		return true
	}, pubsub.SignalActive, pubsub.SignalInactive)

	hub.AddListener(func(pubsub.Signal) bool {
		touched, ok := r.touch(id, hub)
		if !ok {
			return false
		}
		r.persistLater(touched)
		if view := touched.View(); view.Players > 0 {
			if err := r.notifications.Broadcast("", event.NewUpdate(view)); err != nil {
				r.log.Warn("Broadcasting room update failed", "roomId", id, "error", err)
			}
		}
		return true
	}, pubsub.SignalRegister, pubsub.SignalUnregister)
}

// touch bumps the modification date of the room owning hub.
func (r *RoomRegistry) touch(id string, hub *pubsub.Hub) (domain.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok || room.Signals() != hub {
		return domain.Room{}, false
	}
	next := room.WithModifiedAt(r.now())
	r.rooms[id] = next
	return next, true
}

func (r *RoomRegistry) persistLater(room domain.Room) {
	done := r.backend.Enqueue(room.ID(), room.ToRecord())
	go func() {
		if err := <-done; err != nil {
			r.log.Warn("Persisting room failed", "roomId", room.ID(), "error", err)
		}
	}()
}

func (r *RoomRegistry) reindex(room domain.Room) {
	if r.index == nil {
		return
	}
	if err := r.index.Index(room.View()); err != nil {
		r.log.Warn("Indexing room failed", "roomId", room.ID(), "error", err)
	}
}
