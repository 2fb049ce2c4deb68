package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"room-relay/auth"
	"room-relay/contract"
	"room-relay/domain"
	"room-relay/domain/event"
	"room-relay/domain/idgen"
	"room-relay/errors"
	"room-relay/mocks"
	"room-relay/moderation"
	"room-relay/pubsub"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const address = "192.0.2.10"

type memTransport struct {
	mu     sync.Mutex
	frames []string
}

func (m *memTransport) Write(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, string(frame))
	return nil
}

func (m *memTransport) Close() {}

func (m *memTransport) last(t *testing.T) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.frames) - 1; i >= 0; i-- {
		if data, ok := strings.CutPrefix(strings.Split(m.frames[i], "\n")[1], "data:"); ok {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
			return payload
		}
	}
	return nil
}

type serviceFixture struct {
	service     contract.IRoomService
	registry    *mocks.MockIRoomRegistry
	index       *mocks.MockIRoomIndex
	authBlocker *auth.BlockController
	roomBlocker *auth.BlockController
	ids         *idgen.Generator
	heartbeat   *pubsub.Heartbeat
	log         *slog.Logger
}

func newServiceFixture(t *testing.T) serviceFixture {
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	moderator, err := moderation.NewModerator([]string{"badger"}, '*', log)
	require.NoError(t, err)
	heartbeat := pubsub.NewHeartbeat(log, time.Hour)
	t.Cleanup(heartbeat.Close)

	f := serviceFixture{
		registry:    mocks.NewMockIRoomRegistry(ctrl),
		index:       mocks.NewMockIRoomIndex(ctrl),
		authBlocker: auth.NewBlockController(log, 5, time.Hour),
		roomBlocker: auth.NewBlockController(log, 2, time.Hour),
		ids:         idgen.NewGenerator(),
		heartbeat:   heartbeat,
		log:         log,
	}
	f.service = NewRoomService(log, f.registry, f.index, moderator, f.authBlocker, f.roomBlocker)
	return f
}

// newRoom builds a live room whose password is "pw".
func (f serviceFixture) newRoom(t *testing.T, name string) domain.Room {
	hash, salt, err := auth.NewPasswordHash("pw")
	require.NoError(t, err)
	hub := pubsub.NewHub(f.log, f.ids, f.heartbeat, 16)
	return domain.NewRoom(f.ids.MustNext(), name, "", hash, salt, time.Now(), hub)
}

func roomRequest(name, description, password string) auth.RoomRequest {
	return auth.RoomRequest{Name: lo.ToPtr(name), Description: lo.ToPtr(description), Password: lo.ToPtr(password)}
}

func TestRoomService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a censored room and count it", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)
		room := f.newRoom(t, "The ****** den")

		f.registry.EXPECT().Create(ctx, "The ****** den", "", "pw").Return(room, nil)

		view, err := f.service.Create(ctx, address, roomRequest("The badger den", "", "pw"))

		req.NoError(err)
		req.Equal(room.ID(), view.ID)
		req.Equal(1, f.roomBlocker.Len())
	})

	t.Run("should reject an invalid body before anything else", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)

		f.registry.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := f.service.Create(ctx, address, auth.RoomRequest{Name: lo.ToPtr("a")})
		req.ErrorIs(err, errors.ErrValidation)
	})

	t.Run("should block an address creating too many rooms", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)

		f.registry.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, name, _, _ string) (domain.Room, error) {
				return f.newRoom(t, name), nil
			}).Times(2)

		for i := 0; i < 2; i++ {
			_, err := f.service.Create(ctx, address, roomRequest(fmt.Sprintf("room %d", i), "", ""))
			req.NoError(err)
		}
		_, err := f.service.Create(ctx, address, roomRequest("one more", "", ""))
		req.ErrorIs(err, errors.ErrBlocked)

		// Another address is still welcome
		f.registry.EXPECT().Create(gomock.Any(), "elsewhere", "", "").Return(f.newRoom(t, "elsewhere"), nil)
		_, err = f.service.Create(ctx, "192.0.2.11", roomRequest("elsewhere", "", ""))
		req.NoError(err)
	})

	t.Run("should not count a failed creation", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)

		f.registry.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(domain.Room{}, fmt.Errorf("disk full: %w", errors.ErrBackend))

		_, err := f.service.Create(ctx, address, roomRequest("a", "", ""))
		req.ErrorIs(err, errors.ErrBackend)
		req.Equal(0, f.roomBlocker.Len())
	})
}

func TestRoomService_Search_Skips_Vanished_Rooms(t *testing.T) {
	req := require.New(t)
	f := newServiceFixture(t)
	ctx := context.Background()
	room := f.newRoom(t, "Chess")
	gone := f.ids.MustNext()

	// Given an index still knowing a room the backend lost
	f.index.EXPECT().Search(ctx, "chess", 10).Return([]string{gone, room.ID()}, nil)
	f.registry.EXPECT().GetByID(ctx, gone).Return(domain.Room{}, errors.ErrNotFound)
	f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil)

	// Then only the live room is returned
	views, err := f.service.Search(ctx, "chess", 10)
	req.NoError(err)
	req.Equal([]string{room.ID()}, lo.Map(views, func(v event.RoomView, _ int) string { return v.ID }))
}

func TestRoomService_SubscribeSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("should register with the right password", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)
		room := f.newRoom(t, "Chess")
		f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil).Times(2)

		tr := &memTransport{}
		sub, err := f.service.SubscribeSignals(ctx, address, room.ID(), contract.SignalsSubscription{Password: "pw"}, tr)

		req.NoError(err)
		req.True(room.HasPeer(sub.PeerID()))
		ready := tr.last(t)
		req.Equal("ready", ready["type"])
		req.Equal(room.ID(), ready["room"].(map[string]any)["id"])
	})

	t.Run("should challenge a wrong password and count it", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)
		room := f.newRoom(t, "Chess")
		f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil)

		_, err := f.service.SubscribeSignals(ctx, address, room.ID(), contract.SignalsSubscription{Password: "nope"}, &memTransport{})

		req.ErrorIs(err, errors.ErrUnauthorized)
		challenge, ok := errors.Challenge(err)
		req.True(ok)
		req.Equal(`X-Password realm="`+room.ID()+`"`, challenge)
		req.Equal(1, f.authBlocker.Len())
		req.Equal(0, room.Players())
	})

	t.Run("should reset the count after a success", func(t *testing.T) {
		req := require.New(t)
		f := newServiceFixture(t)
		room := f.newRoom(t, "Chess")
		f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil).AnyTimes()

		_, err := f.service.SubscribeSignals(ctx, address, room.ID(), contract.SignalsSubscription{Password: "nope"}, &memTransport{})
		req.Error(err)
		_, err = f.service.SubscribeSignals(ctx, address, room.ID(), contract.SignalsSubscription{Password: "pw"}, &memTransport{})
		req.NoError(err)
		req.Equal(0, f.authBlocker.Len())
	})
}

func TestRoomService_Update_Bearer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		authorization func(peerID string) string
		challenge     func(roomID string) string
	}{
		{
			name:          "missing token",
			authorization: func(string) string { return "" },
			challenge:     func(id string) string { return `Bearer realm="` + id + `"` },
		},
		{
			name:          "wrong scheme",
			authorization: func(peerID string) string { return "Basic " + peerID },
			challenge:     func(id string) string { return `Bearer realm="` + id + `", error="invalid_scheme"` },
		},
		{
			name:          "unknown peer",
			authorization: func(string) string { return "Bearer somebody" },
			challenge:     func(id string) string { return `Bearer realm="` + id + `", error="invalid_token"` },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newServiceFixture(t)
			room := f.newRoom(t, "Chess")
			sub, err := room.Signals().Register(&memTransport{}, pubsub.RegisterOptions{})
			req.NoError(err)
			f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil)
			f.registry.EXPECT().Update(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			err = f.service.Update(ctx, address, room.ID(), tt.authorization(sub.PeerID()), roomRequest("x", "", ""))

			req.ErrorIs(err, errors.ErrUnauthorized)
			challenge, _ := errors.Challenge(err)
			req.Equal(tt.challenge(room.ID()), challenge)
			req.Equal(1, f.authBlocker.Len())
		})
	}
}

func TestRoomService_Update_Blocks_After_Five_Bad_Tokens(t *testing.T) {
	req := require.New(t)
	f := newServiceFixture(t)
	ctx := context.Background()
	room := f.newRoom(t, "Chess")
	sub, err := room.Signals().Register(&memTransport{}, pubsub.RegisterOptions{})
	req.NoError(err)
	f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil).Times(6)
	bogus := "Bearer " + f.ids.MustNext()

	// Given five rejected tokens
	for i := 0; i < 5; i++ {
		err := f.service.Update(ctx, address, room.ID(), bogus, roomRequest("x", "", ""))
		req.ErrorIs(err, errors.ErrUnauthorized)
	}

	// Then even a valid token is refused
	err = f.service.Update(ctx, address, room.ID(), "Bearer "+sub.PeerID(), roomRequest("x", "", ""))
	req.ErrorIs(err, errors.ErrBlocked)
}

func TestRoomService_Update_Validates_After_Authentication(t *testing.T) {
	req := require.New(t)
	f := newServiceFixture(t)
	ctx := context.Background()
	room := f.newRoom(t, "Chess")
	sub, err := room.Signals().Register(&memTransport{}, pubsub.RegisterOptions{})
	req.NoError(err)
	f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil).Times(2)

	// Given an authenticated peer sending an invalid body
	err = f.service.Update(ctx, address, room.ID(), "Bearer "+sub.PeerID(), auth.RoomRequest{})
	req.ErrorIs(err, errors.ErrValidation)

	// When the body is fixed, the update goes through with the peer as updater
	f.registry.EXPECT().Update(ctx, room.ID(), "Go", "Weiqi", "new", sub.PeerID()).Return(room, nil)
	req.NoError(f.service.Update(ctx, address, room.ID(), "Bearer "+sub.PeerID(), roomRequest("Go", "Weiqi", "new")))
}

func TestRoomService_PostSignal(t *testing.T) {
	req := require.New(t)
	f := newServiceFixture(t)
	ctx := context.Background()
	room := f.newRoom(t, "Chess")
	f.registry.EXPECT().GetByID(ctx, room.ID()).Return(room, nil).AnyTimes()

	a, b, c := &memTransport{}, &memTransport{}, &memTransport{}
	subA, err := room.Signals().Register(a, pubsub.RegisterOptions{})
	req.NoError(err)
	subB, err := room.Signals().Register(b, pubsub.RegisterOptions{})
	req.NoError(err)
	_, err = room.Signals().Register(c, pubsub.RegisterOptions{})
	req.NoError(err)

	// When A sends an offer to B
	offer := auth.SignalRequest{
		Type:        event.KindNegotiationOffer,
		TargetID:    subB.PeerID(),
		Description: json.RawMessage(`{"sdp":"v=0"}`),
	}
	req.NoError(f.service.PostSignal(ctx, address, room.ID(), "Bearer "+subA.PeerID(), offer))

	// Then only B receives it, stamped with the sender
	got := b.last(t)
	req.Equal("negotiationOffer", got["type"])
	req.Equal(subA.PeerID(), got["senderId"])
	req.Equal(subB.PeerID(), got["targetId"])
	req.Equal("v=0", got["description"].(map[string]any)["sdp"])
	req.Equal("ready", c.last(t)["type"])

	// When A broadcasts a candidate
	candidate := auth.SignalRequest{Type: event.KindIceCandidate, Candidate: json.RawMessage(`{"candidate":"c"}`)}
	req.NoError(f.service.PostSignal(ctx, address, room.ID(), "Bearer "+subA.PeerID(), candidate))

	// Then B and C receive it, A does not
	req.Equal("iceCandidate", b.last(t)["type"])
	req.Equal("iceCandidate", c.last(t)["type"])
	req.NotEqual("iceCandidate", a.last(t)["type"])

	// And an invalid signal from an authenticated peer is a validation error
	err = f.service.PostSignal(ctx, address, room.ID(), "Bearer "+subA.PeerID(), auth.SignalRequest{Type: "join"})
	req.ErrorIs(err, errors.ErrValidation)
}

func TestRoomService_SubscribeRooms_Ready_Lists_Active_Rooms(t *testing.T) {
	req := require.New(t)
	f := newServiceFixture(t)
	feed := pubsub.NewHub(f.log, f.ids, f.heartbeat, 16)
	f.registry.EXPECT().Notifications().Return(feed)
	f.registry.EXPECT().ActiveRooms().Return([]event.RoomView{})

	tr := &memTransport{}
	_, err := f.service.SubscribeRooms(tr, "")

	req.NoError(err)
	ready := tr.last(t)
	req.Equal("ready", ready["type"])
	req.Contains(ready, "rooms")
	req.Empty(ready["rooms"])
}
