package services

import (
	"context"
	stderrors "errors"
	"log/slog"
	"room-relay/auth"
	"room-relay/contract"
	"room-relay/domain"
	"room-relay/domain/event"
	"room-relay/errors"
	"room-relay/moderation"
	"room-relay/pubsub"
	"strings"

	"github.com/samber/lo"
)

type RoomService struct {
	log         *slog.Logger
	registry    contract.IRoomRegistry
	index       contract.IRoomIndex
	moderator   *moderation.Moderator
	authBlocker *auth.BlockController
	roomBlocker *auth.BlockController
}

// NewRoomService builds the service. authBlocker counts authentication
// failures, roomBlocker counts room creations.
func NewRoomService(
	log *slog.Logger,
	registry contract.IRoomRegistry,
	index contract.IRoomIndex,
	moderator *moderation.Moderator,
	authBlocker *auth.BlockController,
	roomBlocker *auth.BlockController,
) contract.IRoomService {
	return &RoomService{
		log:         log,
		registry:    registry,
		index:       index,
		moderator:   moderator,
		authBlocker: authBlocker,
		roomBlocker: roomBlocker,
	}
}

func (s *RoomService) Create(ctx context.Context, address string, req auth.RoomRequest) (event.RoomView, error) {
	if err := auth.ValidateRoom(req); err != nil {
		return event.RoomView{}, err
	}
	if err := s.roomBlocker.Check(address); err != nil {
		return event.RoomView{}, err
	}

	room, err := s.registry.Create(ctx, s.censor(*req.Name), s.censor(*req.Description), *req.Password)
	if err != nil {
		return event.RoomView{}, err
	}
	s.roomBlocker.CountUp(address)
	return room.View(), nil
}

func (s *RoomService) Get(ctx context.Context, id string) (event.RoomView, error) {
	room, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return event.RoomView{}, err
	}
	return room.View(), nil
}

func (s *RoomService) ListActive() []event.RoomView {
	return s.registry.ActiveRooms()
}

// Search returns known rooms matching terms, best match first.
// Rooms that vanished from the backend since they were indexed are skipped.
func (s *RoomService) Search(ctx context.Context, terms string, limit int) ([]event.RoomView, error) {
	ids, err := s.index.Search(ctx, terms, limit)
	if err != nil {
		return nil, err
	}
	views := make([]event.RoomView, 0, len(ids))
	for _, id := range ids {
		room, err := s.registry.GetByID(ctx, id)
		if stderrors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, room.View())
	}
	return views, nil
}

// Update lets a connected peer rename and re-password its room.
func (s *RoomService) Update(ctx context.Context, address, id, authorization string, req auth.RoomRequest) error {
	room, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authBlocker.Check(address); err != nil {
		return err
	}
	peerID, err := s.authenticatePeer(address, room, authorization)
	if err != nil {
		return err
	}
	if err := auth.ValidateRoom(req); err != nil {
		return err
	}

	_, err = s.registry.Update(ctx, id, s.censor(*req.Name), s.censor(*req.Description), *req.Password, peerID)
	return err
}

// SubscribeRooms attaches t to the global feed. A fresh subscriber gets the active rooms.
func (s *RoomService) SubscribeRooms(t pubsub.Transport, lastEventID string) (*pubsub.Subscription, error) {
	return s.registry.Notifications().Register(t, pubsub.RegisterOptions{
		LastEventID: lastEventID,
		Ready: func(ready event.Ready) event.Ready {
			ready.Rooms = s.registry.ActiveRooms()
			return ready
		},
	})
}

// SubscribeSignals attaches t to the signaling feed of a room once the password matched.
func (s *RoomService) SubscribeSignals(
	ctx context.Context,
	address, id string,
	opts contract.SignalsSubscription,
	t pubsub.Transport,
) (*pubsub.Subscription, error) {
	room, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authBlocker.Check(address); err != nil {
		return nil, err
	}
	if !room.Authenticate(opts.Password) {
		s.authBlocker.CountUp(address)
		s.log.Debug("Wrong room password", "roomId", id, "address", address)
		return nil, errors.PasswordChallenge(id)
	}
	s.authBlocker.Reset(address)

	return room.Signals().Register(t, pubsub.RegisterOptions{
		LastEventID: opts.LastEventID,
		PeerID:      opts.PeerID,
		Ready: func(ready event.Ready) event.Ready {
			current, err := s.registry.GetByID(ctx, id)
			if err != nil {
				current = room
			}
			ready.Room = lo.ToPtr(current.View())
			return ready
		},
	})
}

// PostSignal relays a negotiation message from the authenticated peer,
// to its target when set, to every other peer otherwise.
func (s *RoomService) PostSignal(ctx context.Context, address, id, authorization string, req auth.SignalRequest) error {
	room, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authBlocker.Check(address); err != nil {
		return err
	}
	senderID, err := s.authenticatePeer(address, room, authorization)
	if err != nil {
		return err
	}
	if err := auth.ValidateSignal(req); err != nil {
		return err
	}

	signal := event.Signal{
		Type:        req.Type,
		SenderID:    senderID,
		TargetID:    req.TargetID,
		Candidate:   req.Candidate,
		Description: req.Description,
	}
	if req.TargetID != "" {
		return room.Signals().Send(req.TargetID, signal)
	}
	return room.Signals().Broadcast(senderID, signal)
}

// authenticatePeer accepts "Bearer <peerId>" when peerId is connected to the room.
// Every failure counts against address.
func (s *RoomService) authenticatePeer(address string, room domain.Room, authorization string) (string, error) {
	fail := func(code string) (string, error) {
		s.authBlocker.CountUp(address)
		s.log.Debug("Bearer rejected", "roomId", room.ID(), "address", address, "reason", code)
		return "", errors.BearerChallenge(room.ID(), code)
	}

	fields := strings.Fields(authorization)
	if len(fields) == 0 {
		return fail("")
	}
	if fields[0] != "Bearer" {
		return fail("invalid_scheme")
	}
	if len(fields) != 2 || !room.HasPeer(fields[1]) {
		return fail("invalid_token")
	}
	s.authBlocker.Reset(address)
	return fields[1], nil
}

func (s *RoomService) censor(text string) string {
	censored, words := s.moderator.Censor(text)
	if len(words) > 0 {
		s.log.Info("Censored room text", "words", len(words))
	}
	return censored
}
