//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"room-relay/auth"
	"room-relay/domain"
	"room-relay/domain/event"
	"room-relay/pubsub"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// for logging without a name method on Worker.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type IRoomRegistry interface {
	Create(ctx context.Context, name, description, password string) (domain.Room, error)
	GetByID(ctx context.Context, id string) (domain.Room, error)
	Update(ctx context.Context, id, name, description, password, updaterID string) (domain.Room, error)
	ActiveRooms() []event.RoomView
	Notifications() *pubsub.Hub
	Len() int
}

type IRoomIndex interface {
	Index(room event.RoomView) error
	Search(ctx context.Context, terms string, limit int) ([]string, error)
}

// IRoomService is one flow per HTTP operation. address identifies the client for throttling.
type IRoomService interface {
	Create(ctx context.Context, address string, req auth.RoomRequest) (event.RoomView, error)
	Get(ctx context.Context, id string) (event.RoomView, error)
	ListActive() []event.RoomView
	Search(ctx context.Context, terms string, limit int) ([]event.RoomView, error)
	Update(ctx context.Context, address, id, authorization string, req auth.RoomRequest) error
	SubscribeRooms(t pubsub.Transport, lastEventID string) (*pubsub.Subscription, error)
	SubscribeSignals(ctx context.Context, address, id string, opts SignalsSubscription, t pubsub.Transport) (*pubsub.Subscription, error)
	PostSignal(ctx context.Context, address, id, authorization string, req auth.SignalRequest) error
}

// SignalsSubscription holds what a peer sends to join the signaling feed of a room.
type SignalsSubscription struct {
	Password    string
	PeerID      string
	LastEventID string
}
