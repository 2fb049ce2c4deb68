package domain

import (
	"fmt"
	"room-relay/auth"
	"room-relay/domain/event"
	"room-relay/pubsub"
	"time"
)

// TimeLayout is how room dates are written, in UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Room is an immutable value. Every change derives a new Room sharing the
// same id, creation date and signaling hub. Only the registry swaps values.
type Room struct {
	id           string
	name         string
	description  string
	createdAt    time.Time
	modifiedAt   time.Time
	passwordHash string
	salt         string
	signals      *pubsub.Hub
}

// NewRoom builds a room from an already hashed password.
func NewRoom(id, name, description, passwordHash, salt string, now time.Time, signals *pubsub.Hub) Room {
	now = now.UTC().Truncate(time.Millisecond)
	return Room{
		id:           id,
		name:         name,
		description:  description,
		createdAt:    now,
		modifiedAt:   now,
		passwordHash: passwordHash,
		salt:         salt,
		signals:      signals,
	}
}

func (r Room) ID() string { return r.id }
func (r Room) Name() string { return r.name }
func (r Room) Description() string { return r.description }
func (r Room) CreatedAt() time.Time { return r.createdAt }
func (r Room) ModifiedAt() time.Time { return r.modifiedAt }
func (r Room) Signals() *pubsub.Hub { return r.signals }
func (r Room) IsZero() bool { return r.id == "" }
func (r Room) Players() int { return r.signals.Size() }
func (r Room) HasPeer(id string) bool { return r.signals.Has(id) }

// WithUpdatedFields returns the room renamed and re-passworded at now.
func (r Room) WithUpdatedFields(name, description, passwordHash, salt string, now time.Time) Room {
	next := r
	next.name = name
	next.description = description
	next.passwordHash = passwordHash
	next.salt = salt
	next.modifiedAt = now.UTC().Truncate(time.Millisecond)
	return next
}

// WithModifiedAt returns the room touched at now.
func (r Room) WithModifiedAt(now time.Time) Room {
	next := r
	next.modifiedAt = now.UTC().Truncate(time.Millisecond)
	return next
}

// Authenticate checks a raw password against the stored hash.
func (r Room) Authenticate(password string) bool {
	return auth.ComparePassword(password, r.salt, r.passwordHash)
}

// View is the public projection, with the live number of peers.
func (r Room) View() event.RoomView {
	return event.RoomView{
		ID:          r.id,
		Name:        r.name,
		Description: r.description,
		CreatedAt:   r.createdAt.Format(TimeLayout),
		ModifiedAt:  r.modifiedAt.Format(TimeLayout),
		Players:     r.Players(),
	}
}

// Record is the persisted form of a room. Password holds the hash.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
	ModifiedAt  string `json:"modifiedAt"`
	Password    string `json:"password"`
	Salt        string `json:"salt"`
}

func (r Room) ToRecord() Record {
	return Record{
		ID:          r.id,
		Name:        r.name,
		Description: r.description,
		CreatedAt:   r.createdAt.Format(TimeLayout),
		ModifiedAt:  r.modifiedAt.Format(TimeLayout),
		Password:    r.passwordHash,
		Salt:        r.salt,
	}
}

// FromRecord rebuilds a room around a new signaling hub.
// Missing dates, as found in hand written records, fall back to the zero time.
func FromRecord(rec Record, signals *pubsub.Hub) (Room, error) {
	createdAt, err := parseTime(rec.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("room %s createdAt: %w", rec.ID, err)
	}
	modifiedAt, err := parseTime(rec.ModifiedAt)
	if err != nil {
		return Room{}, fmt.Errorf("room %s modifiedAt: %w", rec.ID, err)
	}
	return Room{
		id:           rec.ID,
		name:         rec.Name,
		description:  rec.Description,
		createdAt:    createdAt,
		modifiedAt:   modifiedAt,
		passwordHash: rec.Password,
		salt:         rec.Salt,
		signals:      signals,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
