package event

import "encoding/json"

// RoomView is the public projection of a room.
// It never carries the password hash nor the salt.
type RoomView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
	ModifiedAt  string `json:"modifiedAt"`
	Players     int    `json:"players"`
}

// Ready is the first event of a fresh subscription.
// Rooms is set on the global feed, even when empty. Room is set on a room signaling feed.
type Ready struct {
	Type   Kind       `json:"type"`
	PeerID string     `json:"peerId"`
	Rooms  []RoomView `json:"rooms,omitzero"`
	Room   *RoomView  `json:"room,omitempty"`
}

func NewReady(peerID string) Ready {
	return Ready{Type: KindReady, PeerID: peerID}
}

// Peer is broadcast to the other peers of a room when someone joins or leaves.
type Peer struct {
	Type   Kind   `json:"type"`
	PeerID string `json:"peerId"`
}

func NewJoin(peerID string) Peer {
	return Peer{Type: KindJoin, PeerID: peerID}
}

func NewLeave(peerID string) Peer {
	return Peer{Type: KindLeave, PeerID: peerID}
}

// RoomChanged is used for active, inactive and update notifications.
type RoomChanged struct {
	Type Kind     `json:"type"`
	Room RoomView `json:"room"`
}

func NewActive(room RoomView) RoomChanged {
	return RoomChanged{Type: KindActive, Room: room}
}

func NewInactive(room RoomView) RoomChanged {
	return RoomChanged{Type: KindInactive, Room: room}
}

func NewUpdate(room RoomView) RoomChanged {
	return RoomChanged{Type: KindUpdate, Room: room}
}

// Signal is an opaque negotiation message relayed from SenderID to one or every peer.
// Candidate and Description are never interpreted.
type Signal struct {
	Type        Kind            `json:"type"`
	SenderID    string          `json:"senderId"`
	TargetID    string          `json:"targetId,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
}
