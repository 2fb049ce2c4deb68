package event

// Kind is the closed set of event types written on a feed.
type Kind string

const (
	KindReady             Kind = "ready"
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindActive            Kind = "active"
	KindInactive          Kind = "inactive"
	KindUpdate            Kind = "update"
	KindIceCandidate      Kind = "iceCandidate"
	KindNegotiationOffer  Kind = "negotiationOffer"
	KindNegotiationAnswer Kind = "negotiationAnswer"
)

// IsSignaling reports whether the kind is relayed between peers as is.
func (k Kind) IsSignaling() bool {
	switch k {
	case KindIceCandidate, KindNegotiationOffer, KindNegotiationAnswer:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
