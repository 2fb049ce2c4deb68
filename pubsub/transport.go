package pubsub

// Transport is the write side of one live connection.
// Write must not block: a slow consumer has to report an error instead,
// which the hub treats as a disconnection. Close must be idempotent.
type Transport interface {
	Write(frame []byte) error
	Close()
}

// KeepAlive is the comment line written by the heartbeat.
var KeepAlive = []byte(":\n")

// Frame formats one event for the given subscriber.
// The subscriber id is appended to the event id so that a reconnecting
// client gives back both in its Last-Event-ID header.
func Frame(eventID, peerID string, data []byte) []byte {
	b := make([]byte, 0, len("id:\ndata:\n\n")+len(eventID)+len(peerID)+len(data))
	b = append(b, "id:"...)
	b = append(b, eventID...)
	b = append(b, peerID...)
	b = append(b, "\ndata:"...)
	b = append(b, data...)
	b = append(b, "\n\n"...)
	return b
}
