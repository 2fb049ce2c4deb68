package sse

import (
	"context"
	"net/http"
	"room-relay/errors"
	"sync"
)

// Sink is a buffered event-stream connection. Hubs write frames without
// blocking; Pump copies them to the HTTP response. A full buffer means a
// client too slow to keep up and the write fails.
type Sink struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSink(bufferSize int) *Sink {
	return &Sink{
		frames: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

func (s *Sink) Write(frame []byte) error {
	select {
	case <-s.done:
		return errors.ErrTransportClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errors.ErrBackpressure
	}
}

// Close ends the stream. It can be called many times.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Pump writes the stream headers then every frame until ctx ends, the sink
// is closed or the client goes away.
func (s *Sink) Pump(ctx context.Context, w http.ResponseWriter) error {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case frame := <-s.frames:
			if _, err := w.Write(frame); err != nil {
				return err
			}
			// Batch whatever is already queued into one flush.
			for pending := len(s.frames); pending > 0; pending-- {
				if _, err := w.Write(<-s.frames); err != nil {
					return err
				}
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		}
	}
}
