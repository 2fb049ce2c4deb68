package pubsub

import (
	"iter"
	"sort"
)

const DefaultHistoryLimit = 1024

// Record is one published event as kept for replay.
// SenderID and TargetID are empty when not set.
type Record struct {
	EventID  string
	Data     []byte
	SenderID string
	TargetID string
}

// History is a fixed capacity ring buffer of records in publish order.
// Once full, Add drops the oldest record: a subscriber coming back after
// more than capacity events only gets the retained tail.
// History is not synchronized, the owning hub serializes access.
type History struct {
	items []Record
	first int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &History{items: make([]Record, capacity)}
}

func (h *History) Len() int {
	return h.size
}

func (h *History) Cap() int {
	return len(h.items)
}

// At returns the i-th retained record, 0 being the oldest.
func (h *History) At(i int) (Record, bool) {
	if i < 0 || i >= h.size {
		return Record{}, false
	}
	return h.items[(h.first+i)%len(h.items)], true
}

func (h *History) Add(r Record) {
	if h.size < len(h.items) {
		h.items[(h.first+h.size)%len(h.items)] = r
		h.size++
		return
	}
	h.items[h.first] = r
	h.first = (h.first + 1) % len(h.items)
}

// After yields the records whose event id is strictly greater than eventID.
// The sequence is evaluated lazily and can be ranged over again.
func (h *History) After(eventID string) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		start := sort.Search(h.size, func(i int) bool {
			r, _ := h.At(i)
			return r.EventID > eventID
		})
		for i := start; i < h.size; i++ {
			r, _ := h.At(i)
			if !yield(r) {
				return
			}
		}
	}
}
