package idgen

import (
	"fmt"
	"room-relay/errors"
	"sync"
	"time"
)

// Alphabet is ordered like ASCII so that comparing two ids as strings
// compares their tick and counter numerically.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	Base      = len(Alphabet)
	Length    = 12
	tickChars = 8
	countMax  = Base*Base*Base - 1
)

// Generator mints 12 character ids: 8 characters of millisecond tick,
// 3 characters of per-tick counter and a checksum character.
// One instance is shared by every hub of the process so that event ids
// are totally ordered.
type Generator struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTick int64
	count    int
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock is used by tests to freeze or drive time.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns a fresh id or ErrExhausted when more than 62^3-1 ids
// have been requested within the same millisecond.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tick := g.now().UnixMilli()
	switch {
	case tick != g.lastTick:
		g.lastTick = tick
		g.count = 0
	case g.count >= countMax:
		return "", fmt.Errorf("tick %d: %w", tick, errors.ErrExhausted)
	default:
		g.count++
	}

	var buf [Length]byte
	encode(buf[:tickChars], tick)
	encode(buf[tickChars:Length-1], int64(g.count))
	buf[Length-1] = checksum(buf[:Length-1])
	return string(buf[:]), nil
}

// MustNext panics on exhaustion. Only meant for tests and fixtures.
func (g *Generator) MustNext() string {
	id, err := g.Next()
	if err != nil {
		panic(err)
	}
	return id
}

// IsValid checks length, alphabet and checksum of an id.
func IsValid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < Length; i++ {
		if indexOf(id[i]) < 0 {
			return false
		}
	}
	return id[Length-1] == checksum([]byte(id[:Length-1]))
}

// encode writes value in base 62, most significant first, zero padded.
func encode(dst []byte, value int64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = Alphabet[value%int64(Base)]
		value /= int64(Base)
	}
}

func checksum(b []byte) byte {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return Alphabet[sum%Base]
}

func indexOf(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	default:
		return -1
	}
}
