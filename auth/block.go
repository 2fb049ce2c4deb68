package auth

import (
	"fmt"
	"log/slog"
	"room-relay/errors"
	"sync"
	"time"
)

const (
	DefaultBlockMaxCount = 5
	DefaultBlockWindow   = 24 * time.Hour
)

// BlockedError is returned by Check while an address is over its quota.
type BlockedError struct {
	Until time.Time
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("you are blocked until '%s'", e.Until.UTC().Format(time.RFC3339))
}

func (e *BlockedError) Unwrap() error {
	return errors.ErrBlocked
}

type blockEntry struct {
	count     int
	expiresAt time.Time
	timer     *time.Timer
}

// BlockController counts offenses per client address.
// An entry forgets itself once window has elapsed since the last offense.
type BlockController struct {
	mu       sync.Mutex
	log      *slog.Logger
	now      func() time.Time
	maxCount int
	window   time.Duration
	entries  map[string]*blockEntry
}

func NewBlockController(log *slog.Logger, maxCount int, window time.Duration) *BlockController {
	if maxCount <= 0 {
		maxCount = DefaultBlockMaxCount
	}
	if window <= 0 {
		window = DefaultBlockWindow
	}
	return &BlockController{
		log:      log,
		now:      time.Now,
		maxCount: maxCount,
		window:   window,
		entries:  make(map[string]*blockEntry),
	}
}

// Check fails with a *BlockedError when the address reached the limit
// within an unexpired window.
func (b *BlockController) Check(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[address]
	if !ok || entry.count < b.maxCount || !b.now().Before(entry.expiresAt) {
		return nil
	}
	return &BlockedError{Until: entry.expiresAt}
}

// CountUp records one offense and pushes the expiry back.
func (b *BlockController) CountUp(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	entry, ok := b.entries[address]
	if !ok || !now.Before(entry.expiresAt) {
		if ok {
			entry.timer.Stop()
		}
		entry = &blockEntry{}
		b.entries[address] = entry
		entry.timer = time.AfterFunc(b.window, func() { b.expire(address, entry) })
	}
	entry.count++
	entry.expiresAt = now.Add(b.window)

	if entry.count == b.maxCount {
		b.log.Warn("Client address blocked", "address", address, "until", entry.expiresAt)
	}
}

// Reset clears the offenses of an address, typically after a successful authentication.
func (b *BlockController) Reset(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.entries[address]; ok {
		entry.timer.Stop()
		delete(b.entries, address)
	}
}

func (b *BlockController) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// expire runs on the entry timer. It drops the entry, or waits again when
// later offenses pushed the expiry back.
func (b *BlockController) expire(address string, entry *blockEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries[address] != entry {
		return
	}
	remaining := entry.expiresAt.Sub(b.now())
	if remaining <= 0 {
		delete(b.entries, address)
		return
	}
	entry.timer = time.AfterFunc(remaining, func() { b.expire(address, entry) })
}
