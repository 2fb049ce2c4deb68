package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"room-relay/errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 1024

// pendingWrite is the value waiting behind an in-flight write.
// Every Set coalesced into it is resolved by the same store write.
type pendingWrite[T any] struct {
	value   T
	data    []byte
	waiters []chan error
}

// writeSlot exists while a write is in flight for its key.
// next == nil is the "writing" state, next != nil is "writing with pending".
type writeSlot[T any] struct {
	next *pendingWrite[T]
}

type readResult[T any] struct {
	value T
	found bool
}

// Backend stores JSON encoded values of type T on a Store.
// Concurrent reads of a key share one store read and fill a bounded LRU.
// Writes to a key never overlap: a write issued while another is in flight
// waits behind it, and a burst of writes collapses into one trailing write
// of the latest value.
type Backend[T any] struct {
	log     *slog.Logger
	store   Store
	cache   *lru.Cache[string, T]
	reads   singleflight.Group
	mu      sync.Mutex
	writers map[string]*writeSlot[T]
	wg      sync.WaitGroup
}

func NewBackend[T any](log *slog.Logger, store Store, cacheSize int) (*Backend[T], error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, T](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return &Backend[T]{
		log:     log,
		store:   store,
		cache:   cache,
		writers: make(map[string]*writeSlot[T]),
	}, nil
}

// Store exposes the raw store, used by tooling to list keys.
func (b *Backend[T]) Store() Store {
	return b.store
}

// Get returns the value of key, found being false when the store has none.
// Failures wrap ErrBackend and evict the cached entry.
func (b *Backend[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if v, ok := b.cache.Get(key); ok {
		return v, true, nil
	}

	res, err, _ := b.reads.Do(key, func() (any, error) {
		var zero readResult[T]
		data, err := b.store.Read(context.WithoutCancel(ctx), key)
		if err != nil {
			b.cache.Remove(key)
			return zero, fmt.Errorf("reading %s: %v: %w", key, err, errors.ErrBackend)
		}
		if data == nil {
			return zero, nil
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			b.cache.Remove(key)
			return zero, fmt.Errorf("decoding %s: %v: %w", key, err, errors.ErrBackend)
		}

		// A write in flight is newer than what was just read.
		b.mu.Lock()
		if _, writing := b.writers[key]; !writing {
			b.cache.Add(key, v)
		}
		b.mu.Unlock()
		return readResult[T]{value: v, found: true}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	r := res.(readResult[T])
	return r.value, r.found, nil
}

// Set writes value and waits for the write that carries it.
func (b *Backend[T]) Set(ctx context.Context, key string, value T) error {
	select {
	case err := <-b.Enqueue(key, value):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules the write of value without blocking.
// The returned channel receives the outcome exactly once.
func (b *Backend[T]) Enqueue(key string, value T) <-chan error {
	done := make(chan error, 1)
	data, err := json.Marshal(value)
	if err != nil {
		done <- fmt.Errorf("encoding %s: %v: %w", key, err, errors.ErrBackend)
		return done
	}

	b.mu.Lock()
	if slot, writing := b.writers[key]; writing {
		if slot.next == nil {
			slot.next = &pendingWrite[T]{}
		}
		slot.next.value = value
		slot.next.data = data
		slot.next.waiters = append(slot.next.waiters, done)
		b.mu.Unlock()
		return done
	}
	b.writers[key] = &writeSlot[T]{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(key, &pendingWrite[T]{value: value, data: data, waiters: []chan error{done}})
	return done
}

// drain writes w, then whatever got coalesced behind it, until the slot is idle.
func (b *Backend[T]) drain(key string, w *pendingWrite[T]) {
	defer b.wg.Done()
	for w != nil {
		err := b.store.Write(context.Background(), key, w.data)
		if err != nil {
			err = fmt.Errorf("writing %s: %v: %w", key, err, errors.ErrBackend)
			b.log.Error("Backend write failed", "key", key, "error", err)
		}

		b.mu.Lock()
		if err == nil {
			b.cache.Add(key, w.value)
		} else {
			b.cache.Remove(key)
		}
		slot := b.writers[key]
		next := slot.next
		slot.next = nil
		if next == nil {
			delete(b.writers, key)
		}
		b.mu.Unlock()

		for _, ch := range w.waiters {
			ch <- err
		}
		w = next
	}
}

// Close waits for in-flight writes then closes the store.
func (b *Backend[T]) Close() error {
	b.wg.Wait()
	return b.store.Close()
}
