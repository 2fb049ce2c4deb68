//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package storage

import "context"

// Store is a raw key/value storage. Read returns nil, nil when the key is absent.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// Lister is implemented by stores able to enumerate their keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}
