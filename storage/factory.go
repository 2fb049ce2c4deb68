package storage

import (
	"context"
	"fmt"
	"log/slog"
	"room-relay/errors"
	stores "room-relay/infrastructure/storage"
	"sort"
	"strings"
)

// Factory opens a store from the positional arguments following its tag.
type Factory func(ctx context.Context, args []string) (Store, error)

var factories = map[string]Factory{
	"none": func(context.Context, []string) (Store, error) {
		return stores.NoneStore{}, nil
	},
	// fs <rootDir>
	"fs": func(_ context.Context, args []string) (Store, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("fs <rootDir>: %w", errors.ErrMissingArgs)
		}
		return stores.NewFileStore(args[0])
	},
	// s3 <accessKeyId> <secretAccessKey> <region> <bucket> <prefix> [endpoint]
	"s3": func(ctx context.Context, args []string) (Store, error) {
		if len(args) < 5 {
			return nil, fmt.Errorf("s3 <accessKeyId> <secretAccessKey> <region> <bucket> <prefix>: %w", errors.ErrMissingArgs)
		}
		cfg := stores.S3Config{
			AccessKeyID:     args[0],
			SecretAccessKey: args[1],
			Region:          args[2],
			Bucket:          args[3],
			Prefix:          args[4],
		}
		if len(args) > 5 {
			cfg.Endpoint = args[5]
		}
		return stores.NewS3Store(ctx, cfg)
	},
	// badger <dir>
	"badger": func(_ context.Context, args []string) (Store, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("badger <dir>: %w", errors.ErrMissingArgs)
		}
		return stores.OpenBadgerStore(args[0])
	},
	// postgres <dsn> [table]
	"postgres": func(ctx context.Context, args []string) (Store, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("postgres <dsn> [table]: %w", errors.ErrMissingArgs)
		}
		table := ""
		if len(args) > 1 {
			table = args[1]
		}
		return stores.OpenPostgresStore(ctx, args[0], table)
	},
}

// Tags lists the known backend types.
func Tags() []string {
	tags := make([]string, 0, len(factories))
	for tag := range factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Open resolves a backend description such as "fs /var/lib/rooms".
// An empty description means "none". Unknown tags fail with ErrUnknownBackend.
func Open(ctx context.Context, backend string, log *slog.Logger) (Store, error) {
	args := strings.Fields(backend)
	if len(args) == 0 {
		args = []string{"none"}
	}
	factory, ok := factories[args[0]]
	if !ok {
		return nil, fmt.Errorf("%q (known: %s): %w", args[0], strings.Join(Tags(), ", "), errors.ErrUnknownBackend)
	}
	store, err := factory(ctx, args[1:])
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", args[0], err)
	}
	log.Info("Room backend opened", "type", args[0])
	return store, nil
}
