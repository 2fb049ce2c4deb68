package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Runs against a live database only when ROOM_RELAY_TEST_POSTGRES_DSN is set.
func TestPostgresStore_ReadWriteKeys(t *testing.T) {
	dsn := os.Getenv("ROOM_RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ROOM_RELAY_TEST_POSTGRES_DSN not set")
	}
	req := require.New(t)
	ctx := context.Background()

	table := "rooms_test_" + uuid.NewString()[:8]
	store, err := OpenPostgresStore(ctx, dsn, table)
	req.NoError(err)
	defer func() {
		_, _ = store.db.ExecContext(ctx, "drop table "+table)
		_ = store.Close()
	}()

	data, err := store.Read(ctx, "missing")
	req.NoError(err)
	req.Nil(data)

	req.NoError(store.Write(ctx, "r1", []byte(`{"name":"a"}`)))
	req.NoError(store.Write(ctx, "r1", []byte(`{"name":"b"}`)))

	data, err = store.Read(ctx, "r1")
	req.NoError(err)
	req.JSONEq(`{"name":"b"}`, string(data))

	keys, err := store.Keys(ctx)
	req.NoError(err)
	req.Equal([]string{"r1"}, keys)
}

func TestOpenPostgresStore_RejectsTableName(t *testing.T) {
	_, err := OpenPostgresStore(context.Background(), "postgres://unused", "rooms; drop table x")
	require.Error(t, err)
}
