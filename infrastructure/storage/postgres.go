package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const defaultTable = "rooms"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps records as jsonb rows of a single table.
type PostgresStore struct {
	db    *sqlx.DB
	table string
}

func OpenPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text primary key,
			data jsonb not null,
			updated_at timestamptz not null default now()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, fmt.Sprintf(`select data from %s where id = $1`, s.table), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *PostgresStore) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (id, data) values ($1, $2)
		on conflict (id) do update set
			data = excluded.data,
			updated_at = now()
	`, s.table), key, data)
	return err
}

func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, fmt.Sprintf(`select id from %s order by id`, s.table))
	return keys, err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
