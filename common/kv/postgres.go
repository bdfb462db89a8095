package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps entries in a two-column table, upserted per key. The
// primary-key btree index gives ordered prefix scans.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects with params url (required) and table (default
// "kv_entries") and ensures the table exists.
func NewPostgresStore(ctx context.Context, params map[string]string) (*PostgresStore, error) {
	url := params["url"]
	if url == "" {
		return nil, fmt.Errorf("postgres kv backend requires params.url")
	}
	table := params["table"]
	if table == "" {
		table = "kv_entries"
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure kv table: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.table)
	_, err := s.pool.Exec(ctx, q, key, value)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	var value []byte
	err := s.pool.QueryRow(ctx, q, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PostgresStore) ScanPrefix(ctx context.Context, prefix string) ([]Pair, error) {
	q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= $1 AND key < $2 ORDER BY key`, s.table)
	rows, err := s.pool.Query(ctx, q, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pairs := make([]Pair, 0)
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	_, err := s.pool.Exec(ctx, q, key)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix. Empty prefix scans everything.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
