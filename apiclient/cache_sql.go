package apiclient

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore is a CacheStore backed by a relational database through sqlx,
// for caches that must survive process restarts. The table needs four
// columns, named as below:
//
//	cache_key   text, primary key
//	value       bytes
//	stored_at   integer unix seconds
//	expires_at  integer unix seconds, 0 for no expiry
//
// Queries are written with ? placeholders and passed through Rebind, so
// any sqlx-supported driver works. The table name comes from trusted
// configuration, not user input.
type SQLStore struct {
	db    *sqlx.DB
	table string

	now func() time.Time
}

// DefaultSQLStoreTable is used when NewSQLStore is given an empty table
// name.
const DefaultSQLStoreTable = "api_cache"

// NewSQLStore wraps an existing database handle. The caller keeps
// ownership of the handle and must have created the table.
func NewSQLStore(db *sqlx.DB, table string) *SQLStore {
	if table == "" {
		table = DefaultSQLStoreTable
	}
	return &SQLStore{db: db, table: table, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row struct {
		Value     []byte `db:"value"`
		ExpiresAt int64  `db:"expires_at"`
	}

	query := s.db.Rebind(`SELECT value, expires_at FROM ` + s.table + ` WHERE cache_key = ?`)
	err := s.db.GetContext(ctx, &row, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if row.ExpiresAt > 0 && row.ExpiresAt <= s.now().Unix() {
		return nil, false, nil
	}
	return row.Value, true, nil
}

// Set upserts as delete-then-insert inside one transaction; native upsert
// syntax differs per driver and this path is not hot enough to care.
func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del := s.db.Rebind(`DELETE FROM ` + s.table + ` WHERE cache_key = ?`)
	if _, err := tx.ExecContext(ctx, del, key); err != nil {
		return err
	}

	ins := s.db.Rebind(`INSERT INTO ` + s.table + ` (cache_key, value, stored_at, expires_at) VALUES (?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, key, value, now.Unix(), expiresAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	query := s.db.Rebind(`DELETE FROM ` + s.table + ` WHERE cache_key LIKE ? ESCAPE '\'`)
	res, err := s.db.ExecContext(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PurgeExpired deletes rows whose TTL has passed. Reads already filter
// expired rows, so this is housekeeping, not correctness.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int, error) {
	query := s.db.Rebind(`DELETE FROM ` + s.table + ` WHERE expires_at > 0 AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, s.now().Unix())
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
