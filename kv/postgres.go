package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// OpenPostgres opens a pooled connection and verifies it with a ping.
// The returned handle is shared by every PostgresStore table.
func OpenPostgres(config *PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// PostgresStore is a Store backed by a single Postgres table with an
// expires_at column. Expiry is lazy: reads and listings filter expired
// rows, and PutIfAbsent clears an expired row before inserting so the
// insert's ON CONFLICT DO NOTHING stays the atomic arbiter.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a Store over the named table, creating the
// table if needed. Each logical store (submissions, replay marks,
// export tokens) gets its own table.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	s := &PostgresStore{db: db, table: table}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations for %s: %w", table, err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key VARCHAR(512) PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);
	`, s.table, s.table, s.table)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func expiresAt(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf(
		`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, s.table)

	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres get: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET
		value = EXCLUDED.value,
		expires_at = EXCLUDED.expires_at
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// Clear a dead row first so the conflict target only ever sees
	// live entries.
	reap := fmt.Sprintf(
		`DELETE FROM %s WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`, s.table)
	if _, err := s.db.ExecContext(ctx, reap, key); err != nil {
		return false, fmt.Errorf("postgres reap: %w", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`, s.table)
	res, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl))
	if err != nil {
		return false, fmt.Errorf("postgres put-if-absent: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres put-if-absent: %w", err)
	}
	return inserted == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	query := fmt.Sprintf(`
	SELECT key FROM %s
	WHERE ($1 = '' OR key > $1) AND (expires_at IS NULL OR expires_at > NOW())
	ORDER BY key
	LIMIT $2
	`, s.table)

	rows, err := s.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("postgres list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, "", fmt.Errorf("scanning row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres list: %w", err)
	}

	if len(keys) == limit && limit > 0 {
		return keys, keys[len(keys)-1], nil
	}
	return keys, "", nil
}
