// Package pgstore implements the session store backend on PostgreSQL with a
// version column guarding every conditional write. Versions come from one
// sequence per table, so a key that is deleted and recreated never reuses a
// version an earlier reader may still hold.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "moorage_sessions"

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config configures the PostgreSQL connection.
type Config struct {
	DSN   string
	Table string
}

// Backend is a sessionstore.Backend on PostgreSQL.
type Backend struct {
	pool    *pgxpool.Pool
	table   string
	seq     string
	nextval string
}

// New connects to PostgreSQL and creates the session table if needed.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", schema.ErrStoreUnavailable, err)
	}
	seq := pgx.Identifier{table + "_version_seq"}.Sanitize()
	b := &Backend{
		pool:    pool,
		table:   pgx.Identifier{table}.Sanitize(),
		seq:     seq,
		nextval: "nextval('" + seq + "')",
	}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS ` + b.seq,
		`CREATE TABLE IF NOT EXISTS ` + b.table + ` (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT ` + b.nextval + `
)`,
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Update implements sessionstore.Backend.
func (b *Backend) Update(ctx context.Context, key string, fn sessionstore.MutateFunc) error {
	var (
		current []byte
		version int64
		exists  = true
	)
	err := b.pool.QueryRow(ctx, `SELECT value, version FROM `+b.table+` WHERE key = $1`, key).Scan(&current, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		current, exists = nil, false
	} else if err != nil {
		return classify(err)
	}
	next, action, err := fn(current, exists)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	switch {
	case action == sessionstore.Keep:
		return nil
	case action == sessionstore.Put && !exists:
		tag, err = b.pool.Exec(ctx, `INSERT INTO `+b.table+` (key, value, version) VALUES ($1, $2, `+b.nextval+`) ON CONFLICT (key) DO NOTHING`, key, string(next))
	case action == sessionstore.Put:
		tag, err = b.pool.Exec(ctx, `UPDATE `+b.table+` SET value = $2, version = `+b.nextval+` WHERE key = $1 AND version = $3`, key, string(next), version)
	case action == sessionstore.Delete && !exists:
		return nil
	case action == sessionstore.Delete:
		tag, err = b.pool.Exec(ctx, `DELETE FROM `+b.table+` WHERE key = $1 AND version = $2`, key, version)
	default:
		return errors.New("unknown update action")
	}
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
	}
	return nil
}

// Get implements sessionstore.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.pool.QueryRow(ctx, `SELECT value FROM `+b.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return value, true, nil
}

// Scan implements sessionstore.Backend.
func (b *Backend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	rows, err := b.pool.Query(ctx, `SELECT key, value FROM `+b.table+` WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return classify(err)
	}
	type row struct {
		key   string
		value []byte
	}
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return classify(err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	for _, r := range out {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements sessionstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements sessionstore.Backend.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %w", err)
	}
	return fmt.Errorf("%w: postgres: %v", schema.ErrStoreUnavailable, err)
}
