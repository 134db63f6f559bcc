package legislature

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps legislature rows in a Postgres table.
type PostgresStore struct {
	pool  pool
	table string
}

// NewPostgresStore connects to Postgres using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(p pool, table string) (*PostgresStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "legislatures"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: p, table: table}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	title TEXT,
	president TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveTitle implements Store.
func (s *PostgresStore) SaveTitle(ctx context.Context, url, title string) (Legislature, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, url, title)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET title = EXCLUDED.title
RETURNING id, url, title, president`, s.table)
	row, err := scanRow(s.pool.QueryRow(ctx, query, uuid.New(), url, title))
	if err != nil {
		return Legislature{}, fmt.Errorf("save legislature title: %w", err)
	}
	return row, nil
}

// SetPresident implements Store.
func (s *PostgresStore) SetPresident(ctx context.Context, url, president string) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, url, president)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET president = EXCLUDED.president`, s.table)
	if _, err := s.pool.Exec(ctx, query, uuid.New(), url, president); err != nil {
		return fmt.Errorf("save legislature president: %w", err)
	}
	return nil
}

// List implements Store, ordered by URL.
func (s *PostgresStore) List(ctx context.Context) ([]Legislature, error) {
	query := fmt.Sprintf(`SELECT id, url, title, president FROM %s ORDER BY url`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list legislatures: %w", err)
	}
	defer rows.Close()

	var out []Legislature
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan legislature: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legislatures: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanRow(row pgx.Row) (Legislature, error) {
	var (
		out       Legislature
		title     *string
		president *string
	)
	if err := row.Scan(&out.ID, &out.URL, &title, &president); err != nil {
		return Legislature{}, err
	}
	if title != nil {
		out.Title = *title
	}
	if president != nil {
		out.President = *president
	}
	return out, nil
}
