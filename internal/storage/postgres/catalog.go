// Package postgres records completed bundles in a Postgres catalog table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

const defaultTable = "bundles"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for catalog rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Catalog is a completion hook that inserts one row per bundle. Replays of
// the same bundle are ignored, so recovery can call it again safely.
type Catalog struct {
	pool  execCloser
	table string
}

var _ bundle.CompleteHook = (*Catalog)(nil)

// NewCatalog creates a Catalog with its own connection pool.
func NewCatalog(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c, err := NewCatalogWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// NewCatalogWithPool constructs a catalog from an existing pool (primarily for testing).
func NewCatalogWithPool(pool execCloser, table string) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Catalog{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// EnsureSchema creates the catalog table when it does not exist.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	bid TEXT PRIMARY KEY,
	primary_url TEXT NOT NULL,
	resource_count INTEGER NOT NULL,
	storage_key TEXT NOT NULL,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

// OnBundleComplete inserts the bundle row.
func (c *Catalog) OnBundleComplete(ctx context.Context, ref bundle.BundleRef) error {
	if ref.BID == "" {
		return fmt.Errorf("bundle id is required")
	}
	meta := ref.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	bid,
	primary_url,
	resource_count,
	storage_key,
	metadata,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (bid) DO NOTHING`, c.table)

	args := []any{
		ref.BID.String(),
		ref.PrimaryURL,
		ref.ResourceCount,
		ref.StorageKey,
		metaJSON,
		ref.CreatedAt,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert bundle %s: %w", ref.BID, err)
	}
	return nil
}
