// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultPageSize = 500

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

type tables struct {
	ids      string
	products string
	metadata string
}

// Store persists product identifiers, product attributes and metadata in Postgres.
type Store struct {
	pool     pool
	t        tables
	pageSize int
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	t, err := tableNames(cfg.TablePrefix)
	if err != nil {
		return nil, err
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
	return &Store{pool: p, t: t, pageSize: defaultPageSize}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := tableNames(prefix)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, t: t, pageSize: defaultPageSize}, nil
}

func tableNames(prefix string) (tables, error) {
	t := tables{
		ids:      prefix + "product_ids",
		products: prefix + "products",
		metadata: prefix + "metadata",
	}
	for _, name := range []string{t.ids, t.products, t.metadata} {
		if !validTableName.MatchString(name) {
			return tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL,
	module_id BIGINT NOT NULL,
	product_id TEXT NOT NULL,
	PRIMARY KEY (module_id, product_id)
)`, s.t.ids),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	module_id BIGINT NOT NULL,
	product_id TEXT NOT NULL,
	gid BIGINT NOT NULL,
	brand TEXT NOT NULL,
	model TEXT NOT NULL,
	price BIGINT,
	min_price BIGINT,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	observed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (module_id, product_id)
)`, s.t.products),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS min_price BIGINT`, s.t.products),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_brand_model_idx ON %s (brand, model)`, s.t.products, s.t.products),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`, s.t.metadata),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetMetadata returns a metadata value.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.t.metadata), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, true, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`
INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.t.metadata)
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// AddProductIDs inserts unknown identifiers, preserving their order.
func (s *Store) AddProductIDs(ctx context.Context, module crawler.ModuleID, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (module_id, product_id)
SELECT $1, id FROM unnest($2::text[]) WITH ORDINALITY AS t(id, ord) ORDER BY ord
ON CONFLICT (module_id, product_id) DO NOTHING`, s.t.ids)
	tag, err := s.pool.Exec(ctx, query, int64(module), ids)
	if err != nil {
		return 0, fmt.Errorf("insert product ids: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ProductIDs returns a keyset-paginated iterator in insertion order.
func (s *Store) ProductIDs(_ context.Context, module crawler.ModuleID) (crawler.ProductIterator, error) {
	return &iterator{store: s, module: module}, nil
}

// LookupGroup resolves the group and the lowest price ever observed for
// (brand, model).
func (s *Store) LookupGroup(ctx context.Context, brand, model string) (crawler.GroupPrice, bool, error) {
	query := fmt.Sprintf(`
SELECT gid, MIN(min_price) FROM %s
WHERE brand = $1 AND model = $2
GROUP BY gid
ORDER BY MIN(observed_at)
LIMIT 1`, s.t.products)
	var (
		gid      int64
		minPrice *int64
	)
	err := s.pool.QueryRow(ctx, query, brand, model).Scan(&gid, &minPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.GroupPrice{}, false, nil
	}
	if err != nil {
		return crawler.GroupPrice{}, false, fmt.Errorf("lookup group: %w", err)
	}
	g := crawler.GroupPrice{GroupID: crawler.GroupID(gid)}
	if minPrice != nil {
		g.MinPrice = *minPrice
		g.HasPrice = true
	}
	return g, true, nil
}

// UpsertProduct inserts or merges a product record. Attributes are merged key
// by key; a missing price keeps the stored one. min_price only ever decreases.
func (s *Store) UpsertProduct(ctx context.Context, record crawler.ProductRecord) error {
	attrs, err := json.Marshal(attributeJSON(record.Attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	var price *int64
	if record.HasPrice {
		price = &record.Price
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (module_id, product_id, gid, brand, model, price, min_price, attributes, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
ON CONFLICT (module_id, product_id) DO UPDATE SET
	gid = EXCLUDED.gid,
	brand = EXCLUDED.brand,
	model = EXCLUDED.model,
	price = COALESCE(EXCLUDED.price, %[1]s.price),
	min_price = LEAST(%[1]s.min_price, EXCLUDED.min_price),
	attributes = %[1]s.attributes || EXCLUDED.attributes,
	observed_at = EXCLUDED.observed_at`, s.t.products)
	_, err = s.pool.Exec(ctx, query,
		int64(record.ModuleID),
		record.ProductID,
		int64(record.GroupID),
		record.Brand,
		record.Model,
		price,
		attrs,
		record.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func attributeJSON(attrs map[string]crawler.Value) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v.Kind == crawler.ValueInt {
			out[k] = v.Int
		} else {
			out[k] = v.Str
		}
	}
	return out
}

type iterator struct {
	store  *Store
	module crawler.ModuleID
	cursor int64
	buf    []idRow
	done   bool
}

type idRow struct {
	seq int64
	id  string
}

func (it *iterator) fill(ctx context.Context) error {
	if it.done || len(it.buf) > 0 {
		return nil
	}
	query := fmt.Sprintf(`
SELECT seq, product_id FROM %s
WHERE module_id = $1 AND seq > $2
ORDER BY seq
LIMIT $3`, it.store.t.ids)
	rows, err := it.store.pool.Query(ctx, query, int64(it.module), it.cursor, it.store.pageSize)
	if err != nil {
		return fmt.Errorf("query product ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r idRow
		if err := rows.Scan(&r.seq, &r.id); err != nil {
			return fmt.Errorf("scan product id: %w", err)
		}
		it.buf = append(it.buf, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate product ids: %w", err)
	}
	if len(it.buf) < it.store.pageSize {
		it.done = true
	}
	return nil
}

func (it *iterator) Next(ctx context.Context) (string, bool, error) {
	if err := it.fill(ctx); err != nil {
		return "", false, err
	}
	if len(it.buf) == 0 {
		return "", false, nil
	}
	r := it.buf[0]
	it.buf = it.buf[1:]
	it.cursor = r.seq
	return r.id, true, nil
}

func (it *iterator) SeekRelative(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("seek backwards by %d not supported", -n)
	}
	for n > 0 {
		if err := it.fill(ctx); err != nil {
			return err
		}
		if len(it.buf) == 0 {
			return nil
		}
		k := min(n, len(it.buf))
		it.cursor = it.buf[k-1].seq
		it.buf = it.buf[k:]
		n -= k
	}
	return nil
}

func (it *iterator) Close() error { return nil }

var (
	_ crawler.ProductStore  = (*Store)(nil)
	_ crawler.MetadataStore = (*Store)(nil)
)
