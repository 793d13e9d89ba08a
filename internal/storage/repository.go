package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"candle-sync/internal/frame"
)

const (
	createItemsTableSQL = `CREATE TABLE IF NOT EXISTS %[1]s (
        pk         TEXT PRIMARY KEY,
        ts         TIMESTAMPTZ NOT NULL,
        attrs      JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertItemSQL = `INSERT INTO %[1]s (
        pk,
        ts,
        attrs
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (pk) DO UPDATE
    SET
        ts         = EXCLUDED.ts,
        attrs      = EXCLUDED.attrs,
        updated_at = now();`

	getItemsSQL = `SELECT
        pk,
        ts,
        attrs
    FROM %[1]s
    WHERE pk = ANY($1)
    ORDER BY ts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresOptions configure the PostgreSQL item table.
type PostgresOptions struct {
	Table     string
	BatchSize int
}

// Store persists items into a PostgreSQL table with one JSONB document per key.
type Store struct {
	pool      *pgxpool.Pool
	batchSize int
	createSQL string
	upsertSQL string
	getSQL    string
	logger    zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, opts PostgresOptions, logger zerolog.Logger) *Store {
	if opts.Table == "" {
		opts.Table = "candle_items"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	table := pgx.Identifier{opts.Table}.Sanitize()
	return &Store{
		pool:      pool,
		batchSize: opts.BatchSize,
		createSQL: fmt.Sprintf(createItemsTableSQL, table),
		upsertSQL: fmt.Sprintf(upsertItemSQL, table),
		getSQL:    fmt.Sprintf(getItemsSQL, table),
		logger:    logger.With().Str("component", "postgres_store").Str("table", opts.Table).Logger(),
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the item table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, s.createSQL); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, unavailable("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// WriteBatch upserts items in one round trip. A statement failure leaves the
// whole batch unprocessed; a connection failure is reported as ErrStoreUnavailable.
func (s *Store) WriteBatch(ctx context.Context, items []Item) ([]Item, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		attrs, err := json.Marshal(it.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes for %s: %w", it.Key, err)
		}
		batch.Queue(s.upsertSQL, it.Key, it.Timestamp, attrs)
	}

	results := pool.SendBatch(ctx, batch)
	var execErr error
	for range items {
		if _, err := results.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if closeErr := results.Close(); closeErr != nil && execErr == nil {
		execErr = closeErr
	}
	return s.batchOutcome(items, execErr)
}

// batchOutcome maps the first error of a sent batch to the Writer contract.
func (s *Store) batchOutcome(items []Item, execErr error) ([]Item, error) {
	if execErr == nil {
		return nil, nil
	}
	if isStatementError(execErr) {
		s.logger.Warn().Err(execErr).Int("items", len(items)).Msg("batch upsert rejected")
		return items, nil
	}
	return nil, unavailable("batch upsert", execErr)
}

// MaxBatchSize implements Writer.
func (s *Store) MaxBatchSize() int { return s.batchSize }

// GetBatch selects items by key.
func (s *Store) GetBatch(ctx context.Context, keys []string) ([]Item, []string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}

	rows, err := pool.Query(ctx, s.getSQL, keys)
	if err != nil {
		return nil, nil, classify("get items", err)
	}
	defer rows.Close()

	found := make([]Item, 0, len(keys))
	for rows.Next() {
		it, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, nil, scanErr
		}
		found = append(found, it)
	}
	if rows.Err() != nil {
		return nil, nil, classify("get items", rows.Err())
	}
	return found, nil, nil
}

// MaxGetBatchSize implements Reader.
func (s *Store) MaxGetBatchSize() int { return DefaultMaxGetBatchSize }

func scanItem(rows pgx.Rows) (Item, error) {
	var (
		key   string
		ts    time.Time
		attrs []byte
	)
	if err := rows.Scan(&key, &ts, &attrs); err != nil {
		return Item{}, err
	}

	values := make(map[string]frame.Value)
	if err := json.Unmarshal(attrs, &values); err != nil {
		return Item{}, fmt.Errorf("decode attributes for %s: %w", key, err)
	}
	for name, v := range values {
		if v.IsAbsent() {
			delete(values, name)
		}
	}
	return Item{Key: key, Timestamp: ts.UTC(), Attributes: values}, nil
}

func isStatementError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func classify(op string, err error) error {
	if isStatementError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
