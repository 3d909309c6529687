package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/csrsign/internal/store"
)

// nextSerialSQL creates the CA row on first use and otherwise increments it.
// The upsert takes a row lock, so concurrent callers on any number of server
// instances are serialised by the database.
const nextSerialSQL = `
	INSERT INTO ca_serials (ca_id, last_serial)
	VALUES ($1, $2::numeric)
	ON CONFLICT (ca_id) DO UPDATE
		SET last_serial = ca_serials.last_serial + 1,
		    updated_at = now()
	RETURNING last_serial::text
`

// SerialLedger implements store.SerialLedger using PostgreSQL.
type SerialLedger struct {
	pool *pgxpool.Pool
	cfg  *SerialLedgerConfig

	// ownsPool is set when the ledger opened the pool and must close it.
	ownsPool bool
}

// OpenSerialLedger connects to the database in cfg.ConnString and creates a
// ledger that owns the resulting pool. Close releases it.
func OpenSerialLedger(ctx context.Context, cfg *SerialLedgerConfig) (*SerialLedger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	poolConfig, err := cfg.poolConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ledger, err := NewSerialLedger(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	ledger.ownsPool = true

	if err := ledger.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return ledger, nil
}

// NewSerialLedger creates a PostgreSQL-backed serial ledger on an existing pool.
func NewSerialLedger(ctx context.Context, pool *pgxpool.Pool, cfg *SerialLedgerConfig) (*SerialLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Run migrations only if explicitly enabled
	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	log.Info().Str("ca_id", cfg.CAID).Msg("PostgreSQL serial ledger ready")

	return &SerialLedger{pool: pool, cfg: cfg}, nil
}

// Ping checks the database is reachable within the query timeout.
func (l *SerialLedger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.queryTimeout())
	defer cancel()

	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", mapPostgresError(err))
	}
	return nil
}

// Close releases the pool when the ledger opened it.
func (l *SerialLedger) Close() {
	if l.ownsPool {
		l.pool.Close()
	}
}

// Next allocates the next serial for the configured CA.
func (l *SerialLedger) Next(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.queryTimeout())
	defer cancel()

	// the seed is only used when the row does not exist yet
	seed, err := store.RandomSeed()
	if err != nil {
		return nil, err
	}

	var text string
	if err := l.pool.QueryRow(ctx, nextSerialSQL, l.cfg.CAID, seed.String()).Scan(&text); err != nil {
		return nil, fmt.Errorf("failed to allocate serial: %w", mapPostgresError(err))
	}

	serial, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected serial value %q", store.ErrLedgerCorrupt, text)
	}
	if err := store.CheckSerial(serial); err != nil {
		return nil, err
	}

	return serial, nil
}
