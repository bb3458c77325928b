package audit

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_divergences (
	id          BIGSERIAL PRIMARY KEY,
	address     TEXT        NOT NULL,
	phase       BIGINT      NOT NULL,
	kind        TEXT        NOT NULL,
	ledger      NUMERIC(78) NOT NULL,
	local       NUMERIC(78) NOT NULL,
	refresh_id  TEXT        NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_divergences_address_idx
	ON ledger_divergences (address, observed_at DESC);
`

// PostgresSink persists divergences to a Postgres table
type PostgresSink struct {
	pool *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink connects, verifies the connection and ensures the table exists
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse audit dsn: %w", err)
	}
	config.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to audit database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &PostgresSink{pool: pool}, nil
}

// Record inserts one divergence row
func (s *PostgresSink) Record(ctx context.Context, d Divergence) error {
	query := `
		INSERT INTO ledger_divergences (address, phase, kind, ledger, local, refresh_id, observed_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, divergenceArgs(d)...)
	if err != nil {
		return fmt.Errorf("insert divergence: %w", err)
	}
	return nil
}

// Recent returns the latest divergences for an address, newest first
func (s *PostgresSink) Recent(ctx context.Context, addr common.Address, limit int) ([]Divergence, error) {
	query := `
		SELECT address, phase, kind, ledger::text, local::text, refresh_id, observed_at
		FROM ledger_divergences
		WHERE address = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, addr.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("query divergences: %w", err)
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		d, err := scanDivergence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate divergences: %w", err)
	}
	return out, nil
}

// Close releases the pool
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func divergenceArgs(d Divergence) []any {
	observed := d.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return []any{
		d.Address.Hex(),
		int64(d.Phase),
		string(d.Kind),
		numericString(d.Ledger),
		numericString(d.Local),
		d.RefreshID,
		observed.UTC(),
	}
}

func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func scanDivergence(row pgx.Row) (Divergence, error) {
	var (
		d             Divergence
		addr, kind    string
		phase         int64
		ledger, local string
	)
	if err := row.Scan(&addr, &phase, &kind, &ledger, &local, &d.RefreshID, &d.ObservedAt); err != nil {
		return Divergence{}, fmt.Errorf("scan divergence: %w", err)
	}
	d.Address = common.HexToAddress(addr)
	d.Phase = uint64(phase)
	d.Kind = Kind(kind)

	var ok bool
	if d.Ledger, ok = new(big.Int).SetString(ledger, 10); !ok {
		return Divergence{}, fmt.Errorf("scan divergence: bad ledger value %q", ledger)
	}
	if d.Local, ok = new(big.Int).SetString(local, 10); !ok {
		return Divergence{}, fmt.Errorf("scan divergence: bad local value %q", local)
	}
	return d, nil
}
