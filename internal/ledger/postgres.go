package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores cooldowns in faucet_cooldowns. A row is live while
// expires_at > now(); reservation reuses expired rows through
// ON CONFLICT ... WHERE, so expiry never depends on a cleanup job.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to connStr and creates faucet_cooldowns if needed.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS faucet_cooldowns (
			key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			tx_id TEXT,
			granted_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Remaining returns max(expires_at - now(), 0) for key.
func (p *Postgres) Remaining(ctx context.Context, key Key) (time.Duration, error) {
	ms, err := remainingMillis(ctx, p.pool, key.String())
	if err != nil {
		return 0, fmt.Errorf("remaining %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func remainingMillis(ctx context.Context, q querier, key string) (int64, error) {
	var ms int64
	err := q.QueryRow(ctx,
		`SELECT CEIL(EXTRACT(EPOCH FROM (expires_at - now())) * 1000)::BIGINT
		 FROM faucet_cooldowns
		 WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return ms, err
}

// Reserve inserts every row in one transaction, overwriting only expired
// rows, and rolls back with a *ReservedError if any key is live.
func (p *Postgres) Reserve(ctx context.Context, claims []Claim) (*Reservation, error) {
	if len(claims) == 0 {
		return nil, ErrNoClaims
	}
	r := newReservation(claims)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range claims {
		var key string
		err := tx.QueryRow(ctx,
			`INSERT INTO faucet_cooldowns (key, token, expires_at)
			 VALUES ($1, $2, now() + $3::BIGINT * INTERVAL '1 millisecond')
			 ON CONFLICT (key) DO UPDATE
			 SET token = EXCLUDED.token, tx_id = NULL, granted_at = NULL, expires_at = EXCLUDED.expires_at
			 WHERE faucet_cooldowns.expires_at <= now()
			 RETURNING key`,
			c.Key.String(), r.Token, windowMillis(c.Window),
		).Scan(&key)
		if errors.Is(err, pgx.ErrNoRows) {
			ms, rerr := remainingMillis(ctx, tx, c.Key.String())
			if rerr != nil || ms <= 0 {
				ms = windowMillis(c.Window)
			}
			return nil, &ReservedError{Key: c.Key, Remaining: time.Duration(ms) * time.Millisecond}
		}
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", c.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return r, nil
}

// Release deletes the rows still owned by r.Token.
func (p *Postgres) Release(ctx context.Context, r *Reservation) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM faucet_cooldowns WHERE key = ANY($1) AND token = $2`,
		r.keys(), r.Token,
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Commit stamps granted_at and tx_id on the owned rows and restarts
// their windows.
func (p *Postgres) Commit(ctx context.Context, r *Reservation, txID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var held int64
	for _, c := range r.Claims {
		tag, err := tx.Exec(ctx,
			`UPDATE faucet_cooldowns
			 SET token = '', tx_id = $3, granted_at = now(), expires_at = now() + $4::BIGINT * INTERVAL '1 millisecond'
			 WHERE key = $1 AND token = $2 AND expires_at > now()`,
			c.Key.String(), r.Token, txID, windowMillis(c.Window),
		)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.Key, err)
		}
		held += tag.RowsAffected()
	}
	if held == 0 {
		return ErrReservationLost
	}
	return tx.Commit(ctx)
}
