package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds the fact-store connection pool.
type PoolConfig struct {
	MinConns   int32
	MaxConns   int32
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultPoolConfig returns the tuning used when a loader supplies none.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinConns: 1, MaxConns: 10, MaxRetries: 3, RetryDelay: time.Second}
}

// probeConn is the slice of a pooled connection the acquisition loop
// touches. Real connections are pgxpool conns; tests script the probe.
type probeConn interface {
	Ping(ctx context.Context) error
	Release()
	destroy(ctx context.Context)
}

type pooledPgxConn struct{ *pgxpool.Conn }

func (c pooledPgxConn) destroy(ctx context.Context) {
	_ = c.Conn.Conn().Close(ctx)
	c.Release()
}

// Pool is a bounded pool of fact-store connections. Acquisition probes the
// connection and retries with linearly growing delay before giving up.
// Pool satisfies Querier, so the propose-fact client and the geographic
// cache run every statement over a probed connection.
type Pool struct {
	pool *pgxpool.Pool
	cfg  PoolConfig
	log  *slog.Logger

	acquireRaw func(ctx context.Context) (probeConn, error)
}

// NewPool connects to the fact store at dsn with the given bounds.
func NewPool(ctx context.Context, dsn string, cfg PoolConfig, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=graph.pool.parse: %w", err)
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.Tracer = otelpgx.NewTracer()
	p, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("op=graph.pool.connect: %w", err)
	}
	pool := &Pool{pool: p, cfg: cfg, log: log}
	pool.acquireRaw = func(ctx context.Context) (probeConn, error) {
		c, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return pooledPgxConn{c}, nil
	}
	return pool, nil
}

// Acquire returns a probed connection. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	c, err := p.acquireProbed(ctx)
	if err != nil {
		return nil, err
	}
	return c.(pooledPgxConn).Conn, nil
}

func (p *Pool) acquireProbed(ctx context.Context) (probeConn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		conn, err := p.acquireRaw(ctx)
		if err != nil {
			lastErr = err
		} else if err := conn.Ping(ctx); err != nil {
			// Destroy rather than return to the pool; the next acquire
			// establishes a fresh connection.
			conn.destroy(ctx)
			lastErr = err
		} else {
			return conn, nil
		}
		if attempt < p.cfg.MaxRetries {
			delay := p.cfg.RetryDelay * time.Duration(attempt)
			p.log.Warn("store connection probe failed",
				slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("error", lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("op=graph.pool.acquire: %w", lastErr)
}

// WithConn acquires a connection, runs fn, and releases on all exit paths.
func (p *Pool) WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Exec runs a statement over a probed connection.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := p.WithConn(ctx, func(c *pgxpool.Conn) error {
		var err error
		tag, err = c.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

// QueryRow runs a single-row query over a probed connection. The
// connection is released when the row is scanned.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return errRow{err: err}
	}
	return releasingRow{row: conn.QueryRow(ctx, sql, args...), release: conn.Release}
}

// Query runs a multi-row query over a probed connection. The connection is
// released when the rows are closed.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &releasingRows{Rows: rows, release: conn.Release}, nil
}

// Close tears down all connections.
func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type releasingRow struct {
	row     pgx.Row
	release func()
}

func (r releasingRow) Scan(dest ...any) error {
	defer r.release()
	return r.row.Scan(dest...)
}

type releasingRows struct {
	pgx.Rows
	release func()
}

func (r *releasingRows) Close() {
	r.Rows.Close()
	r.release()
}
