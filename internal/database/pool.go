// Package database provides the SurrealDB connection layer for factgraph:
// a fixed-size async connection pool and the embedded schema migration
// engine that brings a namespace/database pair to the latest schema version.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/factgraph/factgraph/internal/config"
)

// Pool is a fixed-size pool of authenticated SurrealDB connections.
//
// The idle set is a buffered channel with capacity equal to the pool size,
// so acquire and release are each a single atomic channel operation and no
// external lock guards the connections themselves. At any instant
// idle + checked-out equals the configured size.
type Pool struct {
	cfg  config.SurrealDBConfig
	dial DialFunc
	log  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	idle        chan Conn
}

// NewPool creates an uninitialized pool that dials SurrealDB with the
// configured endpoint and credentials. Call Init before use.
func NewPool(cfg config.SurrealDBConfig) *Pool {
	return NewPoolWithDialer(cfg, surrealDialer(cfg))
}

// NewPoolWithDialer creates a pool with a custom dialer. Used by tests and
// callers that need to intercept connection establishment.
func NewPoolWithDialer(cfg config.SurrealDBConfig, dial DialFunc) *Pool {
	return &Pool{
		cfg:  cfg,
		dial: dial,
		log:  log.With().Str("component", "surrealdb-pool").Logger(),
		idle: make(chan Conn, cfg.PoolSize),
	}
}

// Init creates and authenticates the pool connections sequentially. If any
// connection fails, every connection created so far is closed and the pool
// remains uninitialized. Calling Init again after success is a no-op.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	created := make([]Conn, 0, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			p.log.Error().Err(err).Int("created", len(created)).
				Msg("failed to initialize SurrealDB pool")
			for _, c := range created {
				if cerr := c.Close(ctx); cerr != nil {
					p.log.Warn().Err(cerr).Str("conn_id", c.ID()).
						Msg("failed to close connection during init rollback")
				}
			}
			return fmt.Errorf("failed to initialize SurrealDB pool: %w", err)
		}
		p.log.Debug().Str("conn_id", conn.ID()).Msg("connection established")
		created = append(created, conn)
	}

	for _, c := range created {
		p.idle <- c
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	p.log.Info().Int("size", p.cfg.PoolSize).Msg("SurrealDB pool initialized")
	return nil
}

// Acquire checks one connection out of the pool. The returned release func
// must be called on every exit path (it is safe to call more than once);
// prefer WithConn unless the lease has to cross function boundaries.
//
// Returns ErrNotInitialized before Init, ErrAcquireTimeout when no
// connection becomes available within the configured acquire timeout, or
// ctx.Err() if the caller's context is cancelled first. A timed-out acquire
// affects neither the connection supply nor other waiters.
func (p *Pool) Acquire(ctx context.Context) (Conn, func(), error) {
	if !p.isInitialized() {
		return nil, nil, ErrNotInitialized
	}

	var conn Conn
	select {
	case conn = <-p.idle:
	default:
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case conn = <-p.idle:
		case <-timer.C:
			p.log.Warn().Dur("timeout", p.cfg.AcquireTimeout).
				Msg("timed out waiting for SurrealDB connection")
			return nil, nil, ErrAcquireTimeout
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.release(conn)
		})
	}
	return conn, release, nil
}

// release returns a connection to the idle set, or closes it if the pool
// was closed while the lease was out.
func (p *Pool) release(conn Conn) {
	p.mu.Lock()
	open := p.initialized
	p.mu.Unlock()

	if !open {
		if err := conn.Close(context.Background()); err != nil {
			p.log.Warn().Err(err).Str("conn_id", conn.ID()).
				Msg("failed to close connection returned after pool close")
		}
		return
	}

	// Capacity equals pool size, so this never blocks.
	p.idle <- conn
}

// WithConn runs fn with a leased connection, guaranteeing release on all
// paths including panics inside fn.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	conn, release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(conn)
}

// ExecuteSchema acquires a connection, executes a (potentially
// multi-statement) schema or query payload and returns the raw results.
// This is the primitive the migration engine runs on.
func (p *Pool) ExecuteSchema(ctx context.Context, statement string, vars map[string]any) ([]Result, error) {
	var results []Result
	err := p.WithConn(ctx, func(c Conn) error {
		var qerr error
		results, qerr = c.Query(ctx, statement, vars)
		return qerr
	})
	return results, err
}

// Ping verifies the pool can serve a round-trip query.
func (p *Pool) Ping(ctx context.Context) error {
	_, err := p.ExecuteSchema(ctx, "SELECT * FROM schema_versions LIMIT 1;", nil)
	return err
}

// Close marks the pool uninitialized and drains the idle set, closing each
// connection. Individual close failures are logged, not raised. Connections
// checked out at the time of the call are closed when their leases are
// released; none outlive the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			if err := conn.Close(ctx); err != nil {
				p.log.Warn().Err(err).Str("conn_id", conn.ID()).
					Msg("failed to close SurrealDB connection")
			}
		default:
			return nil
		}
	}
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.cfg.PoolSize
}

// Idle returns the number of connections currently in the idle set.
func (p *Pool) Idle() int {
	return len(p.idle)
}

func (p *Pool) isInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// CreatePool builds, initializes and schema-migrates a pool in one call.
// On any failure during migration the pool is closed before the error is
// propagated, so a partially-migrated pool is never handed back.
func CreatePool(ctx context.Context, cfg config.SurrealDBConfig) (*Pool, error) {
	pool := NewPool(cfg)
	if err := pool.Init(ctx); err != nil {
		return nil, err
	}

	if err := NewMigrator(pool, cfg).Migrate(ctx); err != nil {
		_ = pool.Close(ctx)
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return pool, nil
}
