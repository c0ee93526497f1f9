package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/factgraph/factgraph/internal/config"
)

// Result is the outcome of a single statement within a (potentially
// multi-statement) query. DDL statements produce no rows.
type Result struct {
	Status string
	Rows   []map[string]any
}

// Conn is a single authenticated, namespace/database-scoped SurrealDB
// session. A Conn is exclusively owned by the pool while idle and by exactly
// one caller while checked out; it is never shared concurrently.
type Conn interface {
	// ID returns a stable identifier for log correlation.
	ID() string

	// Query executes a query or multi-statement schema payload and returns
	// one Result per statement.
	Query(ctx context.Context, sql string, vars map[string]any) ([]Result, error)

	// Close terminates the underlying session.
	Close(ctx context.Context) error
}

// DialFunc establishes one authenticated connection. The pool calls it
// exactly size times during Init.
type DialFunc func(ctx context.Context) (Conn, error)

type surrealConn struct {
	id string
	db *surrealdb.DB
}

// surrealDialer returns the production DialFunc: connect, sign in as root
// and select the configured namespace/database.
func surrealDialer(cfg config.SurrealDBConfig) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SurrealDB at %s: %w", cfg.URL, err)
		}

		if _, err := db.SignIn(ctx, surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
		}

		if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to select namespace %q database %q: %w",
				cfg.Namespace, cfg.Database, err)
		}

		return &surrealConn{id: uuid.NewString(), db: db}, nil
	}
}

func (c *surrealConn) ID() string {
	return c.id
}

func (c *surrealConn) Query(ctx context.Context, sql string, vars map[string]any) ([]Result, error) {
	res, err := surrealdb.Query[[]map[string]any](ctx, c.db, sql, vars)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(*res))
	for _, qr := range *res {
		results = append(results, Result{
			Status: qr.Status,
			Rows:   qr.Result,
		})
	}

	return results, nil
}

func (c *surrealConn) Close(ctx context.Context) error {
	return c.db.Close(ctx)
}
