package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name is safe to use as a schema identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// ConnMiddleware acquires one pooled connection per request, points its
// search_path at schema and stores it on the request context.
func ConnMiddleware(pool *pgxpool.Pool, schema string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, "SET "+searchPath(schema)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "schema resolution failed")
			}

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func searchPath(schema string) string {
	return fmt.Sprintf("search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the request connection and returns a
// context carrying it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// InTx returns a function that runs fn inside a transaction, committing when
// fn returns nil. An enclosing transaction on ctx is reused. Without a
// request connection the transaction is begun on pool.
func InTx(pool *pgxpool.Pool) func(ctx context.Context, fn func(context.Context) error) error {
	return func(ctx context.Context, fn func(context.Context) error) error {
		if TxFromContext(ctx) != nil {
			return fn(ctx)
		}

		var (
			txCtx context.Context
			tx    pgx.Tx
			err   error
		)
		if ConnFromContext(ctx) != nil {
			txCtx, tx, err = WithTx(ctx)
		} else {
			tx, err = pool.Begin(ctx)
			if err == nil {
				txCtx = context.WithValue(ctx, DBTxKey, tx)
			}
		}
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(txCtx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

// CreateSchema creates schema if needed and applies every migration under
// migrationsDir to it. An empty migrationsDir skips migrations.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool, schema, migrationsDir string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("invalid schema name: %q", schema)
	}

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
