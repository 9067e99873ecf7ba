package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChecksumMismatch is returned when an applied migration file was edited
// after it ran.
var ErrChecksumMismatch = errors.New("applied migration has changed on disk")

// migrationFile matches "<version>_<name>.sql", e.g. 001_screening.sql.
var migrationFile = regexp.MustCompile(`^(\d+)_[A-Za-z0-9_.-]+\.sql$`)

// Migration is one numbered SQL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports a known migration against what a schema has run.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Drifted is set when the file no longer matches the applied checksum.
	Drifted bool
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Migrator applies numbered SQL files to a schema, once each, in order.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

// NewMigrator reads migrations from migrationsDir and applies them through pool.
func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

// LoadMigrations parses every migration file in the directory, sorted by
// version. Other files are ignored; two files claiming one version are an
// error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	seen := map[int]string{}
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by both %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: checksum(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func migrationsTable(schema string) string {
	return pgx.Identifier{schema, "schema_migrations"}.Sanitize()
}

func (m *Migrator) ensureTable(ctx context.Context, tx pgx.Tx, schema string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   CHAR(64) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, pgx.Identifier{schema}.Sanitize(), migrationsTable(schema)))
	if err != nil {
		return fmt.Errorf("create schema_migrations in %s: %w", schema, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, tx pgx.Tx, schema string) (map[int]appliedMigration, error) {
	rows, err := tx.Query(ctx, `SELECT version, checksum, applied_at FROM `+migrationsTable(schema))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	out := map[int]appliedMigration{}
	for rows.Next() {
		var (
			v int
			a appliedMigration
		)
		if err := rows.Scan(&v, &a.checksum, &a.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out[v] = a
	}
	return out, rows.Err()
}

// Up applies every pending migration to schema and returns how many ran.
// The whole run holds a transaction-scoped advisory lock on the schema, so
// replicas starting together apply each file once. A file that changed after
// it was applied stops the run with ErrChecksumMismatch.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if !ValidSchema(schema) {
		return 0, fmt.Errorf("invalid schema name: %q", schema)
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	err = m.inLockedTx(ctx, schema, func(tx pgx.Tx) error {
		done, err := m.applied(ctx, tx, schema)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "SET LOCAL "+searchPath(schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		for _, mig := range migrations {
			if prev, ok := done[mig.Version]; ok {
				if prev.checksum != mig.Checksum {
					return fmt.Errorf("%w: %s", ErrChecksumMismatch, mig.Name)
				}
				continue
			}
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+migrationsTable(schema)+` (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum,
			); err != nil {
				return fmt.Errorf("record migration %d: %w", mig.Version, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Status lists every migration file with its applied state in schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if !ValidSchema(schema) {
		return nil, fmt.Errorf("invalid schema name: %q", schema)
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	var done map[int]appliedMigration
	err = m.inLockedTx(ctx, schema, func(tx pgx.Tx) error {
		var err error
		done, err = m.applied(ctx, tx, schema)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buildStatus(migrations, done), nil
}

func buildStatus(migrations []Migration, done map[int]appliedMigration) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if a, ok := done[mig.Version]; ok {
			at := a.appliedAt
			st.Applied = true
			st.AppliedAt = &at
			st.Drifted = a.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out
}

func (m *Migrator) inLockedTx(ctx context.Context, schema string, fn func(pgx.Tx) error) error {
	if m.pool == nil {
		return errors.New("migrator has no database pool")
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "migrate:"+schema); err != nil {
		return fmt.Errorf("lock schema %s: %w", schema, err)
	}
	if err := m.ensureTable(ctx, tx, schema); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
