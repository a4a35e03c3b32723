// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore runs queries against either the pool or an open transaction.
type sqlStore struct {
	q      querier
	driver string
}

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	sqlStore
	db            *sql.DB
	commitRetries int
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	retries := cfg.CommitRetries
	if retries < 1 {
		retries = 1
	}

	repo := &SQLRepository{
		sqlStore:      sqlStore{q: db, driver: cfg.Driver},
		db:            db,
		commitRetries: retries,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// WithTx runs fn inside one database transaction. On postgres the
// transaction is SERIALIZABLE and serialization failures are retried up to
// the configured bound; fn must therefore be safe to run more than once.
func (r *SQLRepository) WithTx(ctx context.Context, fn func(ctx context.Context, s domain.Store) error) error {
	return r.inTx(ctx, func(s *sqlStore) error {
		return fn(ctx, s)
	})
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(s *sqlStore) error) error {
	var err error
	for attempt := 1; attempt <= r.commitRetries; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		slog.Debug("retrying serialization failure", "attempt", attempt)
	}
	return err
}

func (r *SQLRepository) runTx(ctx context.Context, fn func(s *sqlStore) error) (err error) {
	var opts *sql.TxOptions
	if r.driver == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return wrapDB(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&sqlStore{q: tx, driver: r.driver}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return wrapDB(err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// wrapDB tags a driver error as a repository failure.
func wrapDB(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrRepository, err)
}

const dateLayout = "2006-01-02"

// dateArg binds a calendar date as YYYY-MM-DD, which both drivers compare
// correctly against a DATE column.
func dateArg(t time.Time) string {
	return t.Format(dateLayout)
}

func nullableDateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dateArg(*t)
}

// nullDate scans a DATE column regardless of whether the driver hands back
// time.Time or text.
type nullDate struct {
	Time  time.Time
	Valid bool
}

func (d *nullDate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Time, d.Valid = time.Time{}, false
		return nil
	case time.Time:
		d.Time, d.Valid = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into date", src)
	}
}

func (d *nullDate) parse(s string) error {
	if len(s) < len(dateLayout) {
		return fmt.Errorf("invalid date %q", s)
	}
	t, err := time.Parse(dateLayout, s[:len(dateLayout)])
	if err != nil {
		return err
	}
	d.Time, d.Valid = t, true
	return nil
}

func (d nullDate) ptr() *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
