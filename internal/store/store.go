// Package store is the relational job record store. Every statement is built
// with the ent SQL builder so the same code runs on Postgres (production)
// and SQLite (local mode and tests). The store is the only coordination
// point between workers: claims and finalisation are conditional updates,
// progress is an atomic increment.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jackzampolin/codex/internal/schema"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveJob is returned when the target already has a non-terminal job
	// of the same kind.
	ErrActiveJob = errors.New("target already has an active job")
)

// DefaultChunkSize bounds how many natural keys one merge transaction touches.
const DefaultChunkSize = 20

// Config configures the database connection.
type Config struct {
	Driver   string `mapstructure:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`

	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	// ChunkSize is the merge chunk size (default 20).
	ChunkSize int `mapstructure:"chunk_size"`
	// MergeParallelism bounds concurrent chunk transactions (default 4).
	MergeParallelism int `mapstructure:"merge_parallelism"`
}

// Store wraps a *sql.DB with the job, entity, chapter and call tables.
type Store struct {
	db          *sql.DB
	pool        *pgxpool.Pool
	dialect     string
	logger      *slog.Logger
	chunkSize   int
	parallelism int
	now         func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source. Tests use it to age rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithChunkSize sets the merge chunk size and parallelism.
func WithChunkSize(size, parallelism int) Option {
	return func(s *Store) {
		if size > 0 {
			s.chunkSize = size
		}
		if parallelism > 0 {
			s.parallelism = parallelism
		}
	}
}

// New wraps an open database. d is an ent dialect name.
func New(db *sql.DB, d string, opts ...Option) *Store {
	s := &Store{
		db:          db,
		dialect:     d,
		logger:      slog.Default(),
		chunkSize:   DefaultChunkSize,
		parallelism: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects according to cfg. Postgres goes through a pgx pool wrapped
// as *sql.DB; SQLite uses a single connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{WithLogger(logger), WithChunkSize(cfg.ChunkSize, cfg.MergeParallelism)}

	switch cfg.Driver {
	case DriverPostgres:
		logger.Info("connecting to database", "driver", cfg.Driver)
		pc, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			pc.MaxConns = cfg.MaxConns
		}
		pc.MinConns = cfg.MinConns
		if cfg.MaxConnLifetime > 0 {
			pc.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			pc.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		pc.ConnConfig.RuntimeParams["application_name"] = "codex"
		if cfg.StatementTimeout > 0 {
			pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(cfg.StatementTimeout.Milliseconds())
		}

		dialCtx := ctx
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}
		pool, err := pgxpool.NewWithConfig(dialCtx, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s := New(stdlib.OpenDBFromPool(pool), dialect.Postgres, opts...)
		s.pool = pool
		return s, nil

	case DriverSQLite, "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:codex.db"
		}
		db, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection keeps transactions
		// from tripping over each other and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		logger.Info("opened sqlite database", "dsn", dsn)
		return New(db, dialect.SQLite, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Migrate applies the embedded schema for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return schema.Initialize(ctx, s.db, s.dialect, s.logger)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the ent dialect name.
func (s *Store) Dialect() string { return s.dialect }

// Close releases the database.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *Store) millis() int64 {
	return s.now().UTC().UnixMilli()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type statement interface {
	Query() (string, []any)
}

func exec(ctx context.Context, q querier, b statement) (int64, error) {
	query, args := b.Query()
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isUniqueViolation recognises unique constraint errors from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// greatest returns the dialect's two-argument max expression.
func (s *Store) greatest(column string, v any) entsql.Querier {
	fn := "MAX("
	if s.dialect == dialect.Postgres {
		fn = "GREATEST("
	}
	return entsql.ExprFunc(func(b *entsql.Builder) {
		b.WriteString(fn).Ident(column).Comma().Arg(v).WriteByte(')')
	})
}

// forUpdate adds a row lock where the dialect supports one.
func (s *Store) forUpdate(sel *entsql.Selector) *entsql.Selector {
	if s.dialect == dialect.Postgres {
		return sel.ForUpdate()
	}
	return sel
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
