// Package sqlite provides a SQLite backed BlobStore: the persistent tier of
// the tile cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/realitymesh/realitymesh/assets"
	"github.com/realitymesh/realitymesh/internal/build"
	"github.com/realitymesh/realitymesh/pkg/blobstore"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/telemetry"
)

const (
	tableName = "blob"

	defaultOpenTimeout = 10 * time.Second
	busyRetryTimeout   = 2 * time.Second
)

var tracer = otel.Tracer("realitymesh/pkg/blobstore/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// BlobStore provides a SQLite based implementation of [blobstore.BlobStore].
type BlobStore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	exportMetrics    bool
	openTimeout      time.Duration
}

// Ensures that SQLite implements the BlobStore interface.
var _ blobstore.BlobStore = (*BlobStore)(nil)

type Option func(*BlobStore)

// WithLogger sets the logger used to report migration progress.
func WithLogger(l logger.Logger) Option {
	return func(s *BlobStore) {
		s.logger = l
	}
}

// WithMetrics exports database/sql connection pool statistics to prometheus.
func WithMetrics(enabled bool) Option {
	return func(s *BlobStore) {
		s.exportMetrics = enabled
	}
}

// WithOpenTimeout bounds how long New retries the initial connection.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *BlobStore) {
		s.openTimeout = d
	}
}

// PrepareDSN prepares a raw DSN for use with SQLite, specifying defaults for
// journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New opens (creating if needed) the SQLite database at uri and migrates it to
// the latest schema.
func New(ctx context.Context, uri string, opts ...Option) (*BlobStore, error) {
	s := &BlobStore{
		logger:      logger.NewNoopLogger(),
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.openTimeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(ctx, db, s.logger); err != nil {
		db.Close()
		return nil, err
	}

	if s.exportMetrics {
		s.dbStatsCollector = collectors.NewDBStatsCollector(db, build.ProjectName+"_blobstore")
		if err := prometheus.Register(s.dbStatsCollector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	s.db = db
	s.stbl = sq.StatementBuilder.RunWith(db)
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB, l logger.Logger) error {
	migrations, err := fs.Sub(assets.EmbedMigrations, assets.SqliteMigrationDir)
	if err != nil {
		return fmt.Errorf("load sqlite migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("initialize sqlite migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run sqlite migrations: %w", err)
	}
	for _, r := range results {
		l.Debug("applied blob store migration", zap.String("source", r.Source.Path), zap.Duration("duration", r.Duration))
	}

	return nil
}

// Close see [blobstore.BlobStore].Close.
func (s *BlobStore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// Put see [blobstore.BlobStore].Put.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, span := startTrace(ctx, "Put")
	defer span.End()
	span.SetAttributes(attribute.String("key", key), attribute.Int("size", len(data)))

	checksum := int64(blobstore.Checksum(data))
	err := busyRetry(ctx, func() error {
		_, err := s.stbl.
			Insert(tableName).
			Columns("key", "data", "checksum", "size", "updated_at").
			Values(key, data, checksum, len(data), sq.Expr("datetime('subsec')")).
			Suffix("ON CONFLICT(key) DO UPDATE SET data = excluded.data, checksum = excluded.checksum, size = excluded.size, updated_at = excluded.updated_at").
			ExecContext(ctx)
		return err
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return HandleSQLError(err)
	}

	return nil
}

// Get see [blobstore.BlobStore].Get.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startTrace(ctx, "Get")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	var data []byte
	var checksum int64
	err := s.stbl.
		Select("data", "checksum").
		From(tableName).
		Where(sq.Eq{"key": key}).
		QueryRowContext(ctx).
		Scan(&data, &checksum)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	if uint64(checksum) != blobstore.Checksum(data) {
		err := fmt.Errorf("%w: key '%s'", blobstore.ErrCorrupted, key)
		telemetry.TraceError(span, err)
		return nil, err
	}

	return data, nil
}

// DeleteAll see [blobstore.BlobStore].DeleteAll.
func (s *BlobStore) DeleteAll(ctx context.Context) error {
	ctx, span := startTrace(ctx, "DeleteAll")
	defer span.End()

	err := busyRetry(ctx, func() error {
		_, err := s.stbl.Delete(tableName).ExecContext(ctx)
		return err
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return HandleSQLError(err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Warn("failed to vacuum blob store", zap.Error(err))
	}

	return nil
}

// PruneOlderThan deletes blobs last written before t and returns how many
// were removed.
func (s *BlobStore) PruneOlderThan(ctx context.Context, t time.Time) (int64, error) {
	ctx, span := startTrace(ctx, "PruneOlderThan")
	defer span.End()

	var removed int64
	err := busyRetry(ctx, func() error {
		res, err := s.stbl.
			Delete(tableName).
			Where(sq.Lt{"updated_at": t.UTC().Format("2006-01-02 15:04:05.000")}).
			ExecContext(ctx)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, HandleSQLError(err)
	}

	return removed, nil
}

// Stats returns the number of stored blobs and their total size in bytes.
func (s *BlobStore) Stats(ctx context.Context) (count int64, size int64, err error) {
	var total sql.NullInt64
	err = s.stbl.
		Select("COUNT(*)", "SUM(size)").
		From(tableName).
		QueryRowContext(ctx).
		Scan(&count, &total)
	if err != nil {
		return 0, 0, HandleSQLError(err)
	}
	return count, total.Int64, nil
}

// HandleSQLError processes an SQL error and converts it into a more specific
// error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return blobstore.ErrNotFound
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite returns SQLITE_BUSY when the database is locked rather than waiting
// for the lock, so writes are retried with backoff until busyRetryTimeout.
func busyRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxElapsedTime = busyRetryTimeout

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xFF
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
