// Package store is the storage gateway for persisted GPS records.
//
// Each gateway call runs in its own transaction. Records are created by the
// consumer and removed by explicit deletion or the retention purge.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// Gateway is the full set of storage operations used by the service.
type Gateway interface {
	Insert(ctx context.Context, rec gps.Record) (gps.Record, error)
	Get(ctx context.Context, id int64) (gps.Record, error)
	List(ctx context.Context) ([]gps.Record, error)
	ListByPublisher(ctx context.Context, publisherID string) ([]gps.Record, error)
	Delete(ctx context.Context, id int64) error
	DeleteOlderThan(ctx context.Context, cutoff gps.LocalTime) (int64, error)
	Close() error
}

// Options tunes how a database is opened.
type Options struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Gateway on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  loggingpkg.ServiceLogger
}

var _ Gateway = (*SQLStore)(nil)

// Open connects to the configured engine and ensures the schema exists.
func Open(ctx context.Context, opts Options, logger loggingpkg.ServiceLogger) (*SQLStore, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("%s: connection string is required", dialect.Name)
	}

	dsn := opts.DSN
	if dialect.Name == SQLite.Name {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}

	switch dialect.Name {
	case SQLite.Name:
		// A single connection serialises writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		lifetime := opts.ConnMaxLifetime
		if lifetime <= 0 {
			lifetime = 5 * time.Minute
		}
		db.SetConnMaxLifetime(lifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect.Name, err)
	}

	s, err := New(ctx, db, dialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return ":memory:?_busy_timeout=5000"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

// New wraps an open database and bootstraps the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, logger loggingpkg.ServiceLogger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logger}
	if _, err := db.ExecContext(ctx, dialect.schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect reports the engine in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Insert saves rec and returns it with the id assigned by the database.
func (s *SQLStore) Insert(ctx context.Context, rec gps.Record) (gps.Record, error) {
	if rec.PublisherID == "" {
		return gps.Record{}, errspkg.InvalidInput("store.insert", errors.New("publisher id is required"))
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var height sql.NullFloat64
		if rec.Height != nil {
			height = sql.NullFloat64{Float64: *rec.Height, Valid: true}
		}
		return tx.QueryRowContext(ctx, s.dialect.rebind(`
			INSERT INTO gps_records (publisher_id, latitude, longitude, height, event_timestamp)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id
		`), rec.PublisherID, rec.Latitude, rec.Longitude, height, s.dialect.localTimeArg(rec.Timestamp)).Scan(&id)
	})
	if err != nil {
		return gps.Record{}, fmt.Errorf("failed to insert record: %w", err)
	}

	rec.ID = id
	return rec, nil
}

// Get loads a single record by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (gps.Record, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectRecords+` WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gps.Record{}, errspkg.ErrRecordNotFound
	}
	if err != nil {
		return gps.Record{}, fmt.Errorf("failed to load record %d: %w", id, err)
	}
	return rec, nil
}

// List returns every record ordered by id. The result is never nil.
func (s *SQLStore) List(ctx context.Context) ([]gps.Record, error) {
	return s.query(ctx, selectRecords+` ORDER BY id`)
}

// ListByPublisher returns the records of one publisher ordered by id. An
// unknown publisher yields an empty, non-nil slice.
func (s *SQLStore) ListByPublisher(ctx context.Context, publisherID string) ([]gps.Record, error) {
	return s.query(ctx, selectRecords+` WHERE publisher_id = ? ORDER BY id`, publisherID)
}

// Delete removes one record.
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM gps_records WHERE id = ?`), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	if affected == 0 {
		return errspkg.ErrRecordNotFound
	}
	return nil
}

// DeleteOlderThan removes every record whose timestamp is strictly before
// cutoff in one transaction and reports how many rows went away.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff gps.LocalTime) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM gps_records WHERE event_timestamp < ?`),
			s.dialect.localTimeArg(cutoff),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete records older than %s: %w", cutoff, err)
	}
	return affected, nil
}

const selectRecords = `SELECT id, publisher_id, latitude, longitude, height, event_timestamp FROM gps_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (gps.Record, error) {
	var (
		rec    gps.Record
		height sql.NullFloat64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PublisherID,
		&rec.Latitude,
		&rec.Longitude,
		&height,
		localTimeColumn{dst: &rec.Timestamp},
	); err != nil {
		return gps.Record{}, err
	}
	if height.Valid {
		h := height.Float64
		rec.Height = &h
	}
	return rec, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]gps.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]gps.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) && s.logger != nil {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
