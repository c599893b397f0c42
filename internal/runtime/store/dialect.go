package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/gpsflow/internal/runtime/gps"
)

// sqliteTimeLayout is fixed width so that TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000"

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name       string
	DriverName string

	schema       string
	numberedArgs bool
	localTimeArg func(gps.LocalTime) any
	instantArg   func(time.Time) any
}

// SQLite stores local date-times as fixed-width TEXT.
var SQLite = Dialect{
	Name:       "sqlite",
	DriverName: "sqlite3",
	schema: `
	CREATE TABLE IF NOT EXISTS gps_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		publisher_id TEXT NOT NULL CHECK (length(publisher_id) <= 100),
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		height REAL,
		event_timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gps_records_publisher ON gps_records(publisher_id);
	CREATE INDEX IF NOT EXISTS idx_gps_records_timestamp ON gps_records(event_timestamp);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		body BLOB NOT NULL,
		reason TEXT NOT NULL,
		source_queue TEXT NOT NULL,
		death_count INTEGER NOT NULL,
		history TEXT NOT NULL,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_received ON dead_letters(received_at);
	`,
	localTimeArg: func(t gps.LocalTime) any { return t.Time.Format(sqliteTimeLayout) },
	instantArg:   func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

// Postgres stores local date-times as TIMESTAMP WITHOUT TIME ZONE.
var Postgres = Dialect{
	Name:         "postgres",
	DriverName:   "postgres",
	numberedArgs: true,
	schema: `
	CREATE TABLE IF NOT EXISTS gps_records (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		publisher_id VARCHAR(100) NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		height DOUBLE PRECISION,
		event_timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gps_records_publisher ON gps_records(publisher_id);
	CREATE INDEX IF NOT EXISTS idx_gps_records_timestamp ON gps_records(event_timestamp);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		body BYTEA NOT NULL,
		reason TEXT NOT NULL,
		source_queue TEXT NOT NULL,
		death_count BIGINT NOT NULL,
		history JSONB NOT NULL DEFAULT '[]',
		received_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_received ON dead_letters(received_at);
	`,
	localTimeArg: func(t gps.LocalTime) any { return t.Time },
	instantArg:   func(t time.Time) any { return t.UTC() },
}

// DialectFor resolves a storage_driver config value.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// rebind rewrites ? placeholders into $n for engines that need numbered args.
func (d Dialect) rebind(query string) string {
	if !d.numberedArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// localTimeColumn scans an event timestamp from either engine.
type localTimeColumn struct {
	dst *gps.LocalTime
}

func (c localTimeColumn) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*c.dst = gps.LocalTimeOf(v)
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	default:
		return fmt.Errorf("unsupported event_timestamp type %T", src)
	}
}

func (c localTimeColumn) parse(s string) error {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		lt, perr := gps.ParseLocalTime(s)
		if perr != nil {
			return fmt.Errorf("parse event_timestamp %q: %w", s, err)
		}
		*c.dst = lt
		return nil
	}
	*c.dst = gps.LocalTime{Time: t}
	return nil
}

// instantColumn scans a zoned instant from either engine.
type instantColumn struct {
	dst *time.Time
}

func (c instantColumn) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*c.dst = v.UTC()
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	default:
		return fmt.Errorf("unsupported instant type %T", src)
	}
}

func (c instantColumn) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse instant %q: %w", s, err)
	}
	*c.dst = t.UTC()
	return nil
}
