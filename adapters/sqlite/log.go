// Package sqlite implements es.EventLog on SQLite (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/internal/sqlmigrate"
)

type Config struct {
	Log   *slog.Logger // Log for diagnostics (optional)
	Clock es.Clock     // Clock stamps recorded_at. Defaults to es.DefaultClock().
}

// Log is an es.EventLog backed by a single SQLite table. The unique
// (aggregate_type, aggregate_id, version) constraint decides every race.
type Log struct {
	db    *sql.DB
	log   *slog.Logger
	clock es.Clock
	owned bool
}

// New wraps an open database. The schema must already exist, see Migrate.
func New(db *sql.DB, cfg Config) *Log {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = es.DefaultClock()
	}
	return &Log{
		db:    db,
		log:   log.With(slog.String("log", "sqlite")),
		clock: clock,
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlmigrate.Apply(ctx, db, sqlmigrate.SQLite, migrationFS, "migrations")
}

// DSN returns the connection string used by Open for path.
func DSN(path string) string {
	return filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Open opens (or creates) the database file at path and migrates it. The
// returned Log owns the database and closes it on Close.
func Open(ctx context.Context, path string, cfg Config) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, es.Unavailable("ping", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	l := New(db, cfg)
	l.owned = true
	return l, nil
}

// Close closes the database if it was opened by Open.
func (l *Log) Close() error {
	if l == nil || l.db == nil || !l.owned {
		return nil
	}
	return l.db.Close()
}

// appendSQL clamps recorded_at to the newest stamp already in the stream, so
// it is monotonic in write order. A version written into a gap below existing
// versions sorts after its successor in time.
const appendSQL = `
INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, version, payload, recorded_at)
SELECT ?, ?, ?, ?, ?, ?, MAX(?, COALESCE(MAX(recorded_at), 0))
FROM events WHERE aggregate_type = ? AND aggregate_id = ?
RETURNING recorded_at`

func (l *Log) Append(ctx context.Context, env es.Envelope) (es.Envelope, error) {
	if env.Version > es.MaxVersion {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "version", Reason: "out of range", EventType: env.Type, Version: env.Version}
	}
	payload, err := env.Payload.Canonical()
	if err != nil {
		return es.Envelope{}, &es.MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return es.Envelope{}, mapError("append", env, err)
	}
	defer conn.Close()

	var recordedAt int64
	err = conn.QueryRowContext(
		ctx, appendSQL,
		env.ID, env.AggregateType, env.AggregateID, env.Type, env.Version.Int64(), string(payload),
		l.clock().UnixMicro(),
		env.AggregateType, env.AggregateID,
	).Scan(&recordedAt)
	if err != nil {
		return es.Envelope{}, mapError("append", env, err)
	}

	env.RecordedAt = time.UnixMicro(recordedAt).UTC()
	if env.Payload, err = es.DecodePayloadJSON(payload); err != nil {
		return es.Envelope{}, err
	}

	l.log.Debug(
		"append",
		slog.Group("agg", slog.String("type", env.AggregateType), slog.String("id", env.AggregateID)),
		env.LogAttrs(),
	)

	return env, nil
}

const loadSQL = `
SELECT event_id, aggregate_type, aggregate_id, event_type, version, payload, recorded_at
FROM events
WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ? AND version <= ?
ORDER BY version ASC`

func (l *Log) Load(ctx context.Context, aggType, aggID string, opts ...es.LoadOption) ([]es.Envelope, error) {
	lo := es.NewLoadOptions(opts...)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, loadSQL, aggType, aggID, lo.From.Int64(), lo.To.Int64())
	if err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	defer rows.Close()

	out := make([]es.Envelope, 0)
	for rows.Next() {
		var (
			env        es.Envelope
			version    int64
			payload    string
			recordedAt int64
		)
		if err := rows.Scan(&env.ID, &env.AggregateType, &env.AggregateID, &env.Type, &version, &payload, &recordedAt); err != nil {
			return nil, mapError("load", es.Envelope{}, err)
		}
		env.Version = es.Version(version)
		env.RecordedAt = time.UnixMicro(recordedAt).UTC()
		if env.Payload, err = es.DecodePayloadJSON([]byte(payload)); err != nil {
			return nil, &es.MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	return out, nil
}

func (l *Log) LatestVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return 0, mapError("latest_version", es.Envelope{}, err)
	}
	defer conn.Close()

	var v int64
	err = conn.QueryRowContext(
		ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(&v)
	if err != nil {
		return 0, mapError("latest_version", es.Envelope{}, err)
	}
	return es.Version(v), nil
}

// mapError translates driver errors into the es error taxonomy.
func mapError(op string, env es.Envelope, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return fmt.Errorf("sqlite %s: %w", op, err)
	}

	code := sqliteErr.Code()
	switch {
	case isConstraint(code):
		msg := strings.ToLower(sqliteErr.Error())
		if strings.Contains(msg, "events.version") {
			return &es.ConflictError{
				AggregateType: env.AggregateType,
				AggregateID:   env.AggregateID,
				Version:       env.Version,
				Err:           err,
			}
		}
		if strings.Contains(msg, "events.event_id") {
			return &es.MalformedEnvelopeError{Field: "id", Reason: "event id already used", EventType: env.Type, Version: env.Version, Err: err}
		}
		return &es.MalformedEnvelopeError{EventType: env.Type, Version: env.Version, Err: err}
	case isUnavailable(code):
		return es.Unavailable(op, err)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

func isConstraint(code int) bool {
	return code&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isUnavailable(code int) bool {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
		return true
	}
	return false
}

var _ es.EventLog = (*Log)(nil)
