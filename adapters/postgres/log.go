// Package postgres implements es.EventLog on PostgreSQL (github.com/lib/pq)
// with JSONB payloads.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/internal/sqlmigrate"
)

const (
	constraintStreamVersion = "events_stream_version_key"
	constraintEventID       = "events_event_id_key"

	codeUniqueViolation pq.ErrorCode = "23505"
)

type Config struct {
	Log   *slog.Logger // Log for diagnostics (optional)
	Clock es.Clock     // Clock stamps recorded_at. Defaults to es.DefaultClock().
}

// Log is an es.EventLog backed by a PostgreSQL table.
type Log struct {
	db    *sql.DB
	log   *slog.Logger
	clock es.Clock
	owned bool
}

// New wraps an open database handle. It does not migrate.
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
		log:   log.With(slog.String("log", "postgres")),
		clock: clock,
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlmigrate.Apply(ctx, db, sqlmigrate.Postgres, migrationFS, "migrations")
}

// Open connects to dsn, verifies the connection and migrates the schema.
func Open(ctx context.Context, dsn string, cfg Config) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
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

func (l *Log) Close() error {
	if l == nil || l.db == nil || !l.owned {
		return nil
	}
	return l.db.Close()
}

// appendSQL clamps recorded_at to the newest stamp already in the stream, so
// it is monotonic in write order. A version written into a gap below existing
// versions sorts after its successor in time.
const appendSQL = `INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, version, payload, recorded_at)
SELECT $1, $2, $3, $4, $5, $6::jsonb, GREATEST($7::timestamptz, COALESCE(MAX(recorded_at), $7::timestamptz))
FROM events WHERE aggregate_type = $2 AND aggregate_id = $3
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

	var recordedAt time.Time
	err = conn.QueryRowContext(
		ctx, appendSQL,
		env.ID, env.AggregateType, env.AggregateID, env.Type, env.Version.Int64(), string(payload),
		l.clock().UTC().Truncate(time.Microsecond),
	).Scan(&recordedAt)
	if err != nil {
		return es.Envelope{}, mapError("append", env, err)
	}

	env.RecordedAt = recordedAt.UTC()
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

const loadSQL = `SELECT event_id, aggregate_type, aggregate_id, event_type, version, payload, recorded_at
FROM events
WHERE aggregate_type = $1 AND aggregate_id = $2 AND version >= $3 AND version <= $4
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
			payload    []byte
			recordedAt time.Time
		)
		if err := rows.Scan(&env.ID, &env.AggregateType, &env.AggregateID, &env.Type, &version, &payload, &recordedAt); err != nil {
			return nil, mapError("load", es.Envelope{}, err)
		}
		env.Version = es.Version(version)
		env.RecordedAt = recordedAt.UTC()
		if env.Payload, err = es.DecodePayloadJSON(payload); err != nil {
			return nil, &es.MalformedEnvelopeError{Field: "payload", EventType: env.Type, Version: env.Version, Err: err}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("load", es.Envelope{}, err)
	}
	return out, nil
}

const latestVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`

func (l *Log) LatestVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return 0, mapError("latest_version", es.Envelope{}, err)
	}
	defer conn.Close()

	var v int64
	if err := conn.QueryRowContext(ctx, latestVersionSQL, aggType, aggID).Scan(&v); err != nil {
		return 0, mapError("latest_version", es.Envelope{}, err)
	}
	return es.Version(v), nil
}

// mapError translates driver errors into the es error taxonomy.
func mapError(op string, env es.Envelope, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return es.Unavailable(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == codeUniqueViolation && pqErr.Constraint == constraintStreamVersion:
			return &es.ConflictError{
				AggregateType: env.AggregateType,
				AggregateID:   env.AggregateID,
				Version:       env.Version,
				Err:           err,
			}
		case pqErr.Code == codeUniqueViolation && pqErr.Constraint == constraintEventID:
			return &es.MalformedEnvelopeError{Field: "id", Reason: "event id already used", EventType: env.Type, Version: env.Version, Err: err}
		case isUnavailableClass(pqErr.Code.Class()):
			return es.Unavailable(op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return es.Unavailable(op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func isUnavailableClass(c pq.ErrorClass) bool {
	switch c {
	case "08", // connection exception
		"53", // insufficient resources
		"57": // operator intervention
		return true
	}
	return false
}

var _ es.EventLog = (*Log)(nil)
