package service

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

const uniqueViolation = "23505"

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id           TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL,
	payload            JSONB NOT NULL,
	sequence_number    BIGINT,
	processed_by       TEXT NOT NULL,
	processed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processing_time_ms BIGINT
);
CREATE INDEX IF NOT EXISTS events_type_processed_at_idx ON events (type, processed_at DESC);
CREATE INDEX IF NOT EXISTS events_processed_by_processed_at_idx ON events (processed_by, processed_at DESC);
CREATE INDEX IF NOT EXISTS events_sequence_number_idx ON events (sequence_number);
`

// PgxPool is the subset of *pgxpool.Pool used by the store
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// EventStorePostgres implements model.EventStore. The primary key on
// event_id is the last line of defense against double processing.
type EventStorePostgres struct {
	pool PgxPool
}

func NewEventStorePostgres(pool PgxPool) *EventStorePostgres {
	return &EventStorePostgres{pool: pool}
}

// Migrate creates the events table and its indexes
func (s *EventStorePostgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, eventsSchema); err != nil {
		return errors.Wrap(err, "failed to create events schema")
	}
	return nil
}

// Insert implements model.EventStore
func (s *EventStorePostgres) Insert(ctx context.Context, record model.EventRecord) error {
	const query = `
		INSERT INTO events (event_id, type, timestamp, payload, sequence_number, processed_by, processed_at, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	ctx, span := tracer.Start(ctx, "postgres/insert")
	defer span.End()

	payload := record.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}

	_, err := s.pool.Exec(ctx, query,
		record.EventID, record.Type, record.Timestamp, []byte(payload),
		record.SequenceNumber, record.ProcessedBy, record.ProcessedAt, record.ProcessingTimeMs)
	if err != nil {
		if isUniqueViolation(err) {
			zap.L().Error("eventStorePostgres.insert: unique violation", zap.String("event_id", record.EventID))
			return errors.Wrapf(model.ErrDuplicateRecord, "event %s", record.EventID)
		}
		return errors.Wrapf(model.ErrStoreUnavailable, "insert event %s: %v", record.EventID, err)
	}
	return nil
}

// FindByProcessedBy implements model.EventStore
func (s *EventStorePostgres) FindByProcessedBy(ctx context.Context, processedBy string, limit int) ([]model.EventRecord, error) {
	const query = `
		SELECT event_id, type, timestamp, payload, COALESCE(sequence_number, 0), processed_by, processed_at, COALESCE(processing_time_ms, 0)
		FROM events
		WHERE $1 = '' OR processed_by = $1
		ORDER BY processed_at DESC, event_id
		LIMIT $2
	`

	// LIMIT NULL is no limit
	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	rows, err := s.pool.Query(ctx, query, processedBy, rowLimit)
	if err != nil {
		return nil, errors.Wrapf(model.ErrStoreUnavailable, "query events: %v", err)
	}
	defer rows.Close()

	records := []model.EventRecord{}
	for rows.Next() {
		r := model.EventRecord{}
		var payload []byte
		if err := rows.Scan(&r.EventID, &r.Type, &r.Timestamp, &payload, &r.SequenceNumber, &r.ProcessedBy, &r.ProcessedAt, &r.ProcessingTimeMs); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		r.Payload = payload
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(model.ErrStoreUnavailable, "iterate events: %v", err)
	}
	return records, nil
}

// Ping implements model.EventStore
func (s *EventStorePostgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Wrapf(model.ErrStoreUnavailable, "postgres ping: %v", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
