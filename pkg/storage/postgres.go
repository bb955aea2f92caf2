// Package storage provides the optional relational event mirror: the same
// append-only step events, queryable with SQL next to the file-based log.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mtap-io/mtap/pkg/reporting"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS step_events (
    id BIGSERIAL PRIMARY KEY,
    schema_version INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    run_id TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    station_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    sn TEXT NOT NULL,
    fw_version TEXT NOT NULL,
    test_step TEXT NOT NULL,
    command TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    retry_count INTEGER NOT NULL,
    retries_allowed INTEGER NOT NULL,
    timeout_s DOUBLE PRECISION NOT NULL,
    backoff_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    passed BOOLEAN NOT NULL,
    error_code TEXT,
    measurement TEXT,
    value_json TEXT,
    units TEXT,
    message TEXT,
    data_json TEXT
)`

const insertEventSQL = `
INSERT INTO step_events (
    schema_version, timestamp, run_id, batch_id, station_id, stage, sn, fw_version,
    test_step, command, attempt, retry_count, retries_allowed, timeout_s, backoff_ms, duration_ms,
    passed, error_code, measurement, value_json, units, message, data_json
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`

// EventStore mirrors step events into PostgreSQL. Append-only; rows are
// never updated or deleted.
type EventStore struct {
	db *sql.DB
}

// OpenEventStore connects with the given DSN and creates the events table
// and its indexes if absent.
func OpenEventStore(dsn string) (*EventStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create step_events table: %w", err)
	}
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_step_events_run_id ON step_events(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_step_events_sn ON step_events(sn)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create step_events index: %w", err)
		}
	}

	return &EventStore{db: db}, nil
}

// Append inserts one event.
func (s *EventStore) Append(ev reporting.StepEvent) error {
	valueJSON, err := json.Marshal(ev.Value)
	if err != nil {
		return fmt.Errorf("marshal event value: %w", err)
	}
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.db.Exec(insertEventSQL,
		ev.SchemaVersion, ev.Timestamp, ev.RunID, ev.BatchID, ev.StationID, ev.Stage, ev.SN, ev.FWVersion,
		ev.TestStep, ev.Command, ev.Attempt, ev.RetryCount, ev.RetriesAllowed, ev.TimeoutS, ev.BackoffMs, ev.DurationMs,
		ev.Passed, ev.ErrorCode, ev.Measurement, string(valueJSON), ev.Units, ev.Message, string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("insert step event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *EventStore) Close() error {
	return s.db.Close()
}
