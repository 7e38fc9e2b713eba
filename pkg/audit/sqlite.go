package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore mirrors the audit chain into a SQLite table, giving operators
// a queryable copy alongside the JSONL file. It satisfies Sink.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wires the store against an open database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens the database at path and migrates the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_records (
        record_id    TEXT PRIMARY KEY,
        sequence     INTEGER NOT NULL UNIQUE,
        timestamp    DATETIME NOT NULL,
        actor        TEXT NOT NULL,
        action       TEXT NOT NULL,
        payload      TEXT NOT NULL,
        payload_hash TEXT NOT NULL,
        prev_hash    TEXT NOT NULL,
        hash         TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts one record. The UNIQUE constraint on sequence makes a
// duplicate append (two writers racing past the session lock) a hard error
// rather than a silent fork.
func (s *SQLiteStore) Append(rec *Record) error {
	query := `INSERT INTO audit_records (
        record_id, sequence, timestamp, actor, action, payload, payload_hash, prev_hash, hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(context.Background(), query,
		rec.RecordID, rec.Sequence, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Actor, rec.Action, string(rec.Payload), rec.PayloadHash, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// List returns records in sequence order.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	query := `
        SELECT record_id, sequence, timestamp, actor, action, payload, payload_hash, prev_hash, hash
        FROM audit_records
        ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		var ts, payload string
		if err := rows.Scan(&rec.RecordID, &rec.Sequence, &ts, &rec.Actor, &rec.Action,
			&payload, &rec.PayloadHash, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		rec.Timestamp = parsed
		rec.Payload = []byte(payload)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Verify runs the chain check over the stored records.
func (s *SQLiteStore) Verify(ctx context.Context) (bool, string) {
	records, err := s.List(ctx)
	if err != nil {
		return false, fmt.Sprintf("load audit records: %v", err)
	}
	return VerifyRecords(records)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
