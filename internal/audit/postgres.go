package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists audit entries in the audit_log table. Sequence
// assignment and hash chaining happen inside one serializable transaction per
// append, so concurrent writers on the same entity cannot interleave.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer tx.Rollback()

	var (
		lastSeq  sql.NullInt64
		lastHash sql.NullString
		lastTS   sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT sequence, content_hash, ts FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence DESC LIMIT 1
		FOR UPDATE`,
		e.EntityType, e.EntityID,
	).Scan(&lastSeq, &lastHash, &lastTS)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read audit tail: %w", err)
	}

	prevHash := ""
	e.Sequence = 1
	if lastSeq.Valid {
		e.Sequence = lastSeq.Int64 + 1
		prevHash = lastHash.String
		if lastTS.Valid && e.Timestamp.Before(lastTS.Time) {
			e.Timestamp = lastTS.Time
		}
	}
	e.ContentHash = chainHash(prevHash, e)

	before, _ := json.Marshal(e.Before)
	after, _ := json.Marshal(e.After)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, entity_type, entity_id, action, actor, ts, sequence, before, after, correlation_id, content_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.Actor,
		e.Timestamp, e.Sequence, before, after, e.CorrelationID, e.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) History(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor, ts, sequence, before, after, correlation_id, content_hash
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY ts, sequence`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor, ts, sequence, before, after, correlation_id, content_hash
		FROM (
			SELECT * FROM audit_log ORDER BY ts DESC, sequence DESC LIMIT $1
		) recent
		ORDER BY ts, sequence`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var (
			e             Entry
			ts            time.Time
			before, after []byte
			corr          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor,
			&ts, &e.Sequence, &before, &after, &corr, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = ts.UTC()
		e.CorrelationID = corr.String
		if len(before) > 0 {
			json.Unmarshal(before, &e.Before)
		}
		if len(after) > 0 {
			json.Unmarshal(after, &e.After)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
