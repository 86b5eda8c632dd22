package sample

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/helixlabs/lims/internal/apperr"
)

// PostgresStore persists samples in the samples table. The barcode column
// carries a unique index; updated_at implements the optimistic check.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = pq.ErrorCode("23505")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const sampleColumns = `id, name, barcode, sample_type, status, template_id,
	concentration, volume, unit, quality_score, location_id, metadata,
	created_at, updated_at, created_by, updated_by`

func (p *PostgresStore) Create(ctx context.Context, s *Sample) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO samples (`+sampleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, s.Name, s.Barcode, s.SampleType, s.Status, s.TemplateID,
		s.Concentration, s.Volume, s.Unit, s.QualityScore, s.LocationID, meta,
		s.CreatedAt, s.UpdatedAt, s.CreatedBy, s.UpdatedBy)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindDuplicateBarcode, "barcode %s already exists", s.Barcode)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert sample", err)
	}
	return nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Sample, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+` FROM samples WHERE id = $1`, id)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "sample %s not found", id)
	}
	return s, err
}

func (p *PostgresStore) GetByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+` FROM samples WHERE barcode = $1`, barcode)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "barcode %s not found", barcode)
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Sample, expectedUpdatedAt time.Time) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE samples SET
			name = $3, barcode = $4, sample_type = $5, status = $6,
			template_id = $7, concentration = $8, volume = $9, unit = $10,
			quality_score = $11, location_id = $12, metadata = $13,
			updated_at = $14, updated_by = $15
		WHERE id = $1 AND updated_at = $2`,
		s.ID, expectedUpdatedAt,
		s.Name, s.Barcode, s.SampleType, s.Status,
		s.TemplateID, s.Concentration, s.Volume, s.Unit,
		s.QualityScore, s.LocationID, meta,
		s.UpdatedAt, s.UpdatedBy)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindDuplicateBarcode, "barcode %s already exists", s.Barcode)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update sample", err)
	}
	if n == 0 {
		// Distinguish a stale row from a missing one.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM samples WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return apperr.Wrap(apperr.KindInternal, "update sample", err)
		}
		if !exists {
			return apperr.Newf(apperr.KindNotFound, "sample %s not found", s.ID)
		}
		return apperr.Newf(apperr.KindConflict, "sample %s modified concurrently", s.ID)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sampleColumns+` FROM samples
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sampleColumns+` FROM samples
			ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list samples", err)
	}
	defer rows.Close()

	var out []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list samples", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(row rowScanner) (*Sample, error) {
	var (
		s    Sample
		meta []byte
	)
	err := row.Scan(&s.ID, &s.Name, &s.Barcode, &s.SampleType, &s.Status,
		&s.TemplateID, &s.Concentration, &s.Volume, &s.Unit, &s.QualityScore,
		&s.LocationID, &meta, &s.CreatedAt, &s.UpdatedAt, &s.CreatedBy,
		&s.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "scan sample", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode sample metadata", err)
		}
	}
	return &s, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode sample metadata", err)
	}
	return b, nil
}
