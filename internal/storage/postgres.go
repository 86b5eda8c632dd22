package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/helixlabs/lims/internal/apperr"
)

// PostgresStore persists locations and containers. Capacity mutations run in
// serializable transactions with the location row locked, which is what makes
// Allocate/Release/Transfer safe under concurrency.
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

func isPositionViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation &&
		strings.Contains(pqErr.Constraint, "position")
}

func (p *PostgresStore) CreateLocation(ctx context.Context, l *Location) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO storage_locations (id, name, zone, capacity, used, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.ID, l.Name, l.Zone, l.Capacity, l.Used, l.Status, l.CreatedAt, l.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "location %s already exists", l.ID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert location", err)
	}
	return nil
}

func (p *PostgresStore) GetLocation(ctx context.Context, id string) (*Location, error) {
	return p.getLocation(ctx, p.db, id, false)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) getLocation(ctx context.Context, q queryRower, id string, forUpdate bool) (*Location, error) {
	query := `SELECT id, name, zone, capacity, used, status, created_at, updated_at
		FROM storage_locations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var l Location
	err := q.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.Name, &l.Zone, &l.Capacity, &l.Used, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get location", err)
	}
	return &l, nil
}

func (p *PostgresStore) SetLocationStatus(ctx context.Context, id string, status LocationStatus, at time.Time) (*Location, error) {
	var loc *Location
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, err := p.getLocation(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE storage_locations SET status = $2, updated_at = $3 WHERE id = $1`,
			id, status, at); err != nil {
			return apperr.Wrap(apperr.KindInternal, "update location status", err)
		}
		l.Status = status
		l.UpdatedAt = at
		loc = l
		return nil
	})
	return loc, err
}

func (p *PostgresStore) ListLocations(ctx context.Context) ([]*Location, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, zone, capacity, used, status, created_at, updated_at
		FROM storage_locations ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list locations", err)
	}
	defer rows.Close()

	var out []*Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Zone, &l.Capacity, &l.Used, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan location", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list locations", err)
	}
	return out, nil
}

func (p *PostgresStore) Allocate(ctx context.Context, c *Container) (*Location, error) {
	var loc *Location
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, err := p.getLocation(ctx, tx, c.LocationID, true)
		if err != nil {
			return err
		}
		if !l.Accepting() {
			return apperr.Newf(apperr.KindBusinessRule, "location %s is %s and accepts no new samples", l.ID, l.Status)
		}
		if l.Full() {
			return apperr.Newf(apperr.KindCapacityExceeded, "location %s is full (%d/%d)", l.ID, l.Used, l.Capacity)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO storage_containers (id, location_id, sample_id, required_zone, position, stored_at, stored_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, c.LocationID, c.SampleID, c.RequiredZone, c.Position, c.StoredAt, c.StoredBy)
		if isPositionViolation(err) {
			return apperr.Newf(apperr.KindConflict, "position %s in location %s is taken", c.Position, c.LocationID)
		}
		if isUniqueViolation(err) {
			return apperr.Newf(apperr.KindConflict, "sample %s is already stored", c.SampleID)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "insert container", err)
		}
		if err := p.bumpUsed(ctx, tx, l.ID, 1, c.StoredAt); err != nil {
			return err
		}
		l.Used++
		l.UpdatedAt = c.StoredAt
		loc = l
		return nil
	})
	return loc, err
}

func (p *PostgresStore) Release(ctx context.Context, locationID, sampleID string) (*Container, *Location, error) {
	var (
		c   *Container
		loc *Location
	)
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, err := p.getLocation(ctx, tx, locationID, true)
		if err != nil {
			return err
		}
		c, err = p.deleteContainer(ctx, tx, locationID, sampleID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := p.bumpUsed(ctx, tx, l.ID, -1, now); err != nil {
			return err
		}
		l.Used--
		l.UpdatedAt = now
		loc = l
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, loc, nil
}

func (p *PostgresStore) Transfer(ctx context.Context, sampleID, toLocationID, position, actor string, at time.Time) (*Container, string, error) {
	var (
		moved *Container
		from  string
	)
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		current, err := p.findBySample(ctx, tx, sampleID, true)
		if err != nil {
			return err
		}
		from = current.LocationID
		if from == toLocationID {
			moved = current
			return nil
		}

		// Lock both locations in a fixed order to avoid deadlocks.
		first, second := from, toLocationID
		if second < first {
			first, second = second, first
		}
		if _, err := p.getLocation(ctx, tx, first, true); err != nil {
			return err
		}
		if _, err := p.getLocation(ctx, tx, second, true); err != nil {
			return err
		}
		target, err := p.getLocation(ctx, tx, toLocationID, false)
		if err != nil {
			return err
		}
		if !target.Accepting() {
			return apperr.Newf(apperr.KindBusinessRule, "location %s is %s and accepts no new samples", target.ID, target.Status)
		}
		if target.Full() {
			return apperr.Newf(apperr.KindCapacityExceeded, "location %s is full (%d/%d)", target.ID, target.Used, target.Capacity)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE storage_containers
			SET location_id = $2, position = $3, stored_at = $4, stored_by = $5
			WHERE sample_id = $1`,
			sampleID, toLocationID, position, at, actor)
		if isPositionViolation(err) {
			return apperr.Newf(apperr.KindConflict, "position %s in location %s is taken", position, toLocationID)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "move container", err)
		}
		if err := p.bumpUsed(ctx, tx, from, -1, at); err != nil {
			return err
		}
		if err := p.bumpUsed(ctx, tx, toLocationID, 1, at); err != nil {
			return err
		}
		moved = &Container{
			ID:           current.ID,
			LocationID:   toLocationID,
			SampleID:     sampleID,
			RequiredZone: current.RequiredZone,
			Position:     position,
			StoredAt:     at,
			StoredBy:     actor,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return moved, from, nil
}

func (p *PostgresStore) FindBySample(ctx context.Context, sampleID string) (*Container, error) {
	return p.findBySample(ctx, p.db, sampleID, false)
}

func (p *PostgresStore) findBySample(ctx context.Context, q queryRower, sampleID string, forUpdate bool) (*Container, error) {
	query := `SELECT id, location_id, sample_id, required_zone, position, stored_at, stored_by
		FROM storage_containers WHERE sample_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var c Container
	err := q.QueryRowContext(ctx, query, sampleID).Scan(
		&c.ID, &c.LocationID, &c.SampleID, &c.RequiredZone, &c.Position, &c.StoredAt, &c.StoredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "sample %s is not in storage", sampleID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find container", err)
	}
	return &c, nil
}

func (p *PostgresStore) ListContainers(ctx context.Context, locationID string) ([]*Container, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, location_id, sample_id, required_zone, position, stored_at, stored_by
		FROM storage_containers WHERE location_id = $1 ORDER BY stored_at`, locationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list containers", err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		var c Container
		if err := rows.Scan(&c.ID, &c.LocationID, &c.SampleID, &c.RequiredZone, &c.Position, &c.StoredAt, &c.StoredBy); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan container", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list containers", err)
	}
	return out, nil
}

func (p *PostgresStore) deleteContainer(ctx context.Context, tx *sql.Tx, locationID, sampleID string) (*Container, error) {
	var c Container
	err := tx.QueryRowContext(ctx, `
		DELETE FROM storage_containers
		WHERE sample_id = $1 AND location_id = $2
		RETURNING id, location_id, sample_id, required_zone, position, stored_at, stored_by`,
		sampleID, locationID).Scan(
		&c.ID, &c.LocationID, &c.SampleID, &c.RequiredZone, &c.Position, &c.StoredAt, &c.StoredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "sample %s is not stored in location %s", sampleID, locationID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "delete container", err)
	}
	return &c, nil
}

func (p *PostgresStore) bumpUsed(ctx context.Context, tx *sql.Tx, locationID string, delta int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE storage_locations
		SET used = GREATEST(used + $2, 0), updated_at = $3
		WHERE id = $1`, locationID, delta, at)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update location occupancy", err)
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "commit transaction", err)
	}
	return nil
}
