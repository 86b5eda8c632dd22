package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/helixlabs/lims/internal/apperr"
)

// PostgresStore persists instances in saga_instances. Steps, compensations,
// and context data are JSONB documents; the coordinator always writes the
// whole instance, so the row is the unit of durability.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, in *Instance) error {
	ctxData, steps, comps, err := encodeInstance(in)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO saga_instances
			(id, definition, state, actor, context_data, steps, compensations,
			 current_step, error, created_at, updated_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		in.ID, in.Definition, in.State, in.Actor, ctxData, steps, comps,
		in.CurrentStep, in.Error, in.CreatedAt, in.UpdatedAt, in.FinishedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Newf(apperr.KindConflict, "saga %s already exists", in.ID)
		}
		return apperr.Wrap(apperr.KindInternal, "insert saga instance", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, definition, state, actor, context_data, steps, compensations,
		       current_step, error, created_at, updated_at, finished_at
		FROM saga_instances WHERE id = $1`, id)
	in, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "saga %s not found", id)
	}
	return in, err
}

func (p *PostgresStore) Save(ctx context.Context, in *Instance) error {
	ctxData, steps, comps, err := encodeInstance(in)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE saga_instances SET
			state = $2, context_data = $3, steps = $4, compensations = $5,
			current_step = $6, error = $7, updated_at = $8, finished_at = $9
		WHERE id = $1`,
		in.ID, in.State, ctxData, steps, comps,
		in.CurrentStep, in.Error, in.UpdatedAt, in.FinishedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "save saga instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "save saga instance", err)
	}
	if n == 0 {
		return apperr.Newf(apperr.KindNotFound, "saga %s not found", in.ID)
	}
	return nil
}

func (p *PostgresStore) ListInStates(ctx context.Context, states ...State) ([]*Instance, error) {
	if len(states) == 0 {
		return nil, nil
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, definition, state, actor, context_data, steps, compensations,
		       current_step, error, created_at, updated_at, finished_at
		FROM saga_instances WHERE state = ANY($1) ORDER BY created_at`,
		pq.Array(names))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list saga instances", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list saga instances", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		in      Instance
		ctxData []byte
		steps   []byte
		comps   []byte
	)
	err := row.Scan(&in.ID, &in.Definition, &in.State, &in.Actor, &ctxData,
		&steps, &comps, &in.CurrentStep, &in.Error, &in.CreatedAt,
		&in.UpdatedAt, &in.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "scan saga instance", err)
	}
	if len(ctxData) > 0 {
		if err := json.Unmarshal(ctxData, &in.ContextData); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode saga context", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &in.Steps); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode saga steps", err)
		}
	}
	if len(comps) > 0 {
		if err := json.Unmarshal(comps, &in.Compensations); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode saga compensations", err)
		}
	}
	return &in, nil
}

func encodeInstance(in *Instance) (ctxData, steps, comps []byte, err error) {
	if in.ContextData != nil {
		if ctxData, err = json.Marshal(in.ContextData); err != nil {
			return nil, nil, nil, apperr.Wrap(apperr.KindInternal, "encode saga context", err)
		}
	}
	if steps, err = json.Marshal(in.Steps); err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindInternal, "encode saga steps", err)
	}
	if in.Compensations != nil {
		if comps, err = json.Marshal(in.Compensations); err != nil {
			return nil, nil, nil, apperr.Wrap(apperr.KindInternal, "encode saga compensations", err)
		}
	}
	return ctxData, steps, comps, nil
}
