package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
)

// RunRepository implements mission.RunRepository.
type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func (r *RunRepository) Create(ctx context.Context, run *mission.Run) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO mission_runs
		(run_id, connection_id, mission_file, sequence, outcome, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, run.RunID, run.ConnectionID, run.MissionFile, int64(run.Sequence), string(run.Outcome), run.StartedAt).Scan(&run.ID)
}

func (r *RunRepository) MarkLoaded(ctx context.Context, runID uuid.UUID, loadedAt time.Time) error {
	res, err := r.pool.Exec(ctx, `UPDATE mission_runs SET loaded_at=$1 WHERE run_id=$2`, loadedAt, runID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return mission.ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) Finish(ctx context.Context, runID uuid.UUID, outcome mission.Outcome, endedAt time.Time) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE mission_runs SET outcome=$1, ended_at=$2 WHERE run_id=$3
	`, string(outcome), endedAt, runID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return mission.ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, runID uuid.UUID) (*mission.Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, run_id, connection_id, mission_file, sequence, outcome, started_at, loaded_at, ended_at
		FROM mission_runs WHERE run_id=$1
	`, runID)
	return scanRun(row)
}

func (r *RunRepository) List(ctx context.Context, connectionID *string, limit, offset int) ([]*mission.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, connection_id, mission_file, sequence, outcome, started_at, loaded_at, ended_at
		FROM mission_runs
		WHERE ($1::text IS NULL OR connection_id=$1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, connectionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*mission.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*mission.Run, error) {
	var run mission.Run
	var seq int64
	var outcome string
	if err := row.Scan(&run.ID, &run.RunID, &run.ConnectionID, &run.MissionFile, &seq, &outcome, &run.StartedAt, &run.LoadedAt, &run.EndedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.Sequence = uint64(seq)
	run.Outcome = mission.Outcome(outcome)
	return &run, nil
}
