package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/intervista/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, capability, started_at, ended_at, status, stop_reason, reconnect_attempts`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func scanSession(row pgx.Row) (*repository.Session, error) {
	var s repository.Session
	if err := row.Scan(&s.ID, &s.Capability, &s.StartedAt, &s.EndedAt, &s.Status, &s.StopReason, &s.ReconnectAttempts); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO assistant_sessions (id, capability, started_at, status)
		 VALUES ($1, $2, $3, 'running')
		 RETURNING `+sessionColumns,
		input.ID, input.Capability, input.StartedAt)
	return scanSession(row)
}

func (r *PostgresRepository) CompleteSession(ctx context.Context, input repository.CompleteSessionInput) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE assistant_sessions
		 SET status = $2, ended_at = $3, stop_reason = $4, reconnect_attempts = $5
		 WHERE id = $1`,
		input.SessionID, string(input.Status), input.EndedAt, input.StopReason, input.ReconnectAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", input.SessionID, repository.ErrSessionNotFound)
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM assistant_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) ListRunningSessions(ctx context.Context) ([]repository.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM assistant_sessions
		 WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
