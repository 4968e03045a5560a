package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"votegroups/internal/domain"
	"votegroups/pkg/database"
)

type PostgresMeetingRepository struct {
	db *database.PostgresDB
}

func NewMeetingRepository(db *database.PostgresDB) *PostgresMeetingRepository {
	return &PostgresMeetingRepository{db: db}
}

// GetByID gets a meeting by ID
func (r *PostgresMeetingRepository) GetByID(ctx context.Context, id string) (*domain.Meeting, error) {
	var m domain.Meeting
	query := `
		SELECT id, title, workflow_state, created_at
		FROM meetings
		WHERE id = $1
	`

	err := r.db.ReadPool.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.Title,
		&m.WorkflowState,
		&m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}

	return &m, nil
}

// ListByStates lists meetings in the given workflow states, newest first
func (r *PostgresMeetingRepository) ListByStates(ctx context.Context, states ...string) ([]*domain.Meeting, error) {
	query := `
		SELECT id, title, workflow_state, created_at
		FROM meetings
		WHERE workflow_state = ANY($1)
		ORDER BY created_at DESC
	`

	rows, err := r.db.ReadPool.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*domain.Meeting
	for rows.Next() {
		var m domain.Meeting
		if err := rows.Scan(&m.ID, &m.Title, &m.WorkflowState, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		meetings = append(meetings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}

	return meetings, nil
}

// HasOngoingPoll reports whether any poll of the meeting is ongoing
func (r *PostgresMeetingRepository) HasOngoingPoll(ctx context.Context, meetingID string) (bool, error) {
	var ongoing bool
	query := `SELECT EXISTS (SELECT 1 FROM polls WHERE meeting_id = $1 AND workflow_state = $2)`

	if err := r.db.Pool.QueryRow(ctx, query, meetingID, domain.PollOngoing).Scan(&ongoing); err != nil {
		return false, fmt.Errorf("failed to check ongoing polls: %w", err)
	}
	return ongoing, nil
}
