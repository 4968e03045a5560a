package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"votegroups/internal/domain"
	"votegroups/pkg/database"
)

type PostgresVoteGroupRepository struct {
	db *database.PostgresDB
}

func NewVoteGroupRepository(db *database.PostgresDB) *PostgresVoteGroupRepository {
	return &PostgresVoteGroupRepository{db: db}
}

// Load reads the collection from the primary
func (r *PostgresVoteGroupRepository) Load(ctx context.Context, meetingID string) (*VoteGroupState, error) {
	return r.load(ctx, r.db.Pool, meetingID)
}

// Read reads the collection from the read replica
func (r *PostgresVoteGroupRepository) Read(ctx context.Context, meetingID string) (*VoteGroupState, error) {
	return r.load(ctx, r.db.ReadPool, meetingID)
}

// The version is read before the rows. A writer committing in between makes
// the rows newer than the version, which only causes a spurious conflict on
// save, never a lost update.
func (r *PostgresVoteGroupRepository) load(ctx context.Context, pool *pgxpool.Pool, meetingID string) (*VoteGroupState, error) {
	state := &VoteGroupState{
		MeetingID: meetingID,
		Settings: domain.VoteGroupSettings{
			AssignedVoterRoles: domain.NewStringSet(),
			InactiveVoterRoles: domain.NewStringSet(),
		},
	}

	err := pool.QueryRow(ctx,
		`SELECT vote_groups_version FROM meetings WHERE id = $1`, meetingID).Scan(&state.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMeetingNotFound, meetingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vote groups version: %w", err)
	}

	var assigned, inactive []string
	err = pool.QueryRow(ctx, `
		SELECT assigned_voter_roles, inactive_voter_roles
		FROM vote_group_settings
		WHERE meeting_id = $1
	`, meetingID).Scan(&assigned, &inactive)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read vote group settings: %w", err)
	default:
		state.Settings.AssignedVoterRoles.Add(assigned...)
		state.Settings.InactiveVoterRoles.Add(inactive...)
	}

	groups := make(map[string]*domain.VoteGroupData)
	rows, err := pool.Query(ctx, `
		SELECT id, title, description
		FROM vote_groups
		WHERE meeting_id = $1
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to read vote groups: %w", err)
	}
	for rows.Next() {
		d := &domain.VoteGroupData{
			MeetingID:        meetingID,
			Members:          make(map[string]domain.Role),
			Assignments:      make(map[string]string),
			PotentialMembers: domain.NewStringSet(),
		}
		if err := rows.Scan(&d.Name, &d.Title, &d.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan vote group: %w", err)
		}
		groups[d.Name] = d
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vote groups: %w", err)
	}

	err = scanPairs(ctx, pool, `
		SELECT group_id, user_id, role FROM vote_group_members WHERE meeting_id = $1
	`, meetingID, func(groupID, userID, role string) {
		if d, ok := groups[groupID]; ok {
			d.Members[userID] = domain.Role(role)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read vote group members: %w", err)
	}

	err = scanPairs(ctx, pool, `
		SELECT group_id, primary_id, standin_id FROM vote_group_assignments WHERE meeting_id = $1
	`, meetingID, func(groupID, primary, standin string) {
		if d, ok := groups[groupID]; ok {
			d.Assignments[primary] = standin
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read vote group assignments: %w", err)
	}

	err = scanPairs(ctx, pool, `
		SELECT group_id, email, '' FROM vote_group_potential_members WHERE meeting_id = $1
	`, meetingID, func(groupID, email, _ string) {
		if d, ok := groups[groupID]; ok {
			d.PotentialMembers.Add(email)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read potential members: %w", err)
	}

	state.Groups = make([]domain.VoteGroupData, 0, len(groups))
	for _, d := range groups {
		state.Groups = append(state.Groups, *d)
	}
	sort.Slice(state.Groups, func(i, j int) bool { return state.Groups[i].Name < state.Groups[j].Name })

	return state, nil
}

func scanPairs(ctx context.Context, pool *pgxpool.Pool, query, meetingID string, fn func(a, b, c string)) error {
	rows, err := pool.Query(ctx, query, meetingID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a, b, c string
		if err := rows.Scan(&a, &b, &c); err != nil {
			return err
		}
		fn(a, b, c)
	}
	return rows.Err()
}

// Save replaces all rows of the meeting's collection in one transaction,
// guarded by the version read on load.
func (r *PostgresVoteGroupRepository) Save(ctx context.Context, state *VoteGroupState) (int64, error) {
	var version int64

	err := database.WithTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE meetings
			SET vote_groups_version = vote_groups_version + 1
			WHERE id = $1 AND vote_groups_version = $2
			RETURNING vote_groups_version
		`, state.MeetingID, state.Version).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: meeting %s at version %d", domain.ErrConflict, state.MeetingID, state.Version)
		}
		if err != nil {
			return fmt.Errorf("failed to bump vote groups version: %w", err)
		}

		batch := saveBatch(state)
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to write vote groups: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}

	state.Version = version
	return version, nil
}

// saveBatch queues the statements replacing the stored collection. Member,
// assignment and potential member rows cascade from vote_groups.
func saveBatch(state *VoteGroupState) *pgx.Batch {
	batch := &pgx.Batch{}
	meetingID := state.MeetingID

	batch.Queue(`
		INSERT INTO vote_group_settings (meeting_id, assigned_voter_roles, inactive_voter_roles)
		VALUES ($1, $2, $3)
		ON CONFLICT (meeting_id) DO UPDATE SET
			assigned_voter_roles = EXCLUDED.assigned_voter_roles,
			inactive_voter_roles = EXCLUDED.inactive_voter_roles
	`, meetingID, state.Settings.AssignedVoterRoles.Sorted(), state.Settings.InactiveVoterRoles.Sorted())

	batch.Queue(`DELETE FROM vote_groups WHERE meeting_id = $1`, meetingID)

	for _, g := range state.Groups {
		batch.Queue(`
			INSERT INTO vote_groups (meeting_id, id, title, description)
			VALUES ($1, $2, $3, $4)
		`, meetingID, g.Name, g.Title, g.Description)

		for _, userID := range sortedKeys(g.Members) {
			batch.Queue(`
				INSERT INTO vote_group_members (meeting_id, group_id, user_id, role)
				VALUES ($1, $2, $3, $4)
			`, meetingID, g.Name, userID, string(g.Members[userID]))
		}
		for _, primary := range sortedKeys(g.Assignments) {
			batch.Queue(`
				INSERT INTO vote_group_assignments (meeting_id, group_id, primary_id, standin_id)
				VALUES ($1, $2, $3, $4)
			`, meetingID, g.Name, primary, g.Assignments[primary])
		}
		for _, email := range g.PotentialMembers.Sorted() {
			batch.Queue(`
				INSERT INTO vote_group_potential_members (meeting_id, group_id, email)
				VALUES ($1, $2, $3)
			`, meetingID, g.Name, email)
		}
	}
	return batch
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
