package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"votegroups/internal/domain"
	"votegroups/pkg/database"
)

type PostgresMeetingRoleRepository struct {
	db *database.PostgresDB
}

func NewMeetingRoleRepository(db *database.PostgresDB) *PostgresMeetingRoleRepository {
	return &PostgresMeetingRoleRepository{db: db}
}

// HasRole reports whether userID holds role in the meeting
func (r *PostgresMeetingRoleRepository) HasRole(ctx context.Context, meetingID, userID, role string) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (SELECT 1 FROM meeting_roles WHERE meeting_id = $1 AND user_id = $2 AND role = $3)`

	if err := r.db.Pool.QueryRow(ctx, query, meetingID, userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check meeting role: %w", err)
	}
	return ok, nil
}

// RolesFor returns the roles of userID in the meeting
func (r *PostgresMeetingRoleRepository) RolesFor(ctx context.Context, meetingID, userID string) (domain.StringSet, error) {
	rows, err := r.db.ReadPool.Query(ctx,
		`SELECT role FROM meeting_roles WHERE meeting_id = $1 AND user_id = $2`, meetingID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting roles: %w", err)
	}
	defer rows.Close()

	roles := domain.NewStringSet()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan meeting role: %w", err)
		}
		roles.Add(role)
	}
	return roles, rows.Err()
}

// Apply grants and revokes roles in one transaction
func (r *PostgresMeetingRoleRepository) Apply(ctx context.Context, meetingID string, grants, revokes map[string]domain.StringSet) error {
	batch := &pgx.Batch{}
	for _, userID := range sortedKeys(revokes) {
		batch.Queue(`
			DELETE FROM meeting_roles
			WHERE meeting_id = $1 AND user_id = $2 AND role = ANY($3)
		`, meetingID, userID, revokes[userID].Sorted())
	}
	for _, userID := range sortedKeys(grants) {
		for _, role := range grants[userID].Sorted() {
			batch.Queue(`
				INSERT INTO meeting_roles (meeting_id, user_id, role)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, meetingID, userID, role)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	return database.WithTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to apply meeting roles: %w", err)
		}
		return nil
	})
}

// RolesChangedFunc is told which users' roles changed after a flush.
type RolesChangedFunc func(ctx context.Context, meetingID string, userIDs []string) error

// RoleSession buffers role changes for one meeting and writes them on
// SendEvent. It implements domain.MeetingRoles.
type RoleSession struct {
	repo      MeetingRoleRepository
	meetingID string
	onChange  RolesChangedFunc

	mu      sync.Mutex
	grants  map[string]domain.StringSet
	revokes map[string]domain.StringSet
}

// NewRoleSession starts a session. onChange may be nil.
func NewRoleSession(repo MeetingRoleRepository, meetingID string, onChange RolesChangedFunc) *RoleSession {
	return &RoleSession{
		repo:      repo,
		meetingID: meetingID,
		onChange:  onChange,
		grants:    make(map[string]domain.StringSet),
		revokes:   make(map[string]domain.StringSet),
	}
}

// AddRoles queues grants. A grant cancels a pending revoke of the same role.
func (s *RoleSession) AddRoles(userID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		pending(s.grants, userID).Add(role)
		if rv, ok := s.revokes[userID]; ok {
			rv.Remove(role)
		}
	}
}

// RemoveRoles queues revocations. A revoke cancels a pending grant.
func (s *RoleSession) RemoveRoles(userID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		pending(s.revokes, userID).Add(role)
		if g, ok := s.grants[userID]; ok {
			g.Remove(role)
		}
	}
}

// SendEvent writes the buffered changes and reports the touched users.
func (s *RoleSession) SendEvent(ctx context.Context) error {
	s.mu.Lock()
	grants, revokes := compact(s.grants), compact(s.revokes)
	s.grants = make(map[string]domain.StringSet)
	s.revokes = make(map[string]domain.StringSet)
	s.mu.Unlock()

	if len(grants) == 0 && len(revokes) == 0 {
		return nil
	}
	if err := s.repo.Apply(ctx, s.meetingID, grants, revokes); err != nil {
		return err
	}
	if s.onChange == nil {
		return nil
	}

	touched := domain.NewStringSet()
	for userID := range grants {
		touched.Add(userID)
	}
	for userID := range revokes {
		touched.Add(userID)
	}
	return s.onChange(ctx, s.meetingID, touched.Sorted())
}

func pending(m map[string]domain.StringSet, userID string) domain.StringSet {
	s, ok := m[userID]
	if !ok {
		s = domain.NewStringSet()
		m[userID] = s
	}
	return s
}

func compact(m map[string]domain.StringSet) map[string]domain.StringSet {
	out := make(map[string]domain.StringSet, len(m))
	for userID, roles := range m {
		if len(roles) > 0 {
			out[userID] = roles
		}
	}
	return out
}
