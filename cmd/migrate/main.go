package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"votegroups/internal/domain"
	"votegroups/internal/service/auth"
)

const usage = "Usage: go run ./cmd/migrate [drop|up|seed|tokens]"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	command := os.Args[1]

	// tokens does not touch the database
	if command == "tokens" {
		if err := printTokens(); err != nil {
			log.Fatalf("Failed to sign tokens: %v", err)
		}
		return
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	switch command {
	case "drop":
		if err := execAll(ctx, conn, "Dropped", dropQueries); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		fmt.Println("✅ All tables dropped successfully")

	case "up":
		if err := execAll(ctx, conn, "Created", createQueries); err != nil {
			log.Fatalf("Failed to create tables: %v", err)
		}
		fmt.Println("✅ All tables created successfully")

	case "seed":
		if err := seedData(ctx, conn); err != nil {
			log.Fatalf("Failed to seed data: %v", err)
		}
		fmt.Println("✅ Data seeded successfully")

	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println(usage)
		os.Exit(1)
	}
}

var dropQueries = []string{
	`DROP TABLE IF EXISTS vote_group_potential_members CASCADE`,
	`DROP TABLE IF EXISTS vote_group_assignments CASCADE`,
	`DROP TABLE IF EXISTS vote_group_members CASCADE`,
	`DROP TABLE IF EXISTS vote_groups CASCADE`,
	`DROP TABLE IF EXISTS vote_group_settings CASCADE`,
	`DROP TABLE IF EXISTS meeting_roles CASCADE`,
	`DROP TABLE IF EXISTS polls CASCADE`,
	`DROP TABLE IF EXISTS meetings CASCADE`,
	`DROP TABLE IF EXISTS users CASCADE`,
}

var createQueries = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		email VARCHAR(255) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL DEFAULT '',
		email_validated BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	// vote_groups_version guards the whole collection of a meeting
	`CREATE TABLE IF NOT EXISTS meetings (
		id VARCHAR(64) PRIMARY KEY,
		title VARCHAR(255) NOT NULL DEFAULT '',
		workflow_state VARCHAR(20) NOT NULL DEFAULT 'upcoming',
		vote_groups_version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS polls (
		id VARCHAR(64) PRIMARY KEY,
		meeting_id VARCHAR(64) NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
		workflow_state VARCHAR(20) NOT NULL DEFAULT 'private'
	)`,

	`CREATE TABLE IF NOT EXISTS meeting_roles (
		meeting_id VARCHAR(64) NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(64) NOT NULL,
		PRIMARY KEY (meeting_id, user_id, role)
	)`,

	`CREATE TABLE IF NOT EXISTS vote_group_settings (
		meeting_id VARCHAR(64) PRIMARY KEY REFERENCES meetings(id) ON DELETE CASCADE,
		assigned_voter_roles TEXT[] NOT NULL DEFAULT '{}',
		inactive_voter_roles TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS vote_groups (
		meeting_id VARCHAR(64) NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
		id VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (meeting_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS vote_group_members (
		meeting_id VARCHAR(64) NOT NULL,
		group_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL CHECK (role IN ('primary', 'standin')),
		PRIMARY KEY (meeting_id, group_id, user_id),
		FOREIGN KEY (meeting_id, group_id) REFERENCES vote_groups(meeting_id, id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS vote_group_assignments (
		meeting_id VARCHAR(64) NOT NULL,
		group_id VARCHAR(64) NOT NULL,
		primary_id VARCHAR(255) NOT NULL,
		standin_id VARCHAR(255) NOT NULL,
		PRIMARY KEY (meeting_id, group_id, primary_id),
		FOREIGN KEY (meeting_id, group_id) REFERENCES vote_groups(meeting_id, id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS vote_group_potential_members (
		meeting_id VARCHAR(64) NOT NULL,
		group_id VARCHAR(64) NOT NULL,
		email VARCHAR(255) NOT NULL,
		PRIMARY KEY (meeting_id, group_id, email),
		FOREIGN KEY (meeting_id, group_id) REFERENCES vote_groups(meeting_id, id) ON DELETE CASCADE
	)`,

	// Create indexes
	`CREATE INDEX IF NOT EXISTS idx_users_email_validated ON users(lower(email)) WHERE email_validated`,
	`CREATE INDEX IF NOT EXISTS idx_meetings_workflow_state ON meetings(workflow_state)`,
	`CREATE INDEX IF NOT EXISTS idx_polls_meeting_state ON polls(meeting_id, workflow_state)`,
}

func execAll(ctx context.Context, conn *pgx.Conn, verb string, queries []string) error {
	for _, query := range queries {
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w\nQuery: %s", err, query)
		}
		fmt.Printf("  %s: %s\n", verb, getTableName(query))
	}
	return nil
}

var seedUsers = []domain.User{
	{ID: "moderator", Email: "moderator@example.com", Name: "Moderator", EmailValidated: true},
	{ID: "alice", Email: "alice@example.com", Name: "Alice", EmailValidated: true},
	{ID: "bob", Email: "bob@example.com", Name: "Bob", EmailValidated: true},
	{ID: "carol", Email: "carol@example.com", Name: "Carol"},
}

func seedData(ctx context.Context, conn *pgx.Conn) error {
	batch := &pgx.Batch{}
	for _, u := range seedUsers {
		batch.Queue(`
			INSERT INTO users (id, email, name, email_validated) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				email_validated = EXCLUDED.email_validated,
				updated_at = NOW()
		`, u.ID, u.Email, u.Name, u.EmailValidated)
	}
	batch.Queue(`
		INSERT INTO meetings (id, title, workflow_state) VALUES
		('annual', 'Annual meeting', 'upcoming'),
		('spring', 'Spring meeting', 'closed')
		ON CONFLICT (id) DO NOTHING
	`)
	batch.Queue(`
		INSERT INTO meeting_roles (meeting_id, user_id, role) VALUES
		('annual', 'moderator', $1),
		('spring', 'moderator', $1)
		ON CONFLICT DO NOTHING
	`, domain.MeetingRoleModerator)
	batch.Queue(`
		INSERT INTO vote_group_settings (meeting_id, assigned_voter_roles, inactive_voter_roles)
		VALUES ('annual', $1, '{}')
		ON CONFLICT (meeting_id) DO NOTHING
	`, []string{domain.MeetingRoleVoter})

	if err := conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to seed: %w", err)
	}

	fmt.Printf("  Seeded %d users and 2 meetings\n", len(seedUsers))
	return nil
}

// printTokens signs a week long development token for every seed user.
func printTokens() error {
	svc := auth.NewService(os.Getenv("JWT_SECRET"), "", nil, nil)
	for _, u := range seedUsers {
		token, err := svc.SignToken(&domain.UserProfile{
			Sub:           u.ID,
			Email:         u.Email,
			Name:          u.Name,
			EmailVerified: u.EmailValidated,
		}, 7*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %s\n", u.ID, token)
	}
	return nil
}

func getTableName(query string) string {
	if len(query) > 50 {
		return query[:50] + "..."
	}
	return query
}
