package container

import (
	"context"
	"fmt"
	"time"

	"votegroups/internal/config"
	"votegroups/internal/events"
	"votegroups/internal/repository"
	"votegroups/internal/service"
	"votegroups/internal/service/auth"
	"votegroups/pkg/database"
	"votegroups/pkg/logger"
	"votegroups/pkg/redis"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           *database.PostgresDB
	RedisClient  *redis.Client
	Repositories *repository.Repositories
	Bus          *events.Bus
	Publisher    *service.Publisher
	Services     *service.Services

	// Memory is set when the repositories live in process.
	Memory *repository.MemoryStore
}

// New creates a new dependency injection container. A nil db selects the
// in-memory store, which is only allowed in development.
func New(cfg *config.Config, logger *logger.Logger, db *database.PostgresDB) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
		DB:     db,
	}

	switch {
	case db != nil:
		c.Repositories = &repository.Repositories{
			Meeting:     repository.NewMeetingRepository(db),
			VoteGroup:   repository.NewVoteGroupRepository(db),
			User:        repository.NewUserRepository(db),
			MeetingRole: repository.NewMeetingRoleRepository(db),
		}
	case cfg.IsDevelopment():
		logger.Warn("Database not configured, using in-memory repositories")
		c.Memory = repository.NewMemoryStore()
		c.Repositories = c.Memory.Repositories()
	default:
		return nil, fmt.Errorf("DATABASE_URL is required in %s", cfg.Environment)
	}

	// Initialize Redis client if Redis URL is configured
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, cfg.Environment, logger.Logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Redis client, proceeding without caching")
		} else {
			c.RedisClient = client
			logger.Info("Redis client initialized successfully")
		}
	} else {
		logger.Info("Redis URL not configured, proceeding without caching")
	}

	c.Bus = events.NewBus(logger)
	c.Publisher = service.NewPublisher(c.RedisClient, cfg.EventsChannel, logger)
	cache := service.NewCacheService(c.RedisClient, logger.Logger, cfg.VotersCacheTTL, cfg.IdempotencyTTL)

	// cached voters from an earlier process do not match a fresh memory store
	if c.Memory != nil && c.RedisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cache.PurgeVoters(ctx); err != nil {
			logger.WithError(err).Warn("Failed to purge cached voters")
		}
		cancel()
	}

	votegroups := service.NewVoteGroupService(c.Repositories, c.Bus, cache, c.Publisher, logger, cfg.SaveRetries)
	votegroups.RegisterSubscribers()

	c.Services = &service.Services{
		Auth:       auth.NewService(cfg.JWTSecret, cfg.GoogleClientID, c.Repositories.User, logger),
		VoteGroups: votegroups,
		Presence:   service.NewPresenceService(c.RedisClient, logger),
		Cache:      cache,
	}

	return c, nil
}

// HasRedis returns true if Redis client is available
func (c *Container) HasRedis() bool {
	return c.RedisClient != nil
}
