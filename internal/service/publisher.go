package service

import (
	"context"
	"encoding/json"
	"time"

	"votegroups/internal/domain"
	"votegroups/pkg/logger"
	"votegroups/pkg/redis"
)

// Event types published for other instances and clients
const (
	EventAssignmentChanged = "assignment_changed"
	EventRolesChanged      = "roles_changed"
)

// ChangeMessage is the pub/sub payload
type ChangeMessage struct {
	Type      string    `json:"type"`
	MeetingID string    `json:"meeting_id"`
	Group     string    `json:"group,omitempty"`
	Users     []string  `json:"users,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans change messages out on a redis channel. With a nil client
// messages are dropped.
type Publisher struct {
	redisClient *redis.Client
	channel     string
	logger      *logger.Logger
}

func NewPublisher(redisClient *redis.Client, channel string, logger *logger.Logger) *Publisher {
	p := &Publisher{redisClient: redisClient, logger: logger}
	if redisClient != nil {
		p.channel = redisClient.KeyBuilder.Channel(channel)
	}
	return p
}

// Channel returns the environment scoped channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

func (p *Publisher) publish(ctx context.Context, msg ChangeMessage) error {
	if p.redisClient == nil {
		return nil
	}
	msg.At = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.redisClient.Publish(ctx, p.channel, data)
}

// AssignmentChanged publishes a committed vote group change.
func (p *Publisher) AssignmentChanged(ctx context.Context, event domain.AssignmentChanged) error {
	msg := ChangeMessage{Type: EventAssignmentChanged, MeetingID: event.MeetingID}
	if event.Group != nil {
		msg.Group = event.Group.Name()
	}
	return p.publish(ctx, msg)
}

// RolesChanged publishes the users whose meeting roles were rewritten.
func (p *Publisher) RolesChanged(ctx context.Context, meetingID string, userIDs []string) error {
	err := p.publish(ctx, ChangeMessage{Type: EventRolesChanged, MeetingID: meetingID, Users: userIDs})
	if err != nil {
		p.logger.WithMeeting(meetingID).WithError(err).Warn("Failed to publish roles change")
	}
	return nil
}
