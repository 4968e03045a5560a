package redis

import "fmt"

// KeyBuilder provides environment-aware Redis key building functionality
type KeyBuilder struct {
	prefix string // Environment prefix (staging/prod)
}

// NewKeyBuilder creates a new key builder with environment-based prefix
func NewKeyBuilder(environment string) *KeyBuilder {
	prefix := "prod"
	if environment == "development" || environment == "staging" {
		prefix = "staging"
	}

	return &KeyBuilder{
		prefix: prefix,
	}
}

// BuildKey constructs a Redis key with the environment prefix
func (kb *KeyBuilder) BuildKey(key string) string {
	return fmt.Sprintf("%s:%s", kb.prefix, key)
}

// GetPrefix returns the current environment prefix
func (kb *KeyBuilder) GetPrefix() string {
	return kb.prefix
}

func (kb *KeyBuilder) KeyMeetingVoters(meetingID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyMeetingVoters, meetingID))
}

// VotersPattern matches the cached voters of every meeting.
func (kb *KeyBuilder) VotersPattern() string {
	return kb.BuildKey(fmt.Sprintf(KeyMeetingVoters, "*"))
}

func (kb *KeyBuilder) KeyMeetingPresent(meetingID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyMeetingPresent, meetingID))
}

func (kb *KeyBuilder) KeyIdempotency(userID, key string) string {
	return kb.BuildKey(fmt.Sprintf(KeyIdempotency, userID, key))
}

// Channel returns an environment scoped pub/sub channel name.
func (kb *KeyBuilder) Channel(name string) string {
	return kb.BuildKey(name)
}
