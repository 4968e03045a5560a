package service

import (
	"context"
	"sync"

	"votegroups/internal/domain"
	"votegroups/internal/repository"
)

// countingVoteGroups counts repository calls. conflicts makes the next
// saves fail as if another writer got there first. onConflict runs after
// each injected conflict.
type countingVoteGroups struct {
	repository.VoteGroupRepository

	mu         sync.Mutex
	conflicts  int
	loads      int
	saves      int
	onConflict func()
}

func (c *countingVoteGroups) Load(ctx context.Context, meetingID string) (*repository.VoteGroupState, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.VoteGroupRepository.Load(ctx, meetingID)
}

func (c *countingVoteGroups) Save(ctx context.Context, state *repository.VoteGroupState) (int64, error) {
	c.mu.Lock()
	c.saves++
	if c.conflicts > 0 {
		c.conflicts--
		hook := c.onConflict
		c.mu.Unlock()
		if hook != nil {
			hook()
		}
		return 0, domain.ErrConflict
	}
	c.mu.Unlock()
	return c.VoteGroupRepository.Save(ctx, state)
}

func (c *countingVoteGroups) setConflicts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = n
}

func (c *countingVoteGroups) counts() (loads, saves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads, c.saves
}
