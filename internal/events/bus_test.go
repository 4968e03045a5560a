package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votegroups/internal/domain"
)

func TestBus_PublishOrderAndErrors(t *testing.T) {
	bus := NewBus(nil)
	var calls []string

	bus.Subscribe("first", func(ctx context.Context, ev domain.AssignmentChanged) error {
		calls = append(calls, "first:"+ev.MeetingID)
		return errors.New("boom")
	})
	bus.Subscribe("panicking", func(ctx context.Context, ev domain.AssignmentChanged) error {
		panic("bad handler")
	})
	bus.Subscribe("last", func(ctx context.Context, ev domain.AssignmentChanged) error {
		calls = append(calls, "last:"+ev.MeetingID)
		return nil
	})

	errs := bus.Publish(context.Background(), domain.AssignmentChanged{MeetingID: "m1"})

	assert.Equal(t, []string{"first:m1", "last:m1"}, calls)
	require.Len(t, errs, 2)
	assert.ErrorContains(t, errs[0], "first: boom")
	assert.ErrorContains(t, errs[1], "panicking: panic: bad handler")
}

func TestBuffer_FlushAfterCommit(t *testing.T) {
	bus := NewBus(nil)
	var seen []string
	bus.Subscribe("rec", func(ctx context.Context, ev domain.AssignmentChanged) error {
		seen = append(seen, ev.Group.Name())
		return nil
	})

	buf := NewBuffer()
	groups := domain.NewVoteGroups("m1",
		domain.WithNotifier(buf),
		domain.WithIDGenerator(func() string { return "g1" }),
	)
	g, err := groups.Get(groups.New())
	require.NoError(t, err)
	g.AddMember("one")
	g.AddMember("two")
	require.NoError(t, groups.SetRole("two", domain.RolePrimary, g))
	require.NoError(t, groups.AssignVote("two", "one", g))

	assert.Equal(t, 2, buf.Len())
	assert.Empty(t, seen, "nothing is delivered before flush")

	assert.Empty(t, buf.Flush(context.Background(), bus))
	assert.Equal(t, []string{"g1", "g1"}, seen)
	assert.Equal(t, 0, buf.Len())
}

func TestBuffer_Reset(t *testing.T) {
	buf := NewBuffer()
	buf.Notify(domain.AssignmentChanged{MeetingID: "m1"})
	buf.Reset()

	bus := NewBus(nil)
	called := false
	bus.Subscribe("rec", func(context.Context, domain.AssignmentChanged) error {
		called = true
		return nil
	})
	buf.Flush(context.Background(), bus)
	assert.False(t, called)
}
