// Package events delivers vote group change notifications to subscribers
// once the change has been stored.
package events

import (
	"context"
	"fmt"
	"sync"

	"votegroups/internal/domain"
	"votegroups/pkg/logger"
)

// Handler reacts to one committed change.
type Handler func(ctx context.Context, event domain.AssignmentChanged) error

type subscription struct {
	name    string
	handler Handler
}

// Bus dispatches events synchronously, in subscription order. A failing
// handler is logged and does not stop the others.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe registers handler under name, used in logs.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: handler})
}

// Publish delivers event to every subscriber and returns the handler
// errors.
func (b *Bus) Publish(ctx context.Context, event domain.AssignmentChanged) []error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := safeCall(ctx, s.handler, event); err != nil {
			b.log.WithMeeting(event.MeetingID).
				WithField("subscriber", s.name).
				WithError(err).
				Warn("Event subscriber failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errs
}

func safeCall(ctx context.Context, h Handler, event domain.AssignmentChanged) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, event)
}

// Buffer collects events raised during a unit of work so they can be
// dispatched after commit, or dropped when the work is retried.
type Buffer struct {
	mu     sync.Mutex
	events []domain.AssignmentChanged
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Notify implements domain.Notifier.
func (b *Buffer) Notify(event domain.AssignmentChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Reset drops buffered events.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// Flush publishes the buffered events on bus and empties the buffer.
func (b *Buffer) Flush(ctx context.Context, bus *Bus) []error {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	var errs []error
	for _, ev := range pending {
		errs = append(errs, bus.Publish(ctx, ev)...)
	}
	return errs
}
