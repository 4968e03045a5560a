package domain

// AssignmentChanged is published after every successful role or assignment change.
type AssignmentChanged struct {
	MeetingID string
	Group     *VoteGroup
	Groups    *VoteGroups
}

// Notifier receives change notifications from a VoteGroups collection.
type Notifier interface {
	Notify(event AssignmentChanged)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(event AssignmentChanged)

func (f NotifierFunc) Notify(event AssignmentChanged) {
	f(event)
}

type discardNotifier struct{}

func (discardNotifier) Notify(AssignmentChanged) {}
