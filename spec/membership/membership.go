package membership

import (
	"context"

	"go.miragespace.co/conclave/spec/protocol"
)

const (
	// Members each process monitors
	DefaultMonitoredSuccessors = 3
	// Distinct reporters that confirm a suspicion without a verification probe
	SuspicionQuorum = 2
)

// Authenticator validates a joiner's opaque credentials. A nil error admits
// the candidate.
type Authenticator interface {
	Validate(ctx context.Context, candidate *protocol.Member, credentials []byte) error
}

// Locator tells a joining process which member to contact first.
type Locator interface {
	CurrentCoordinator(ctx context.Context) (*protocol.Member, error)
}

// Announcer is implemented by locators that accept updates about the current
// coordinator.
type Announcer interface {
	Announce(ctx context.Context, coordinator *protocol.Member) error
}

// ViewEvent describes one installed view. Removed is the union of Leaving and
// Crashed.
type ViewEvent struct {
	View     *View
	Previous *View
	Added    []*protocol.Member
	Removed  []*protocol.Member
	Leaving  []*protocol.Member
	Crashed  []*protocol.Member
}

func NewViewEvent(prev, next *View) ViewEvent {
	added, removed := Delta(prev, next)
	return ViewEvent{
		View:     next,
		Previous: prev,
		Added:    added,
		Removed:  removed,
		Leaving:  next.Leaving(),
		Crashed:  next.Crashed(),
	}
}

type ViewListener interface {
	OnViewInstalled(ViewEvent)
}

type ViewListenerFunc func(ViewEvent)

func (f ViewListenerFunc) OnViewInstalled(ev ViewEvent) {
	f(ev)
}

// Membership is the process-local face of the group membership service.
type Membership interface {
	Identity() *protocol.Member
	// Create bootstraps a new cluster with this process as the only member.
	Create() error
	Join(ctx context.Context, credentials []byte) error
	Leave(ctx context.Context) error
	Stop()

	CurrentView() *View
	State() State
	StateHistory() []State
	Coordinator() *protocol.Member
	IsCoordinator() bool
}
