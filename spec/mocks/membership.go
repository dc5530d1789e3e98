//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/mock"
)

type Locator struct {
	mock.Mock
}

var _ membership.Locator = (*Locator)(nil)

func (l *Locator) CurrentCoordinator(ctx context.Context) (*protocol.Member, error) {
	args := l.Called(ctx)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.(*protocol.Member), e
}

// AnnouncingLocator is a Locator that also accepts coordinator announcements.
type AnnouncingLocator struct {
	Locator
}

var _ membership.Announcer = (*AnnouncingLocator)(nil)

func (l *AnnouncingLocator) Announce(ctx context.Context, coordinator *protocol.Member) error {
	args := l.Called(ctx, coordinator)
	return args.Error(0)
}

type Authenticator struct {
	mock.Mock
}

var _ membership.Authenticator = (*Authenticator)(nil)

func (a *Authenticator) Validate(ctx context.Context, candidate *protocol.Member, credentials []byte) error {
	args := a.Called(ctx, candidate, credentials)
	return args.Error(0)
}

type ViewListener struct {
	mock.Mock
}

var _ membership.ViewListener = (*ViewListener)(nil)

func (l *ViewListener) OnViewInstalled(ev membership.ViewEvent) {
	l.Called(ev)
}
