//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/transport"

	"github.com/stretchr/testify/mock"
)

type Messenger struct {
	mock.Mock
}

var _ transport.Messenger = (*Messenger)(nil)

func (t *Messenger) Identity() *protocol.Member {
	args := t.Called()
	v := args.Get(0)
	if v == nil {
		return nil
	}
	return v.(*protocol.Member)
}

func (t *Messenger) Send(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	args := t.Called(ctx, dest, env)
	return args.Error(0)
}

func (t *Messenger) SendReliable(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	args := t.Called(ctx, dest, env)
	return args.Error(0)
}

func (t *Messenger) Receive() <-chan *protocol.Envelope {
	args := t.Called()
	v := args.Get(0)
	return v.(chan *protocol.Envelope)
}

func (t *Messenger) Stop() {
	t.Called()
}
