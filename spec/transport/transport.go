package transport

import (
	"context"

	"go.miragespace.co/conclave/spec/protocol"
)

// Messenger moves membership envelopes between processes.
//
// Send is best effort and may drop silently. SendReliable returns only after
// the destination confirmed receipt, or fails with ErrUnreachable or a
// context error.
type Messenger interface {
	Identity() *protocol.Member
	Send(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error
	SendReliable(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error
	Receive() <-chan *protocol.Envelope
	Stop()
}
