package membership

import (
	"context"

	"go.miragespace.co/conclave/metrics"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"go.uber.org/zap"
)

func (m *Manager) dispatchLoop() {
	defer m.stopWg.Done()

	for {
		select {
		case <-m.stopCh:
			m.logger.Debug("Stopping dispatch loop")
			return
		case env, ok := <-m.Messenger.Receive():
			if !ok {
				m.logger.Warn("Messenger receive channel closed")
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one inbound envelope. Replies go out on their own
// goroutines; the only blocking step is handing events to the coordinator.
func (m *Manager) dispatch(env *protocol.Envelope) {
	m.inbound.Increment()
	metrics.Messages.WithLabelValues(env.GetKind().String()).Inc()

	sender := env.GetSender()
	if sender.GetAddress() == "" {
		m.logger.Warn("Dropping envelope without sender", zap.Stringer("kind", env.GetKind()))
		return
	}

	switch m.state.Get() {
	case membership.Inactive, membership.Gone:
		m.logger.Debug("Ignoring envelope while not a member",
			zap.Stringer("kind", env.GetKind()),
			zap.Object("sender", sender),
		)
		return
	}

	switch env.GetKind() {
	case protocol.Envelope_PING:
		ack := m.envelope(protocol.Envelope_PING_ACK)
		ack.PingAck = &protocol.PingAck{Nonce: env.GetPing().GetNonce()}
		m.goSend(func(ctx context.Context) {
			if err := m.Messenger.Send(ctx, sender, ack); err != nil {
				m.logger.Debug("Failed to answer probe", zap.Object("peer", sender), zap.Error(err))
			}
		})

	case protocol.Envelope_PING_ACK:
		m.detector.handleAck(env.GetPingAck().GetNonce())

	case protocol.Envelope_JOIN_REQUEST:
		m.coordinator.submit(&joinEvent{sender: sender, req: env.GetJoinRequest()})

	case protocol.Envelope_JOIN_RESPONSE:
		select {
		case m.joinResponses <- env.GetJoinResponse():
		default:
			m.logger.Debug("Dropping join response nobody is waiting for", zap.Object("sender", sender))
		}

	case protocol.Envelope_PREPARE:
		m.handlePrepare(sender, env.GetPrepare())

	case protocol.Envelope_PREPARE_ACK:
		m.coordinator.submit(&ackEvent{from: sender, ack: env.GetPrepareAck()})

	case protocol.Envelope_COMMIT:
		m.handleCommit(sender, env.GetCommit())

	case protocol.Envelope_SUSPECT_MEMBERS:
		m.coordinator.submit(&suspectEvent{report: env.GetSuspectMembers(), viewSeq: env.GetViewId().GetSequence()})

	case protocol.Envelope_LEAVE_REQUEST:
		m.coordinator.submit(&leaveEvent{member: env.GetLeaveRequest().GetMember(), viewSeq: env.GetViewId().GetSequence()})

	default:
		m.logger.Warn("Unknown envelope kind", zap.Stringer("kind", env.GetKind()), zap.Object("sender", sender))
	}
}

// promise acknowledges proposed unless it does not advance the installed
// view or a competing proposal already holds its sequence number. At most one
// proposal per sequence is acknowledged; a retransmission of the promised one
// is acknowledged again. On refusal the current promise is returned.
func (m *Manager) promise(proposed *protocol.ViewID) (*protocol.ViewID, bool) {
	m.promiseMu.Lock()
	defer m.promiseMu.Unlock()

	installed := m.view.Load().Sequence()
	if proposed.GetSequence() <= installed {
		return m.promised, false
	}
	if held := m.promised; held != nil && held.GetSequence() > installed {
		if proposed.GetSequence() <= held.GetSequence() && membership.CompareViewID(proposed, held) != 0 {
			return held, false
		}
	}
	m.promised = &protocol.ViewID{Creator: proposed.GetCreator(), Sequence: proposed.GetSequence()}
	return m.promised, true
}

// promisedSequence is the highest sequence number acknowledged so far.
func (m *Manager) promisedSequence() int64 {
	m.promiseMu.Lock()
	defer m.promiseMu.Unlock()
	return m.promised.GetSequence()
}

// handlePrepare acknowledges a proposal that wins promise, and otherwise
// rejects it with the installed view and the current promise attached.
func (m *Manager) handlePrepare(sender *protocol.Member, p *protocol.Prepare) {
	proposed := p.GetView().GetId()
	if proposed == nil {
		m.logger.Warn("Dropping prepare without a view", zap.Object("sender", sender))
		return
	}

	ack := &protocol.PrepareAck{
		ViewId: proposed,
	}
	if held, ok := m.promise(proposed); ok {
		ack.Accepted = true
	} else {
		installed := m.view.Load()
		ack.Installed = installed.Proto()
		if held != nil {
			ack.Promised = &protocol.ViewID{Creator: held.GetCreator(), Sequence: held.GetSequence()}
		}
		m.logger.Debug("Rejecting proposal",
			zap.Object("proposed", proposed),
			zap.Object("installed", installed.ID()),
			zap.Object("promised", held),
			zap.Error(membership.ErrStaleView),
		)
	}

	env := m.envelope(protocol.Envelope_PREPARE_ACK)
	env.PrepareAck = ack
	m.sendReliableAsync(sender, env)
}

func (m *Manager) handleCommit(sender *protocol.Member, c *protocol.Commit) {
	v, err := membership.FromProto(c.GetView())
	if err != nil {
		m.logger.Warn("Dropping invalid commit", zap.Object("sender", sender), zap.Error(err))
		return
	}
	m.install(v)
}
