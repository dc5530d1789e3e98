package membership

import (
	"errors"
	"testing"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/mocks"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/util/testcond"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	uberAtomic "go.uber.org/atomic"
)

type mockedManager struct {
	*Manager
	self     *protocol.Member
	peer     *protocol.Member
	inbound  chan *protocol.Envelope
	sent     chan *protocol.Envelope
	reliable chan *protocol.Envelope
	auth     *mocks.Authenticator
	locator  *mocks.AnnouncingLocator
	listener *mocks.ViewListener

	installs  *uberAtomic.Int32
	announced *uberAtomic.Bool
}

func capture(ch chan *protocol.Envelope) func(mock.Arguments) {
	return func(args mock.Arguments) {
		select {
		case ch <- args.Get(2).(*protocol.Envelope):
		default:
		}
	}
}

// newMockedManager creates a single member cluster "a" whose messenger is
// driven directly by the test. Probing is effectively disabled.
func newMockedManager(t *testing.T, as *require.Assertions) *mockedManager {
	mm := &mockedManager{
		self:     &protocol.Member{Address: "a", StartedAt: 1},
		peer:     &protocol.Member{Address: "b", StartedAt: 1},
		inbound:  make(chan *protocol.Envelope, 16),
		sent:     make(chan *protocol.Envelope, 16),
		reliable: make(chan *protocol.Envelope, 16),
		auth:     new(mocks.Authenticator),
		locator:  new(mocks.AnnouncingLocator),
		listener: new(mocks.ViewListener),

		installs:  uberAtomic.NewInt32(0),
		announced: uberAtomic.NewBool(false),
	}

	messenger := new(mocks.Messenger)
	messenger.On("Identity").Return(mm.self)
	messenger.On("Receive").Return(mm.inbound)
	messenger.On("Send", mock.Anything, mock.Anything, mock.Anything).Run(capture(mm.sent)).Return(nil)
	messenger.On("SendReliable", mock.Anything, mock.Anything, mock.Anything).Run(capture(mm.reliable)).Return(nil)

	mm.locator.On("Announce", mock.Anything, mock.MatchedBy(func(m *protocol.Member) bool {
		return m.GetAddress() == "a"
	})).Run(func(mock.Arguments) {
		mm.announced.Store(true)
	}).Return(errors.New("locator unavailable"))
	mm.listener.On("OnViewInstalled", mock.Anything).Run(func(mock.Arguments) {
		mm.installs.Inc()
	}).Return()

	conf := devConfig(t, messenger, mm.locator, mm.auth)
	conf.ProbeInterval = time.Minute
	conf.Listeners = []membership.ViewListener{mm.listener}

	m, err := NewManager(conf)
	as.NoError(err)
	mm.Manager = m
	as.NoError(m.Create())
	return mm
}

func (mm *mockedManager) expect(as *require.Assertions, ch chan *protocol.Envelope, kind protocol.Envelope_Kind) *protocol.Envelope {
	timeout := time.After(waitTimeout)
	for {
		select {
		case env := <-ch:
			if env.GetKind() == kind {
				return env
			}
		case <-timeout:
			as.FailNow("timed out waiting for envelope", kind.String())
			return nil
		}
	}
}

func TestPrepareAcknowledgement(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	founder := mm.Identity()
	joined := &protocol.Member{Address: "b", StartedAt: 1, Ordinal: 2}
	proposal := func(seq int64) *protocol.Envelope {
		return &protocol.Envelope{
			Kind:   protocol.Envelope_PREPARE,
			Sender: mm.peer,
			Prepare: &protocol.Prepare{View: &protocol.View{
				Id:      &protocol.ViewID{Creator: 2, Sequence: seq},
				Members: []*protocol.Member{founder, joined},
			}},
		}
	}

	// a proposal that does not advance the installed view is rejected
	mm.inbound <- proposal(1)
	ack := mm.expect(as, mm.reliable, protocol.Envelope_PREPARE_ACK).GetPrepareAck()
	as.False(ack.GetAccepted())
	as.Equal(int64(1), ack.GetInstalled().GetId().GetSequence())

	mm.inbound <- proposal(2)
	ack = mm.expect(as, mm.reliable, protocol.Envelope_PREPARE_ACK).GetPrepareAck()
	as.True(ack.GetAccepted())
	as.Equal(int64(2), ack.GetViewId().GetSequence())

	// nothing is installed until the commit arrives
	as.Equal(int64(1), mm.CurrentView().Sequence())

	commit := proposal(2)
	commit.Kind = protocol.Envelope_COMMIT
	commit.Commit = &protocol.Commit{View: commit.GetPrepare().GetView()}
	commit.Prepare = nil
	mm.inbound <- commit

	as.NoError(testcond.WaitForCondition(func() bool {
		return mm.CurrentView().Sequence() == 2
	}, waitInterval, waitTimeout))
	as.NoError(testcond.WaitForCondition(func() bool {
		return mm.installs.Load() == 2
	}, waitInterval, waitTimeout))

	// an older commit is ignored
	stale := proposal(1)
	stale.Kind = protocol.Envelope_COMMIT
	stale.Commit = &protocol.Commit{View: &protocol.View{
		Id:      &protocol.ViewID{Creator: 1, Sequence: 1},
		Members: []*protocol.Member{founder},
	}}
	stale.Prepare = nil
	mm.inbound <- stale
	<-time.After(waitInterval)
	as.Equal(int64(2), mm.CurrentView().Sequence())

	// announce failures are logged and otherwise ignored
	as.NoError(testcond.WaitForCondition(mm.announced.Load, waitInterval, waitTimeout))
	as.Equal(membership.Stable, mm.State())
}

func TestJoinRejectedByAuthenticator(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	mm.auth.On("Validate", mock.Anything, mock.MatchedBy(func(m *protocol.Member) bool {
		return m.GetAddress() == "b"
	}), []byte("nope")).Return(membership.ErrAuthenticationFailed)

	request := &protocol.Envelope{
		Kind:   protocol.Envelope_JOIN_REQUEST,
		Sender: mm.peer,
		JoinRequest: &protocol.JoinRequest{
			Recipient:   mm.Identity(),
			Member:      mm.peer,
			Credentials: []byte("nope"),
			RequestId:   7,
		},
	}

	for i := 0; i < 2; i++ {
		mm.inbound <- request
		resp := mm.expect(as, mm.reliable, protocol.Envelope_JOIN_RESPONSE).GetJoinResponse()
		as.Equal(protocol.JoinResponse_REJECTED, resp.GetOutcome())
		as.Equal(protocol.JoinResponse_AUTHENTICATION_FAILED, resp.GetReason())
		as.Equal(int32(7), resp.GetRequestId())
	}

	// the retransmission was answered from the replay cache
	mm.auth.AssertNumberOfCalls(t, "Validate", 1)
	as.Equal(1, mm.CurrentView().Size())
}

func TestJoinRequestWithoutCandidate(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	mm.inbound <- &protocol.Envelope{
		Kind:        protocol.Envelope_JOIN_REQUEST,
		Sender:      mm.peer,
		JoinRequest: &protocol.JoinRequest{RequestId: 3},
	}
	resp := mm.expect(as, mm.reliable, protocol.Envelope_JOIN_RESPONSE).GetJoinResponse()
	as.Equal(protocol.JoinResponse_REJECTED, resp.GetOutcome())
	as.Equal(protocol.JoinResponse_INVALID_REQUEST, resp.GetReason())
	mm.auth.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
}

func TestPingAnswered(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	mm.inbound <- &protocol.Envelope{
		Kind:   protocol.Envelope_PING,
		Sender: mm.peer,
		Ping:   &protocol.Ping{Nonce: 42},
	}
	env := mm.expect(as, mm.sent, protocol.Envelope_PING_ACK)
	as.Equal(uint64(42), env.GetPingAck().GetNonce())
	as.Equal("a", env.GetSender().GetAddress())

	// envelopes without a sender are dropped
	mm.inbound <- &protocol.Envelope{
		Kind: protocol.Envelope_PING,
		Ping: &protocol.Ping{Nonce: 43},
	}
	select {
	case env := <-mm.sent:
		as.FailNow("unexpected reply", env.GetKind().String())
	case <-time.After(waitInterval * 2):
	}
}

func TestCompetingPreparesForOneSequence(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	founder := mm.Identity()
	joined := &protocol.Member{Address: "b", StartedAt: 1, Ordinal: 2}
	prepare := func(seq int64, creator uint32) *protocol.PrepareAck {
		mm.inbound <- &protocol.Envelope{
			Kind:   protocol.Envelope_PREPARE,
			Sender: mm.peer,
			Prepare: &protocol.Prepare{View: &protocol.View{
				Id:      &protocol.ViewID{Creator: creator, Sequence: seq},
				Members: []*protocol.Member{founder, joined},
			}},
		}
		return mm.expect(as, mm.reliable, protocol.Envelope_PREPARE_ACK).GetPrepareAck()
	}

	as.True(prepare(2, 3).GetAccepted())

	// a second proposal for the same sequence loses, whichever creator wins the tie
	for _, creator := range []uint32{2, 4} {
		ack := prepare(2, creator)
		as.False(ack.GetAccepted())
		as.Equal(int64(1), ack.GetInstalled().GetId().GetSequence())
		as.Equal(int64(2), ack.GetPromised().GetSequence())
		as.Equal(uint32(3), ack.GetPromised().GetCreator())
	}

	// the promised proposal is acknowledged again
	as.True(prepare(2, 3).GetAccepted())

	// a later sequence supersedes the promise
	as.True(prepare(3, 2).GetAccepted())
	ack := prepare(2, 3)
	as.False(ack.GetAccepted())
	as.Equal(int64(3), ack.GetPromised().GetSequence())
}

func TestProposalSkipsPromisedSequence(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	founder := mm.Identity()
	peer := &protocol.Member{Address: "b", StartedAt: 1, Ordinal: 2}
	installed := &protocol.View{
		Id:      &protocol.ViewID{Creator: 1, Sequence: 2},
		Members: []*protocol.Member{founder, peer},
	}
	mm.inbound <- &protocol.Envelope{
		Kind:   protocol.Envelope_COMMIT,
		Sender: mm.peer,
		Commit: &protocol.Commit{View: installed},
	}
	as.NoError(testcond.WaitForCondition(func() bool {
		return mm.CurrentView().Sequence() == 2
	}, waitInterval, waitTimeout))

	joiner := &protocol.Member{Address: "c", StartedAt: 1}
	mm.auth.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mm.inbound <- &protocol.Envelope{
		Kind:   protocol.Envelope_JOIN_REQUEST,
		Sender: joiner,
		JoinRequest: &protocol.JoinRequest{
			Recipient: founder,
			Member:    joiner,
			RequestId: 1,
		},
	}

	first := mm.expect(as, mm.reliable, protocol.Envelope_PREPARE).GetPrepare().GetView().GetId()
	as.Equal(int64(3), first.GetSequence())

	// the peer already acknowledged another coordinator's view 3
	mm.inbound <- &protocol.Envelope{
		Kind:   protocol.Envelope_PREPARE_ACK,
		Sender: mm.peer,
		PrepareAck: &protocol.PrepareAck{
			ViewId:    first,
			Installed: installed,
			Promised:  &protocol.ViewID{Creator: 9, Sequence: 3},
		},
	}

	second := mm.expect(as, mm.reliable, protocol.Envelope_PREPARE).GetPrepare().GetView()
	as.Equal(int64(4), second.GetId().GetSequence())
	as.Len(second.GetMembers(), 3)

	mm.inbound <- &protocol.Envelope{
		Kind:       protocol.Envelope_PREPARE_ACK,
		Sender:     mm.peer,
		PrepareAck: &protocol.PrepareAck{ViewId: second.GetId(), Accepted: true},
	}
	as.NoError(testcond.WaitForCondition(func() bool {
		return mm.CurrentView().Sequence() == 4
	}, waitInterval, waitTimeout))

	stored, ok := mm.CurrentView().Lookup(joiner)
	as.True(ok)
	as.Equal(uint32(3), stored.GetOrdinal())
}

func TestSuspicionReportsFiltered(t *testing.T) {
	as := require.New(t)

	mm := newMockedManager(t, as)
	defer mm.Stop()

	a := mm.Identity()
	b := &protocol.Member{Address: "b", StartedAt: 1, Ordinal: 2}
	c := &protocol.Member{Address: "c", StartedAt: 1, Ordinal: 3}
	d := &protocol.Member{Address: "d", StartedAt: 1, Ordinal: 4}

	commit := func(seq int64, members ...*protocol.Member) {
		mm.inbound <- &protocol.Envelope{
			Kind:   protocol.Envelope_COMMIT,
			Sender: mm.peer,
			Commit: &protocol.Commit{View: &protocol.View{
				Id:      &protocol.ViewID{Creator: 1, Sequence: seq},
				Members: members,
			}},
		}
		as.NoError(testcond.WaitForCondition(func() bool {
			return mm.CurrentView().Sequence() == seq
		}, waitInterval, waitTimeout))
	}
	commit(2, a, b, c)
	commit(3, a, b, c, d)

	report := func(reporter *protocol.Member, viewSeq int64) *protocol.Envelope {
		return &protocol.Envelope{
			Kind:   protocol.Envelope_SUSPECT_MEMBERS,
			Sender: reporter,
			ViewId: &protocol.ViewID{Creator: 1, Sequence: viewSeq},
			SuspectMembers: &protocol.SuspectMembers{
				Reporter: reporter,
				Suspects: []*protocol.Member{d},
			},
		}
	}

	// b still had the view from before d was admitted
	mm.inbound <- report(b, 2)
	// x was never a member
	mm.inbound <- report(&protocol.Member{Address: "x", StartedAt: 1}, 3)
	// c saw d admitted, so its report counts and d is verified
	mm.inbound <- report(c, 3)

	ping := mm.expect(as, mm.sent, protocol.Envelope_PING)
	mm.inbound <- &protocol.Envelope{
		Kind:    protocol.Envelope_PING_ACK,
		Sender:  d,
		PingAck: &protocol.PingAck{Nonce: ping.GetPing().GetNonce()},
	}

	as.NoError(testcond.WaitForCondition(func() bool {
		return mm.coordinator.suspicions.Count(d, time.Now()) == 0
	}, waitInterval, waitTimeout))
	<-time.After(waitInterval * 5)

	// a single counted report never reaches the removal quorum
	as.False(mm.isExcluded(d))
	as.True(mm.CurrentView().Contains(d))
	for len(mm.reliable) > 0 {
		as.NotEqual(protocol.Envelope_PREPARE, (<-mm.reliable).GetKind())
	}
}
