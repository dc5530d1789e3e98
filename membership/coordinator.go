package membership

import (
	"context"
	"fmt"
	"time"

	"go.miragespace.co/conclave/metrics"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/timing"

	"github.com/Yiling-J/theine-go"
	"go.uber.org/zap"
)

const replayCacheEntries = 4096

type joinEvent struct {
	sender *protocol.Member
	req    *protocol.JoinRequest
}

// viewSeq on leave and suspect events is the sequence of the view the
// sender had installed when it sent the message.
type leaveEvent struct {
	member  *protocol.Member
	viewSeq int64
}

type suspectEvent struct {
	report  *protocol.SuspectMembers
	viewSeq int64
}

type ackEvent struct {
	from *protocol.Member
	ack  *protocol.PrepareAck
}

type sendFailedEvent struct {
	proposal *proposal
	to       *protocol.Member
	err      error
}

type ackTimeoutEvent struct {
	proposal *proposal
}

type verifyEvent struct {
	suspect *protocol.Member
	alive   bool
}

// coordinator serializes every decision about view changes on one goroutine:
// join admission, leave and crash events, suspicion aggregation and the
// single in-flight proposal. Processes that are not the coordinator run the
// same loop so they can take over when the coordinator fails.
type coordinator struct {
	m      *Manager
	logger *zap.Logger

	events chan any
	kickCh chan struct{}

	replay     *theine.Cache[string, *protocol.JoinResponse]
	suspicions *suspicionTable
	verifying  membership.MemberSet

	pending  membership.Changes
	waiters  map[membership.MemberKey]*joinEvent
	inflight *proposal
	// highest sequence a rejecting member reported as already promised
	claimed int64

	announced *protocol.Member
}

func newCoordinator(m *Manager) (*coordinator, error) {
	replay, err := theine.NewBuilder[string, *protocol.JoinResponse](replayCacheEntries).
		RemovalListener(func(key string, _ *protocol.JoinResponse, reason theine.RemoveReason) {
			if reason == theine.EVICTED {
				m.logger.Debug("Join replay entry evicted", zap.String("key", key))
			}
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building join replay cache: %w", err)
	}
	return &coordinator{
		m:          m,
		logger:     m.logger.With(zap.String("task", "coordinator")),
		events:     make(chan any, 256),
		kickCh:     make(chan struct{}, 1),
		replay:     replay,
		suspicions: newSuspicionTable(m.SuspicionWindow),
		verifying:  membership.NewMemberSet(),
		waiters:    make(map[membership.MemberKey]*joinEvent),
	}, nil
}

func (c *coordinator) close() {
	c.replay.Close()
}

func (c *coordinator) submit(ev any) {
	select {
	case c.events <- ev:
	case <-c.m.stopCh:
	}
}

// kick tells the loop that a new view was installed.
func (c *coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *coordinator) run() {
	defer c.m.stopWg.Done()

	expiry := time.NewTicker(c.m.SuspicionWindow / 2)
	defer expiry.Stop()
	lease := time.NewTicker(timing.LocatorLeaseTTL / 3)
	defer lease.Stop()

	for {
		select {
		case <-c.m.stopCh:
			if c.inflight != nil {
				c.inflight.stopTimer()
			}
			c.logger.Debug("Stopping coordinator task")
			return
		case <-c.kickCh:
			c.onInstalled()
		case ev := <-c.events:
			c.handle(ev)
		case now := <-expiry.C:
			c.suspicions.Expire(now)
		case <-lease.C:
			if c.serving() && c.m.IsCoordinator() {
				c.announce(true)
			}
		}
	}
}

func (c *coordinator) handle(ev any) {
	switch e := ev.(type) {
	case *joinEvent:
		c.handleJoin(e)
	case *leaveEvent:
		c.handleLeave(e)
	case *suspectEvent:
		c.handleSuspect(e)
	case *ackEvent:
		c.handleAck(e)
	case *sendFailedEvent:
		c.handleSendFailed(e)
	case *ackTimeoutEvent:
		if e.proposal == c.inflight && e.proposal.phase == phaseProposing {
			c.logger.Warn("Timed out waiting for acknowledgements",
				zap.Object("view", e.proposal.next.ID()),
				zap.Array("missing", protocol.Members(e.proposal.missing())),
			)
			c.commit(e.proposal)
		}
	case *verifyEvent:
		c.handleVerify(e)
	default:
		c.logger.Error("Unknown coordinator event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// serving reports whether this process holds an installed view it can act on.
func (c *coordinator) serving() bool {
	switch c.m.state.Get() {
	case membership.Stable, membership.CoordinatorTransition, membership.Leaving:
		return true
	default:
		return false
	}
}

func replayKey(req *protocol.JoinRequest) string {
	return fmt.Sprintf("%s/%d/%d", req.GetMember().GetAddress(), req.GetMember().GetStartedAt(), req.GetRequestId())
}

func (c *coordinator) respond(e *joinEvent, resp *protocol.JoinResponse, cache bool) {
	resp.RequestId = e.req.GetRequestId()
	if cache {
		c.replay.SetWithTTL(replayKey(e.req), resp, 1, c.m.JoinReplayTTL)
	}
	env := c.m.envelope(protocol.Envelope_JOIN_RESPONSE)
	env.JoinResponse = resp
	c.m.sendReliableAsync(e.sender, env)
}

func (c *coordinator) redirect(e *joinEvent, coord *protocol.Member) {
	metrics.JoinRequests.WithLabelValues("redirect").Inc()
	c.respond(e, &protocol.JoinResponse{
		Outcome:     protocol.JoinResponse_REDIRECT,
		Coordinator: coord,
	}, false)
}

func (c *coordinator) handleJoin(e *joinEvent) {
	req := e.req
	candidate := req.GetMember()
	logger := c.logger.With(zap.Object("request", req))

	if candidate.GetAddress() == "" {
		logger.Warn("Rejecting join request without a candidate", zap.Error(membership.ErrInvalidRequest))
		metrics.JoinRequests.WithLabelValues("invalid").Inc()
		c.respond(e, &protocol.JoinResponse{
			Outcome: protocol.JoinResponse_REJECTED,
			Reason:  protocol.JoinResponse_INVALID_REQUEST,
		}, false)
		return
	}

	if !c.serving() {
		c.redirect(e, nil)
		return
	}

	coord := c.m.Coordinator()
	if !membership.SameMember(coord, c.m.self) {
		logger.Debug("Redirecting join request", zap.Object("coordinator", coord))
		c.redirect(e, coord)
		return
	}

	if cached, ok := c.replay.Get(replayKey(req)); ok {
		logger.Debug("Replaying join response", zap.Error(membership.ErrDuplicateRequest))
		metrics.JoinRequests.WithLabelValues("duplicate").Inc()
		c.respond(e, cached, false)
		return
	}

	key := membership.KeyOf(candidate)
	if _, ok := c.waiters[key]; ok {
		// already queued, answer whichever request arrives last
		c.waiters[key] = e
		return
	}

	ctx, cancel := context.WithTimeout(c.m.ctx, c.m.MessageTimeout)
	err := c.m.Authenticator.Validate(ctx, candidate, req.GetCredentials())
	cancel()
	if err != nil {
		logger.Warn("Join request failed authentication", zap.Error(err))
		metrics.JoinRequests.WithLabelValues("rejected").Inc()
		c.respond(e, &protocol.JoinResponse{
			Outcome: protocol.JoinResponse_REJECTED,
			Reason:  protocol.JoinResponse_AUTHENTICATION_FAILED,
		}, true)
		return
	}

	view := c.m.CurrentView()
	if view.Contains(candidate) {
		metrics.JoinRequests.WithLabelValues("accepted").Inc()
		c.respond(e, &protocol.JoinResponse{
			Outcome:     protocol.JoinResponse_ACCEPTED,
			Coordinator: c.m.Identity(),
			View:        view.Proto(),
		}, true)
		return
	}

	changes := membership.Changes{Joiners: []*protocol.Member{candidate}}
	for _, m := range view.Members() {
		// a restarted process replaces its previous incarnation
		if m.GetAddress() == candidate.GetAddress() && m.GetStartedAt() < candidate.GetStartedAt() {
			logger.Info("Joiner replaces a previous incarnation", zap.Object("previous", m))
			changes.Crashed = append(changes.Crashed, m)
		}
	}

	logger.Info("Queueing join request")
	c.waiters[key] = e
	c.pending = c.pending.Merge(changes)
	c.tryPropose()
}

func (c *coordinator) handleLeave(e *leaveEvent) {
	if e.member.GetAddress() == "" || !c.serving() {
		return
	}
	view := c.m.CurrentView()
	if !view.Contains(e.member) {
		return
	}
	if e.viewSeq < c.m.admittedIn(e.member) {
		c.logger.Debug("Dropping leave request sent from a view that predates the member",
			zap.Object("member", e.member),
			zap.Int64("senderView", e.viewSeq),
			zap.Error(membership.ErrStaleView),
		)
		return
	}
	coord := c.m.Coordinator()
	if !membership.SameMember(coord, c.m.self) {
		c.forwardLeave(coord, e.member)
		return
	}
	c.logger.Info("Queueing leave request", zap.Object("member", e.member))
	c.pending = c.pending.Merge(membership.Changes{Leavers: []*protocol.Member{e.member}})
	c.tryPropose()
}

func (c *coordinator) forwardLeave(coord, member *protocol.Member) {
	if coord == nil {
		return
	}
	env := c.m.envelope(protocol.Envelope_LEAVE_REQUEST)
	env.LeaveRequest = &protocol.LeaveRequest{Member: member}
	c.m.sendReliableAsync(coord, env)
}

// handleSuspect aggregates a failure report if this process is the one the
// reporter should have reached, and forwards it otherwise. Reports count only
// when the reporter is a member this process has not excluded, and only for
// suspects that were already members in the sender's view.
func (c *coordinator) handleSuspect(e *suspectEvent) {
	if !c.serving() {
		return
	}
	report := e.report
	metrics.Suspicions.WithLabelValues("received").Inc()

	view := c.m.CurrentView()
	reporter, ok := view.Lookup(report.GetReporter())
	if !ok || c.m.isExcluded(reporter) {
		metrics.Suspicions.WithLabelValues("ignored").Inc()
		c.logger.Warn("Dropping suspicion report from a process that is not a member",
			zap.Object("reporter", report.GetReporter()),
			zap.Error(membership.ErrStaleView),
		)
		return
	}

	suspects := make([]*protocol.Member, 0, len(report.GetSuspects()))
	for _, s := range report.GetSuspects() {
		stored, ok := view.Lookup(s)
		if !ok {
			continue
		}
		if membership.SameMember(stored, c.m.self) {
			c.logger.Warn("Suspected by a peer", zap.Object("reporter", reporter))
			continue
		}
		if e.viewSeq < c.m.admittedIn(stored) {
			metrics.Suspicions.WithLabelValues("ignored").Inc()
			c.logger.Debug("Dropping suspicion sent from a view that predates the suspect",
				zap.Object("suspect", stored),
				zap.Int64("senderView", e.viewSeq),
				zap.Error(membership.ErrStaleView),
			)
			continue
		}
		suspects = append(suspects, stored)
	}
	if len(suspects) == 0 {
		return
	}

	excluded := c.m.exclusions()
	for _, s := range suspects {
		excluded.Add(s)
	}
	target := membership.Coordinator(view, excluded)
	if target == nil {
		return
	}
	if !membership.SameMember(target, c.m.self) {
		c.logger.Debug("Forwarding suspicion report", zap.Object("coordinator", target))
		env := c.m.envelope(protocol.Envelope_SUSPECT_MEMBERS)
		env.SuspectMembers = report
		c.m.sendReliableAsync(target, env)
		return
	}

	now := time.Now()
	for _, s := range suspects {
		if c.m.isExcluded(s) {
			continue
		}
		n := c.suspicions.Record(s, reporter, now)
		c.logger.Info("Recorded suspicion",
			zap.Object("suspect", s),
			zap.Object("reporter", reporter),
			zap.Int("reporters", n),
		)
		if n >= membership.SuspicionQuorum {
			c.confirm(s)
		} else {
			c.verify(s)
		}
	}
}

// verify probes suspect directly; the result comes back as a verifyEvent.
func (c *coordinator) verify(suspect *protocol.Member) {
	if c.verifying.Has(suspect) {
		return
	}
	c.verifying.Add(suspect)
	c.m.goSend(func(ctx context.Context) {
		alive := c.m.detector.verify(ctx, suspect)
		c.submit(&verifyEvent{suspect: suspect, alive: alive})
	})
}

func (c *coordinator) handleVerify(e *verifyEvent) {
	c.verifying.Remove(e.suspect)
	if e.alive {
		c.logger.Info("Suspected member answered verification probe", zap.Object("member", e.suspect))
		c.suspicions.Clear(e.suspect)
		return
	}
	if c.suspicions.Count(e.suspect, time.Now()) > 0 {
		c.confirm(e.suspect)
	}
}

// confirm removes suspect from coordinator candidacy and queues its removal.
func (c *coordinator) confirm(suspect *protocol.Member) {
	if !c.m.CurrentView().Contains(suspect) || c.m.isExcluded(suspect) {
		return
	}
	c.logger.Warn("Confirmed member failure", zap.Object("member", suspect))
	c.suspicions.Clear(suspect)

	wasCoordinator := c.m.IsCoordinator()
	c.m.exclude(suspect)
	if !wasCoordinator && c.m.IsCoordinator() {
		if _, ok := c.m.state.Transition(membership.Stable, membership.CoordinatorTransition); ok {
			c.logger.Info("Taking over as coordinator", zap.Object("previous", suspect))
		}
	}

	c.pending = c.pending.Merge(membership.Changes{Crashed: []*protocol.Member{suspect}})
	c.tryPropose()
}

// tryPropose starts a view change from the pending events when none is in
// flight and this process is the coordinator.
func (c *coordinator) tryPropose() {
	if c.inflight != nil || c.pending.Empty() || !c.serving() || !c.m.IsCoordinator() {
		return
	}

	prev := c.m.CurrentView()
	self, ok := prev.Lookup(c.m.self)
	if !ok {
		return
	}

	changes := c.pending
	c.pending = membership.Changes{}

	// skip sequence numbers a competing proposal may already hold
	seq := max(prev.Sequence(), c.claimed, c.m.promisedSequence()) + 1
	next, err := membership.NextViewAt(prev, &protocol.ViewID{Creator: self.GetOrdinal(), Sequence: seq}, changes)
	if err != nil {
		c.logger.Error("Failed to derive the next view", zap.Error(err))
		return
	}

	added, removed := membership.Delta(prev, next)
	if len(added) == 0 && len(removed) == 0 {
		c.answerJoiners(prev, changes.Joiners)
		return
	}

	p := newProposal(prev, next, changes, c.m.self)
	c.inflight = p
	c.m.promise(next.ID())

	c.logger.Info("Proposing view change",
		zap.Object("view", next.ID()),
		zap.Array("joiners", protocol.Members(added)),
		zap.Array("leavers", protocol.Members(next.Leaving())),
		zap.Array("crashed", protocol.Members(next.Crashed())),
	)

	if p.settled() {
		c.commit(p)
		return
	}

	for _, target := range p.targets() {
		env := c.m.envelope(protocol.Envelope_PREPARE)
		env.Prepare = &protocol.Prepare{View: next.Proto()}
		c.m.goSend(func(ctx context.Context) {
			if err := c.m.Messenger.SendReliable(ctx, target, env); err != nil {
				c.submit(&sendFailedEvent{proposal: p, to: target, err: err})
			}
		})
	}
	p.timer = time.AfterFunc(c.m.AckTimeout, func() {
		c.submit(&ackTimeoutEvent{proposal: p})
	})
}

func (c *coordinator) handleAck(e *ackEvent) {
	p := c.inflight
	if p == nil || p.phase != phaseProposing || membership.CompareViewID(e.ack.GetViewId(), p.next.ID()) != 0 {
		c.logger.Debug("Ignoring acknowledgement for a proposal no longer in flight",
			zap.Object("from", e.from),
			zap.Object("view", e.ack.GetViewId()),
		)
		return
	}
	if !p.isRequired(e.from) {
		return
	}
	if e.ack.GetAccepted() {
		if p.acked(e.from) {
			c.commit(p)
		}
		return
	}
	c.logger.Info("Proposal rejected",
		zap.Object("from", e.from),
		zap.Object("installed", e.ack.GetInstalled().GetId()),
		zap.Object("promised", e.ack.GetPromised()),
	)
	if seq := e.ack.GetPromised().GetSequence(); seq > c.claimed {
		c.claimed = seq
	}
	c.abort(p, e.ack.GetInstalled())
}

func (c *coordinator) handleSendFailed(e *sendFailedEvent) {
	p := c.inflight
	if p != e.proposal || p.phase != phaseProposing {
		return
	}
	c.logger.Debug("Prepare could not be delivered", zap.Object("member", e.to), zap.Error(e.err))
	if p.failed(e.to) {
		c.commit(p)
	}
}

func (c *coordinator) commit(p *proposal) {
	p.stopTimer()
	p.phase = phaseCommitting

	if !c.m.install(p.next) {
		c.logger.Info("Discarding proposal superseded by an installed view", zap.Object("view", p.next.ID()))
		c.abort(p, nil)
		return
	}

	env := c.m.envelope(protocol.Envelope_COMMIT)
	env.Commit = &protocol.Commit{View: p.next.Proto()}
	for _, m := range append(p.next.Members(), p.next.Leaving()...) {
		if membership.SameMember(m, c.m.self) {
			continue
		}
		c.m.sendReliableAsync(m, env)
	}

	c.answerJoiners(p.next, p.changes.Joiners)

	p.phase = phaseDone
	c.inflight = nil
	metrics.Proposals.WithLabelValues("committed").Inc()
	metrics.ProposalDuration.Observe(time.Since(p.started).Seconds())

	now := time.Now()
	for _, silent := range p.missing() {
		if !p.next.Contains(silent) {
			continue
		}
		c.logger.Warn("Suspecting member that did not acknowledge", zap.Object("member", silent))
		c.suspicions.Record(silent, c.m.self, now)
		c.verify(silent)
	}

	c.tryPropose()
}

// abort discards p, adopts installed if it is newer, and requeues p's events.
func (c *coordinator) abort(p *proposal, installed *protocol.View) {
	p.stopTimer()
	p.phase = phaseAborted
	c.inflight = nil
	metrics.Proposals.WithLabelValues("aborted").Inc()

	c.logger.Warn("View change aborted", zap.Object("view", p.next.ID()), zap.Error(membership.ErrProtocolAbort))

	if installed != nil {
		if v, err := membership.FromProto(installed); err == nil {
			c.m.install(v)
		} else {
			c.logger.Warn("Ignoring invalid view in rejection", zap.Error(err))
		}
	}

	c.pending = p.changes.Merge(c.pending)
	if c.serving() && c.m.IsCoordinator() {
		c.tryPropose()
	} else {
		c.redirectPending()
	}
}

func (c *coordinator) answerJoiners(view *membership.View, joiners []*protocol.Member) {
	for _, j := range joiners {
		key := membership.KeyOf(j)
		e, ok := c.waiters[key]
		if !ok {
			continue
		}
		delete(c.waiters, key)
		if !view.Contains(j) {
			continue
		}
		metrics.JoinRequests.WithLabelValues("accepted").Inc()
		c.respond(e, &protocol.JoinResponse{
			Outcome:     protocol.JoinResponse_ACCEPTED,
			Coordinator: c.m.Identity(),
			View:        view.Proto(),
		}, true)
	}
}

// redirectPending hands queued work to the current coordinator after this
// process lost the role.
func (c *coordinator) redirectPending() {
	coord := c.m.Coordinator()
	for key, e := range c.waiters {
		delete(c.waiters, key)
		c.redirect(e, coord)
	}
	if !membership.SameMember(coord, c.m.self) {
		for _, leaver := range c.pending.Leavers {
			c.forwardLeave(coord, leaver)
		}
	}
	c.pending = membership.Changes{}
}

func (c *coordinator) onInstalled() {
	view := c.m.CurrentView()
	c.suspicions.Retain(view)
	for key, m := range c.verifying {
		if !view.Contains(m) {
			delete(c.verifying, key)
		}
	}

	if p := c.inflight; p != nil && p.phase == phaseProposing && view.NewerThan(p.prev) {
		c.logger.Info("Installed view supersedes proposal", zap.Object("view", view.ID()))
		c.abort(p, nil)
		return
	}

	if !c.serving() {
		c.redirectPending()
		return
	}
	if !c.m.IsCoordinator() {
		if len(c.waiters) > 0 || !c.pending.Empty() {
			c.redirectPending()
		}
		return
	}

	c.announce(false)
	c.tryPropose()
}

// announce publishes this process as coordinator to locators that accept it.
// Unforced announcements only go out when the coordinator changed.
func (c *coordinator) announce(force bool) {
	announcer, ok := c.m.Locator.(membership.Announcer)
	if !ok {
		return
	}
	self := c.m.Identity()
	if !force && membership.SameMember(c.announced, self) {
		return
	}
	c.announced = self
	c.m.goSend(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timing.AnnounceTimeout)
		defer cancel()
		if err := announcer.Announce(ctx, self); err != nil {
			c.logger.Warn("Failed to announce coordinator", zap.Error(err))
		}
	})
}
