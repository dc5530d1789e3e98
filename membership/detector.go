package membership

import (
	"context"
	"time"

	"go.miragespace.co/conclave/metrics"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/rtt"
	"go.miragespace.co/conclave/util"
	"go.miragespace.co/conclave/util/promise"

	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// probeTarget is an immutable snapshot of what the detector knows about one
// monitored member. Updates store a fresh copy.
type probeTarget struct {
	member       *protocol.Member
	misses       int
	suspected    bool
	suspectedAt  time.Time
	lastReported time.Time
	lastAck      time.Time
	lastRTT      time.Duration
}

// detector probes the members following this process in view order and
// reports the ones that stop answering. It never removes members itself.
type detector struct {
	m       *Manager
	logger  *zap.Logger
	targets *skipmap.StringMap[*probeTarget]
	waiters *skipmap.Uint64Map[chan struct{}]
	nonce   *uberAtomic.Uint64
}

func newDetector(m *Manager) *detector {
	return &detector{
		m:       m,
		logger:  m.logger.With(zap.String("task", "detector")),
		targets: skipmap.NewString[*probeTarget](),
		waiters: skipmap.NewUint64[chan struct{}](),
		nonce:   uberAtomic.NewUint64(0),
	}
}

func (d *detector) run() {
	defer d.m.stopWg.Done()

	timer := time.NewTimer(util.Jitter(d.m.ProbeInterval))
	defer timer.Stop()

	for {
		select {
		case <-d.m.stopCh:
			d.logger.Debug("Stopping failure detector task")
			return
		case <-timer.C:
			d.round()
			timer.Reset(util.Jitter(d.m.ProbeInterval))
		}
	}
}

// round probes every monitored member once, concurrently.
func (d *detector) round() {
	switch d.m.state.Get() {
	case membership.Stable, membership.CoordinatorTransition, membership.Leaving:
	default:
		return
	}

	view := d.m.CurrentView()
	monitored := membership.Successors(view, d.m.self, d.m.MonitoredSuccessors)

	keep := make(map[string]bool, len(monitored))
	for _, member := range monitored {
		keep[membership.KeyOf(member).String()] = true
	}
	d.targets.Range(func(key string, t *probeTarget) bool {
		if !keep[key] {
			d.targets.Delete(key)
			if d.m.RTTRecorder != nil && !view.Contains(t.member) {
				d.m.RTTRecorder.Drop(rtt.MakeMeasurementKey(t.member))
			}
		}
		return true
	})
	if len(monitored) == 0 {
		return
	}

	jobs := make([]func(context.Context) (time.Duration, error), len(monitored))
	for i, member := range monitored {
		jobs[i] = func(ctx context.Context) (time.Duration, error) {
			return d.probe(ctx, member)
		}
	}

	ctx, cancel := context.WithTimeout(d.m.ctx, d.m.ProbeTimeout)
	results := promise.Settle(ctx, jobs...)
	cancel()

	now := time.Now()
	report := make([]*protocol.Member, 0)
	for i, member := range monitored {
		key := membership.KeyOf(member).String()
		t := &probeTarget{}
		if prev, ok := d.targets.Load(key); ok {
			*t = *prev
		}
		t.member = member

		if results[i].Err == nil {
			metrics.Probes.WithLabelValues("ok").Inc()
			if t.suspected {
				d.logger.Info("Suspected member answered probe", zap.Object("member", member))
			}
			t.misses = 0
			t.suspected = false
			t.lastAck = now
			t.lastRTT = results[i].Value
		} else {
			metrics.Probes.WithLabelValues("missed").Inc()
			t.misses++
			if !t.suspected && t.misses >= d.m.MissThreshold {
				d.logger.Warn("Suspecting member", zap.Object("member", member), zap.Int("misses", t.misses))
				t.suspected = true
				t.suspectedAt = now
			}
			if t.suspected && now.Sub(t.lastReported) >= d.m.SuspicionWindow/2 {
				t.lastReported = now
				report = append(report, member)
			}
		}
		d.targets.Store(key, t)
	}

	if len(report) > 0 {
		d.report(report)
	}
}

// probe pings member and waits for the matching ack.
func (d *detector) probe(ctx context.Context, member *protocol.Member) (time.Duration, error) {
	nonce := d.nonce.Inc()
	ch := make(chan struct{})
	d.waiters.Store(nonce, ch)
	defer d.waiters.Delete(nonce)

	env := d.m.envelope(protocol.Envelope_PING)
	env.Ping = &protocol.Ping{Nonce: nonce}

	start := time.Now()
	if err := d.m.Messenger.Send(ctx, member, env); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		elapsed := time.Since(start)
		if d.m.RTTRecorder != nil {
			d.m.RTTRecorder.Record(rtt.MakeMeasurementKey(member), elapsed)
		}
		return elapsed, nil
	case <-ctx.Done():
		return 0, membership.ErrTimeout
	}
}

func (d *detector) handleAck(nonce uint64) {
	if ch, ok := d.waiters.LoadAndDelete(nonce); ok {
		close(ch)
	}
}

// verify probes member directly, allowing one retry within the verification
// timeout.
func (d *detector) verify(ctx context.Context, member *protocol.Member) bool {
	ctx, cancel := context.WithTimeout(ctx, d.m.VerificationTimeout)
	defer cancel()

	for attempt := 0; attempt < 2; attempt++ {
		pctx, pcancel := context.WithTimeout(ctx, d.m.VerificationTimeout/2)
		_, err := d.probe(pctx, member)
		pcancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			break
		}
	}
	return false
}

// report sends suspects to the coordinator derived without them. An
// unreachable recipient is itself added to the suspects and the report is
// routed again.
func (d *detector) report(suspects []*protocol.Member) {
	view := d.m.CurrentView()
	excluded := d.m.exclusions()
	for _, s := range suspects {
		excluded.Add(s)
	}
	reported := append([]*protocol.Member(nil), suspects...)

	for {
		dest := membership.Coordinator(view, excluded)
		if dest == nil {
			d.logger.Warn("No coordinator left to report suspicion to", zap.Array("suspects", protocol.Members(reported)))
			return
		}

		report := &protocol.SuspectMembers{
			Reporter:  d.m.Identity(),
			Suspects:  reported,
			Timestamp: time.Now().UnixNano(),
		}
		metrics.Suspicions.WithLabelValues("sent").Inc()

		if membership.SameMember(dest, d.m.self) {
			d.m.coordinator.submit(&suspectEvent{report: report, viewSeq: d.m.CurrentView().Sequence()})
			return
		}

		env := d.m.envelope(protocol.Envelope_SUSPECT_MEMBERS)
		env.SuspectMembers = report

		ctx, cancel := context.WithTimeout(d.m.ctx, d.m.MessageTimeout)
		err := d.m.Messenger.SendReliable(ctx, dest, env)
		cancel()
		if err == nil {
			d.logger.Debug("Reported suspects", zap.Object("coordinator", dest), zap.Array("suspects", protocol.Members(reported)))
			return
		}
		if d.m.ctx.Err() != nil {
			return
		}

		d.logger.Warn("Coordinator unreachable while reporting suspicion", zap.Object("coordinator", dest), zap.Error(err))
		excluded.Add(dest)
		reported = append(reported, dest)
	}
}

type probeSummary struct {
	member    *protocol.Member
	misses    int
	suspected bool
	lastAck   time.Time
	lastRTT   time.Duration
}

func (d *detector) snapshot() []probeSummary {
	out := make([]probeSummary, 0)
	d.targets.Range(func(_ string, t *probeTarget) bool {
		out = append(out, probeSummary{
			member:    t.member,
			misses:    t.misses,
			suspected: t.suspected,
			lastAck:   t.lastAck,
			lastRTT:   t.lastRTT,
		})
		return true
	})
	return out
}
