package membership

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.miragespace.co/conclave/metrics"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/rtt"
	"go.miragespace.co/conclave/util/ratecounter"

	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Manager runs the membership protocol for one process: it joins or creates
// a cluster, serves as coordinator when it holds the lowest identity, probes
// its successors and installs every committed view.
type Manager struct {
	ManagerConfig
	logger *zap.Logger
	self   *protocol.Member

	state     *nodeState
	view      atomic.Pointer[membership.View]
	installMu sync.Mutex

	// highest proposal acknowledged to any coordinator, including our own
	promiseMu sync.Mutex
	promised  *protocol.ViewID

	// earliest view sequence each member can have been admitted in
	admissions *skipmap.StringMap[int64]

	exclusionMu sync.RWMutex
	excluded    membership.MemberSet

	detector    *detector
	coordinator *coordinator

	joinResponses chan *protocol.JoinResponse
	admitted      chan struct{}
	admittedOnce  sync.Once
	gone          chan struct{}
	goneOnce      sync.Once

	notifyCh  chan membership.ViewEvent
	inbound   *ratecounter.Rate
	requestID *uberAtomic.Int32

	ctx     context.Context
	cancel  context.CancelFunc
	started *uberAtomic.Bool
	stopped *uberAtomic.Bool
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	sendMu  sync.RWMutex
	sendWg  sync.WaitGroup
}

var _ membership.Membership = (*Manager)(nil)

func NewManager(conf ManagerConfig) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	self := conf.Messenger.Identity()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ManagerConfig: conf,
		logger:        conf.Logger.With(zap.String("component", "membership"), zap.Object("self", self)),
		self:          &protocol.Member{Address: self.GetAddress(), StartedAt: self.GetStartedAt()},
		state:         newNodeState(membership.Inactive),
		excluded:      membership.NewMemberSet(),
		admissions:    skipmap.NewString[int64](),
		joinResponses: make(chan *protocol.JoinResponse, 8),
		admitted:      make(chan struct{}),
		gone:          make(chan struct{}),
		notifyCh:      make(chan membership.ViewEvent, 64),
		inbound:       ratecounter.New(time.Second, time.Second*10),
		requestID:     uberAtomic.NewInt32(0),
		ctx:           ctx,
		cancel:        cancel,
		started:       uberAtomic.NewBool(false),
		stopped:       uberAtomic.NewBool(false),
		stopCh:        make(chan struct{}),
	}

	m.detector = newDetector(m)
	coord, err := newCoordinator(m)
	if err != nil {
		cancel()
		return nil, err
	}
	m.coordinator = coord

	return m, nil
}

// Identity returns this process's member id, with its ordinal once admitted.
func (m *Manager) Identity() *protocol.Member {
	if stored, ok := m.view.Load().Lookup(m.self); ok {
		return stored
	}
	return m.self.Clone()
}

func (m *Manager) CurrentView() *membership.View {
	return m.view.Load()
}

func (m *Manager) State() membership.State {
	return m.state.Get()
}

func (m *Manager) StateHistory() []membership.State {
	return m.state.History()
}

// Coordinator derives the coordinator of the installed view, skipping members
// this process has confirmed failed.
func (m *Manager) Coordinator() *protocol.Member {
	return membership.Coordinator(m.view.Load(), m.exclusions())
}

func (m *Manager) IsCoordinator() bool {
	return membership.SameMember(m.Coordinator(), m.self)
}

// RTT returns probe round trip statistics for a monitored member.
func (m *Manager) RTT(member *protocol.Member, past time.Duration) *rtt.Statistics {
	if m.RTTRecorder == nil {
		return nil
	}
	return m.RTTRecorder.Snapshot(rtt.MakeMeasurementKey(member), past)
}

// Create bootstraps a new cluster whose only member is this process.
func (m *Manager) Create() error {
	if _, ok := m.state.Transition(membership.Inactive, membership.Joining); !ok {
		return fmt.Errorf("%w: cannot create a cluster while %s", membership.ErrInvalidState, m.state.Get())
	}

	m.logger.Info("Creating new cluster")

	v, err := membership.InitialView(m.self)
	if err != nil {
		return err
	}

	m.startTasks()

	if !m.install(v) {
		return fmt.Errorf("%w: initial view was not installed", membership.ErrInvalidState)
	}
	return nil
}

func (m *Manager) startTasks() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.stopWg.Add(4)
	go m.dispatchLoop()
	go m.notifyListeners()
	go m.coordinator.run()
	go m.detector.run()
}

// Stop halts every background task. It does not send a leave request; call
// Leave first for a graceful departure.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}

	m.logger.Info("Stopping membership manager", zap.Stringer("state", m.state.Get()))

	close(m.stopCh)
	m.cancel()
	m.stopWg.Wait()

	m.sendMu.Lock()
	m.sendWg.Wait()
	m.sendMu.Unlock()

	m.coordinator.close()
}

// install replaces the installed view with next if next is strictly newer.
// Listeners are notified in install order.
func (m *Manager) install(next *membership.View) bool {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	switch m.state.Get() {
	case membership.Inactive, membership.Gone:
		return false
	}

	prev := m.view.Load()
	if !next.NewerThan(prev) {
		m.logger.Debug("Ignoring view that is not newer than the installed view",
			zap.Stringer("installed", prev.ID()),
			zap.Stringer("received", next.ID()),
		)
		return false
	}
	if prev == nil && !next.Contains(m.self) {
		return false
	}

	m.view.Store(next)
	m.pruneExclusions(next)
	m.trackAdmissions(prev, next)

	metrics.ViewsInstalled.Inc()
	metrics.ViewSequence.Set(float64(next.Sequence()))
	metrics.ViewMembers.Set(float64(next.Size()))

	ev := membership.NewViewEvent(prev, next)
	m.logger.Info("Installed view",
		zap.Stringer("view", next.ID()),
		zap.Int("members", next.Size()),
		zap.Uint64("fingerprint", next.Fingerprint()),
		zap.Array("added", protocol.Members(ev.Added)),
		zap.Array("removed", protocol.Members(ev.Removed)),
	)

	if next.Contains(m.self) {
		if _, ok := m.state.Transition(membership.Joining, membership.Stable); ok {
			m.admittedOnce.Do(func() { close(m.admitted) })
		} else {
			m.state.Transition(membership.CoordinatorTransition, membership.Stable)
		}
	} else {
		m.logger.Info("Removed from the view")
		m.markGone()
	}

	select {
	case m.notifyCh <- ev:
	case <-m.stopCh:
	}

	m.coordinator.kick()

	return true
}

// trackAdmissions records, for members new in next, the lowest sequence the
// admitting view can have had. Members of the first installed view were
// admitted before this process arrived and are recorded as 0.
func (m *Manager) trackAdmissions(prev, next *membership.View) {
	for _, member := range next.Members() {
		key := membership.KeyOf(member).String()
		switch {
		case prev == nil:
			m.admissions.Store(key, 0)
		case !prev.Contains(member):
			m.admissions.Store(key, prev.Sequence()+1)
		}
	}
	for _, member := range prev.Members() {
		if !next.Contains(member) {
			m.admissions.Delete(membership.KeyOf(member).String())
		}
	}
}

// admittedIn returns the lowest sequence of a view that can contain member.
func (m *Manager) admittedIn(member *protocol.Member) int64 {
	seq, _ := m.admissions.Load(membership.KeyOf(member).String())
	return seq
}

func (m *Manager) markGone() {
	m.state.Set(membership.Gone)
	m.goneOnce.Do(func() { close(m.gone) })
}

func (m *Manager) notifyListeners() {
	defer m.stopWg.Done()

	for {
		select {
		case <-m.stopCh:
			m.logger.Debug("Stopping view notifier")
			return
		case ev := <-m.notifyCh:
			for _, l := range m.Listeners {
				l.OnViewInstalled(ev)
			}
		}
	}
}

func (m *Manager) exclusions() membership.MemberSet {
	m.exclusionMu.RLock()
	defer m.exclusionMu.RUnlock()
	s := make(membership.MemberSet, len(m.excluded))
	for k, v := range m.excluded {
		s[k] = v
	}
	return s
}

func (m *Manager) exclude(members ...*protocol.Member) {
	m.exclusionMu.Lock()
	defer m.exclusionMu.Unlock()
	for _, member := range members {
		m.excluded.Add(member)
	}
}

func (m *Manager) isExcluded(member *protocol.Member) bool {
	m.exclusionMu.RLock()
	defer m.exclusionMu.RUnlock()
	return m.excluded.Has(member)
}

func (m *Manager) pruneExclusions(v *membership.View) {
	m.exclusionMu.Lock()
	defer m.exclusionMu.Unlock()
	for k, member := range m.excluded {
		if !v.Contains(member) {
			delete(m.excluded, k)
		}
	}
}

func (m *Manager) envelope(kind protocol.Envelope_Kind) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:   kind,
		Sender: m.Identity(),
		ViewId: m.view.Load().ID(),
	}
}

// goSend runs fn on its own goroutine with a MessageTimeout deadline, so
// callers never block on the network. It is a no-op once stopped.
func (m *Manager) goSend(fn func(ctx context.Context)) {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.stopped.Load() {
		return
	}
	m.sendWg.Add(1)
	go func() {
		defer m.sendWg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.MessageTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (m *Manager) sendReliableAsync(dest *protocol.Member, env *protocol.Envelope) {
	m.goSend(func(ctx context.Context) {
		if err := m.Messenger.SendReliable(ctx, dest, env); err != nil {
			m.logger.Debug("Failed to deliver envelope",
				zap.Stringer("kind", env.GetKind()),
				zap.Object("peer", dest),
				zap.Error(err),
			)
		}
	})
}
