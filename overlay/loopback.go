package overlay

import (
	"context"
	"sync"
	"time"

	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/transport"

	uberAtomic "go.uber.org/atomic"
)

type link struct {
	from, to string
}

// Network connects in-process Loopback messengers. It can crash endpoints
// and cut individual links to simulate an unreliable network.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Loopback
	crashed   map[string]bool
	cut       map[link]bool
	// Latency delays every delivery when non-zero
	Latency time.Duration
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Loopback),
		crashed:   make(map[string]bool),
		cut:       make(map[link]bool),
	}
}

// Endpoint registers a messenger for self, replacing any previous endpoint at
// the same address.
func (n *Network) Endpoint(self *protocol.Member, queueSize int) *Loopback {
	if queueSize <= 0 {
		queueSize = 256
	}
	l := &Loopback{
		network: n,
		self:    self,
		recv:    make(chan *protocol.Envelope, queueSize),
		stopCh:  make(chan struct{}),
		closed:  uberAtomic.NewBool(false),
	}
	n.mu.Lock()
	n.endpoints[self.GetAddress()] = l
	delete(n.crashed, self.GetAddress())
	n.mu.Unlock()
	return l
}

// Crash makes the endpoint at addr silently unreachable, both ways.
func (n *Network) Crash(addr string) {
	n.mu.Lock()
	n.crashed[addr] = true
	n.mu.Unlock()
}

// Cut drops traffic between a and b in both directions.
func (n *Network) Cut(a, b string) {
	n.mu.Lock()
	n.cut[link{a, b}] = true
	n.cut[link{b, a}] = true
	n.mu.Unlock()
}

// Block drops traffic from one endpoint to another, leaving the reverse
// direction intact.
func (n *Network) Block(from, to string) {
	n.mu.Lock()
	n.cut[link{from, to}] = true
	n.mu.Unlock()
}

func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	delete(n.cut, link{a, b})
	delete(n.cut, link{b, a})
	n.mu.Unlock()
}

func (n *Network) route(from, to string) (*Loopback, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.crashed[from] || n.crashed[to] || n.cut[link{from, to}] {
		return nil, false
	}
	dst, ok := n.endpoints[to]
	if !ok || dst.closed.Load() {
		return nil, false
	}
	return dst, true
}

func (n *Network) remove(l *Loopback) {
	n.mu.Lock()
	if n.endpoints[l.self.GetAddress()] == l {
		delete(n.endpoints, l.self.GetAddress())
	}
	n.mu.Unlock()
}

// Loopback is a Messenger attached to a Network. Envelopes are round-tripped
// through the wire codec so peers never share message memory.
type Loopback struct {
	network *Network
	self    *protocol.Member
	recv    chan *protocol.Envelope
	stopCh  chan struct{}
	closed  *uberAtomic.Bool
}

var _ transport.Messenger = (*Loopback)(nil)

func (l *Loopback) Identity() *protocol.Member {
	return l.self
}

func (l *Loopback) Receive() <-chan *protocol.Envelope {
	return l.recv
}

func (l *Loopback) prepare(dest *protocol.Member, env *protocol.Envelope) (*Loopback, *protocol.Envelope, error) {
	if l.closed.Load() {
		return nil, nil, transport.ErrClosed
	}
	if dest.GetAddress() == "" {
		return nil, nil, transport.ErrNoAddress
	}
	dst, ok := l.network.route(l.self.GetAddress(), dest.GetAddress())
	if !ok {
		return nil, nil, unreachable(dest, transport.ErrClosed)
	}
	buf, err := env.MarshalVT()
	if err != nil {
		return nil, nil, err
	}
	copied := &protocol.Envelope{}
	if err := copied.UnmarshalVT(buf); err != nil {
		return nil, nil, err
	}
	return dst, copied, nil
}

func (l *Loopback) delay(ctx context.Context) error {
	if l.network.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(l.network.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Loopback) Send(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	dst, copied, err := l.prepare(dest, env)
	if err != nil {
		return err
	}
	if err := l.delay(ctx); err != nil {
		return err
	}
	select {
	case dst.recv <- copied:
	case <-dst.stopCh:
	default:
	}
	return nil
}

func (l *Loopback) SendReliable(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	dst, copied, err := l.prepare(dest, env)
	if err != nil {
		return err
	}
	if err := l.delay(ctx); err != nil {
		return err
	}
	select {
	case dst.recv <- copied:
		return nil
	case <-dst.stopCh:
		return unreachable(dest, transport.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Stop() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.stopCh)
	l.network.remove(l)
}
