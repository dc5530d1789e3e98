package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.miragespace.co/conclave/rpc"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/transport"
	"go.miragespace.co/conclave/util"
	"go.miragespace.co/conclave/util/atomic"

	"github.com/quic-go/quic-go"
	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	receiptByte = 0x1

	errorCodeGone    quic.ApplicationErrorCode = 401
	errorCodeStopped quic.ApplicationErrorCode = 410
)

var _ transport.Messenger = (*QUIC)(nil)

func NewQUIC(conf TransportConfig) *QUIC {
	if conf.QueueSize <= 0 {
		conf.QueueSize = 256
	}
	return &QUIC{
		TransportConfig: conf,

		cachedConnections: skipmap.NewString[*peerConnection](),
		cachedMutex:       atomic.NewKeyedRWMutex(),
		incoming:          skipmap.NewString[*quic.Conn](),

		recvChan: make(chan *protocol.Envelope, conf.QueueSize),

		started: uberAtomic.NewBool(false),
		closed:  uberAtomic.NewBool(false),
		stopCh:  make(chan struct{}),
	}
}

func (t *QUIC) Identity() *protocol.Member {
	return t.Endpoint
}

func (t *QUIC) Receive() <-chan *protocol.Envelope {
	return t.recvChan
}

func unreachable(dest *protocol.Member, err error) error {
	return fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, dest.GetAddress(), err)
}

func (t *QUIC) getCachedConnection(ctx context.Context, dest *protocol.Member) (*quic.Conn, error) {
	qKey := dest.GetAddress()
	if qKey == "" {
		return nil, transport.ErrNoAddress
	}

	rUnlock := t.cachedMutex.RLock(qKey)
	if cached, ok := t.cachedConnections.Load(qKey); ok {
		rUnlock()
		return cached.quic, nil
	}
	rUnlock()

	unlock := t.cachedMutex.Lock(qKey)
	defer unlock()

	if cached, ok := t.cachedConnections.Load(qKey); ok {
		return cached.quic, nil
	}

	t.Logger.Debug("Creating new QUIC connection", zap.Object("peer", dest))

	dialCtx, dialCancel := context.WithTimeout(ctx, quicConfig.HandshakeIdleTimeout)
	defer dialCancel()

	q, err := quic.DialAddr(dialCtx, qKey, t.ClientTLS, quicConfig)
	if err != nil {
		return nil, err
	}

	t.cachedConnections.Store(qKey, &peerConnection{address: qKey, quic: q})
	t.handlePeer(q, qKey, directionOutgoing)

	return q, nil
}

// Send delivers env as a single datagram. Delivery is not confirmed.
func (t *QUIC) Send(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}

	buf, err := env.MarshalVT()
	if err != nil {
		return err
	}

	q, err := t.getCachedConnection(ctx, dest)
	if err != nil {
		return unreachable(dest, err)
	}

	if err := q.SendDatagram(buf); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			// large views do not fit a datagram; fall back to a stream without
			// waiting for the receipt
			go t.sendStream(context.WithoutCancel(ctx), q, env, false)
			return nil
		}
		t.reapPeer(q, dest.GetAddress())
		return unreachable(dest, err)
	}

	return nil
}

// SendReliable returns once dest confirmed that env was queued for its
// membership service.
func (t *QUIC) SendReliable(ctx context.Context, dest *protocol.Member, env *protocol.Envelope) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}

	q, err := t.getCachedConnection(ctx, dest)
	if err != nil {
		return unreachable(dest, err)
	}

	if err := t.sendStream(ctx, q, env, true); err != nil {
		t.reapPeer(q, dest.GetAddress())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unreachable(dest, err)
	}
	return nil
}

func (t *QUIC) sendStream(ctx context.Context, q *quic.Conn, env *protocol.Envelope, waitReceipt bool) error {
	stream, err := q.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := rpc.Send(stream, env); err != nil {
		stream.CancelRead(0)
		return err
	}

	if !waitReceipt {
		return nil
	}

	receipt := make([]byte, 1)
	if _, err := io.ReadFull(stream, receipt); err != nil {
		return fmt.Errorf("waiting for receipt: %w", err)
	}
	if receipt[0] != receiptByte {
		return fmt.Errorf("unexpected receipt %x", receipt[0])
	}
	return nil
}

func (t *QUIC) handlePeer(q *quic.Conn, key string, dir direction) {
	l := t.Logger.With(
		zap.String("remote", q.RemoteAddr().String()),
		zap.String("direction", dir.String()),
	)
	l.Debug("Starting goroutines to handle streams and datagrams")
	go t.handleStreams(q, l)
	go t.handleDatagrams(q, l)
	go func() {
		<-q.Context().Done()
		l.Debug("Connection with peer closed", zap.Error(context.Cause(q.Context())))
		if dir == directionOutgoing {
			t.reapPeer(q, key)
		} else {
			t.incoming.Delete(key)
		}
	}()
}

func (t *QUIC) reapPeer(q *quic.Conn, key string) {
	unlock := t.cachedMutex.Lock(key)
	defer unlock()

	cached, ok := t.cachedConnections.Load(key)
	if ok && cached.quic == q {
		t.cachedConnections.Delete(key)
	}
	q.CloseWithError(errorCodeGone, "Gone")
}

func (t *QUIC) deliver(env *protocol.Envelope, wait time.Duration) bool {
	if wait <= 0 {
		select {
		case t.recvChan <- env:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case t.recvChan <- env:
		return true
	case <-t.stopCh:
		return false
	case <-timer.C:
		return false
	}
}

func (t *QUIC) handleDatagrams(q *quic.Conn, logger *zap.Logger) {
	for {
		b, err := q.ReceiveDatagram(q.Context())
		if err != nil {
			return
		}
		env := &protocol.Envelope{}
		if err := env.UnmarshalVT(b); err != nil {
			logger.Error("Error decoding datagram", zap.Error(err))
			continue
		}
		if !t.deliver(env, 0) {
			logger.Warn("Receive buffer full, dropping datagram", zap.Stringer("kind", env.GetKind()))
		}
	}
}

func (t *QUIC) handleStreams(q *quic.Conn, logger *zap.Logger) {
	for {
		stream, err := q.AcceptStream(q.Context())
		if err != nil {
			return
		}
		go t.streamHandler(stream, logger)
	}
}

func (t *QUIC) streamHandler(stream *quic.Stream, logger *zap.Logger) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(quicConfig.HandshakeIdleTimeout))

	env := &protocol.Envelope{}
	if err := rpc.Receive(stream, env); err != nil {
		logger.Error("Failed to receive envelope from stream", zap.Error(err))
		stream.CancelRead(0)
		return
	}

	if !t.deliver(env, quicConfig.HandshakeIdleTimeout) {
		logger.Warn("Receive buffer full, refusing reliable envelope", zap.Stringer("kind", env.GetKind()))
		stream.CancelWrite(0)
		return
	}

	if _, err := stream.Write([]byte{receiptByte}); err != nil {
		logger.Debug("Failed to write receipt", zap.Error(err))
	}
}

// Accept listens on the endpoint address and serves inbound connections
// until ctx is done or Stop is called.
func (t *QUIC) Accept(ctx context.Context) error {
	if t.ServerTLS == nil {
		return fmt.Errorf("missing ServerTLS")
	}
	addr := t.ListenAddr
	if addr == "" {
		addr = t.Endpoint.GetAddress()
	}
	l, err := quic.ListenAddr(addr, t.ServerTLS, quicConfig)
	if err != nil {
		return err
	}
	return t.AcceptWithListener(ctx, l)
}

func (t *QUIC) AcceptWithListener(ctx context.Context, listener *quic.Listener) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already accepting")
	}
	t.Logger.Info("Accepting connections", zap.String("listen", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.stopCh:
		}
		return listener.Close()
	})
	g.Go(func() error {
		for {
			q, err := listener.Accept(gctx)
			if err != nil {
				if t.closed.Load() || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			key := q.RemoteAddr().String()
			t.incoming.Store(key, q)
			t.handlePeer(q, key, directionIncoming)
		}
	})
	g.Go(func() error {
		t.reaper(gctx)
		return nil
	})
	return g.Wait()
}

// reaper drops cached outbound connections whose handshake context is done
// but were not yet cleaned up.
func (t *QUIC) reaper(ctx context.Context) {
	timer := time.NewTimer(util.Jitter(quicConfig.MaxIdleTimeout))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-timer.C:
			stale := make([]*peerConnection, 0)
			t.cachedConnections.Range(func(key string, value *peerConnection) bool {
				if value.quic.Context().Err() != nil {
					stale = append(stale, value)
				}
				return true
			})
			for _, c := range stale {
				t.reapPeer(c.quic, c.address)
			}
			timer.Reset(util.Jitter(quicConfig.MaxIdleTimeout))
		}
	}
}

func (t *QUIC) Stop() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	t.cachedConnections.Range(func(key string, value *peerConnection) bool {
		value.quic.CloseWithError(errorCodeStopped, "Transport closed")
		return true
	})
	t.incoming.Range(func(key string, q *quic.Conn) bool {
		q.CloseWithError(errorCodeStopped, "Transport closed")
		return true
	})
}
