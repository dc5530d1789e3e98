package overlay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/spec/transport"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func getFreeAddr(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func ping(nonce uint64, from *protocol.Member) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:   protocol.Envelope_PING,
		Sender: from,
		Ping:   &protocol.Ping{Nonce: nonce},
	}
}

func TestLoopbackDelivery(t *testing.T) {
	as := require.New(t)

	network := NewNetwork()
	a := network.Endpoint(&protocol.Member{Address: "a", StartedAt: 1}, 8)
	b := network.Endpoint(&protocol.Member{Address: "b", StartedAt: 1}, 8)
	defer a.Stop()
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	env := ping(1, a.Identity())
	as.NoError(a.SendReliable(ctx, b.Identity(), env))
	got := <-b.Receive()
	as.Equal(uint64(1), got.GetPing().GetNonce())

	// delivered copies never alias the sender's message
	env.Ping.Nonce = 2
	as.Equal(uint64(1), got.GetPing().GetNonce())

	as.NoError(a.Send(ctx, b.Identity(), ping(3, a.Identity())))
	got = <-b.Receive()
	as.Equal(uint64(3), got.GetPing().GetNonce())
}

func TestLoopbackFaults(t *testing.T) {
	as := require.New(t)

	network := NewNetwork()
	a := network.Endpoint(&protocol.Member{Address: "a", StartedAt: 1}, 1)
	b := network.Endpoint(&protocol.Member{Address: "b", StartedAt: 1}, 1)
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	network.Cut("a", "b")
	as.ErrorIs(a.SendReliable(ctx, b.Identity(), ping(1, nil)), transport.ErrUnreachable)
	as.ErrorIs(b.Send(ctx, a.Identity(), ping(1, nil)), transport.ErrUnreachable)
	network.Heal("a", "b")

	// a blocked direction leaves the reverse direction open
	network.Block("b", "a")
	as.ErrorIs(b.Send(ctx, a.Identity(), ping(1, nil)), transport.ErrUnreachable)
	as.NoError(a.SendReliable(ctx, b.Identity(), ping(1, nil)))
	network.Heal("a", "b")

	// queue is full: unreliable drops, reliable waits for the deadline
	as.NoError(a.Send(ctx, b.Identity(), ping(2, nil)))
	short, shortCancel := context.WithTimeout(ctx, time.Millisecond*50)
	defer shortCancel()
	as.ErrorIs(a.SendReliable(short, b.Identity(), ping(3, nil)), context.DeadlineExceeded)

	network.Crash("b")
	as.ErrorIs(a.SendReliable(ctx, b.Identity(), ping(4, nil)), transport.ErrUnreachable)

	b.Stop()
	as.ErrorIs(b.Send(ctx, a.Identity(), ping(5, nil)), transport.ErrClosed)
	as.ErrorIs(a.Send(ctx, &protocol.Member{Address: "nowhere"}, ping(6, nil)), transport.ErrUnreachable)
}

func TestQUICMessenger(t *testing.T) {
	as := require.New(t)

	logger, err := zap.NewDevelopment()
	as.NoError(err)

	serverTLS, clientTLS, err := SelfSignedTLS("localhost")
	as.NoError(err)

	mk := func() *QUIC {
		return NewQUIC(TransportConfig{
			Logger:    logger,
			Endpoint:  &protocol.Member{Address: getFreeAddr(t), StartedAt: time.Now().UnixNano()},
			ServerTLS: serverTLS,
			ClientTLS: clientTLS,
		})
	}
	t1, t2 := mk(), mk()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, tr := range []*QUIC{t1, t2} {
		wg.Add(1)
		go func(tr *QUIC) {
			defer wg.Done()
			tr.Accept(ctx)
		}(tr)
	}
	defer func() {
		t1.Stop()
		t2.Stop()
		cancel()
		wg.Wait()
	}()

	sendCtx, sendCancel := context.WithTimeout(ctx, time.Second*5)
	defer sendCancel()

	// the listener may not be up yet
	as.Eventually(func() bool {
		return t1.SendReliable(sendCtx, t2.Identity(), ping(1, t1.Identity())) == nil
	}, time.Second*3, time.Millisecond*50)

	got := <-t2.Receive()
	as.Equal(protocol.Envelope_PING, got.GetKind())
	as.Equal(t1.Identity().GetAddress(), got.GetSender().GetAddress())

	as.NoError(t2.SendReliable(sendCtx, t1.Identity(), ping(2, t2.Identity())))
	got = <-t1.Receive()
	as.Equal(uint64(2), got.GetPing().GetNonce())

	// datagrams may be lost; retry until one lands
	as.Eventually(func() bool {
		if err := t1.Send(sendCtx, t2.Identity(), ping(3, t1.Identity())); err != nil {
			return false
		}
		select {
		case got := <-t2.Receive():
			return got.GetPing().GetNonce() == 3
		case <-time.After(time.Millisecond * 100):
			return false
		}
	}, time.Second*3, time.Millisecond*10)
}

func TestQUICUnreachable(t *testing.T) {
	as := require.New(t)

	logger, err := zap.NewDevelopment()
	as.NoError(err)

	_, clientTLS, err := SelfSignedTLS("localhost")
	as.NoError(err)

	tr := NewQUIC(TransportConfig{
		Logger:    logger,
		Endpoint:  &protocol.Member{Address: getFreeAddr(t), StartedAt: 1},
		ClientTLS: clientTLS,
	})
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err = tr.SendReliable(ctx, &protocol.Member{Address: getFreeAddr(t), StartedAt: 1}, ping(1, nil))
	as.ErrorIs(err, transport.ErrUnreachable)

	tr.Stop()
	as.ErrorIs(tr.Send(ctx, &protocol.Member{Address: "127.0.0.1:1"}, ping(1, nil)), transport.ErrClosed)
}
