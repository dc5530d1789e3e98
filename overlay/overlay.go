package overlay

import (
	"crypto/tls"
	"time"

	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/util/atomic"

	"github.com/quic-go/quic-go"
	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

const ALPN = "conclave/1"

var quicConfig = &quic.Config{
	KeepAlivePeriod:      time.Second * 5,
	HandshakeIdleTimeout: time.Second * 3,
	MaxIdleTimeout:       time.Second * 15,
	EnableDatagrams:      true,
}

type peerConnection struct {
	address string
	quic    *quic.Conn
}

type TransportConfig struct {
	Logger    *zap.Logger
	Endpoint  *protocol.Member
	ServerTLS *tls.Config
	ClientTLS *tls.Config
	// ListenAddr defaults to the Endpoint address
	ListenAddr string
	// Inbound envelopes buffered before new ones are dropped
	QueueSize int
}

// QUIC is a Messenger over quic-go. Reliable sends use one stream per
// envelope and wait for a receipt byte; unreliable sends use datagrams.
type QUIC struct {
	cachedConnections *skipmap.StringMap[*peerConnection]
	cachedMutex       *atomic.KeyedRWMutex
	incoming          *skipmap.StringMap[*quic.Conn]

	recvChan chan *protocol.Envelope

	started *uberAtomic.Bool
	closed  *uberAtomic.Bool
	stopCh  chan struct{}

	TransportConfig
}
