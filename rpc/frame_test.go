package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFrameOverPipe(t *testing.T) {
	as := require.New(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	sent := &protocol.Envelope{
		Kind:   protocol.Envelope_PREPARE,
		Sender: &protocol.Member{Address: "127.0.0.1:7800", StartedAt: 1},
		Prepare: &protocol.Prepare{
			View: &protocol.View{
				Id:      &protocol.ViewID{Creator: 1, Sequence: 2},
				Members: []*protocol.Member{{Address: "127.0.0.1:7800", StartedAt: 1, Ordinal: 1}},
			},
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- Send(c1, sent)
	}()

	got := &protocol.Envelope{}
	as.NoError(Receive(c2, got))
	as.NoError(<-errCh)

	as.Equal(protocol.Envelope_PREPARE, got.GetKind())
	as.Equal(int64(2), got.GetPrepare().GetView().GetId().GetSequence())
}

func TestFrameBackToBack(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		as.NoError(Send(&buf, &protocol.Envelope{Kind: protocol.Envelope_PING, Ping: &protocol.Ping{Nonce: i}}))
	}
	for i := uint64(1); i <= 3; i++ {
		got := &protocol.Envelope{}
		as.NoError(Receive(&buf, got))
		as.Equal(i, got.GetPing().GetNonce())
	}

	as.ErrorIs(Receive(&buf, &protocol.Envelope{}), io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	as.ErrorIs(Receive(&buf, &protocol.Envelope{}), ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	as.NoError(Send(&buf, &protocol.Envelope{Kind: protocol.Envelope_PING, Ping: &protocol.Ping{Nonce: 7}}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	as.ErrorIs(Receive(truncated, &protocol.Envelope{}), io.ErrUnexpectedEOF)
}
