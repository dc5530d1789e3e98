package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.miragespace.co/conclave/spec/protocol"

	pool "github.com/libp2p/go-buffer-pool"
)

const (
	lengthSize = 4
	// MaxFrameSize bounds a single envelope. Views of a few thousand members fit
	// comfortably.
	MaxFrameSize = 4 << 20
)

var ErrFrameTooLarge = fmt.Errorf("rpc: frame exceeds %d bytes", MaxFrameSize)

// Receive reads one length-prefixed message from stream into rr.
func Receive(stream io.Reader, rr protocol.VTMarshaler) error {
	sb := pool.Get(lengthSize)
	defer pool.Put(sb)

	if _, err := io.ReadFull(stream, sb); err != nil {
		return fmt.Errorf("reading frame size: %w", err)
	}

	ms := binary.BigEndian.Uint32(sb)
	if ms > MaxFrameSize {
		return ErrFrameTooLarge
	}

	mb := pool.Get(int(ms))
	defer pool.Put(mb)

	n, err := io.ReadFull(stream, mb)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	if uint32(n) != ms {
		return fmt.Errorf("expected %d bytes to be read but %d bytes was read", ms, n)
	}

	return rr.UnmarshalVT(mb)
}

// Send writes rr to stream as a single length-prefixed frame.
func Send(stream io.Writer, rr protocol.VTMarshaler) error {
	buf, err := rr.MarshalVT()
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}

	l := len(buf)
	if l > MaxFrameSize {
		return ErrFrameTooLarge
	}

	mb := pool.Get(lengthSize + l)
	defer pool.Put(mb)

	binary.BigEndian.PutUint32(mb[0:lengthSize], uint32(l))
	copy(mb[lengthSize:], buf)

	n, err := stream.Write(mb)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if n != lengthSize+l {
		return fmt.Errorf("expected %d bytes sent but %d bytes was sent", lengthSize+l, n)
	}

	return nil
}
