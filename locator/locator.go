package locator

import (
	"errors"

	"go.miragespace.co/conclave/spec/protocol"
)

var ErrNotFound = errors.New("locator: no coordinator has been announced")

func encodeMember(m *protocol.Member) ([]byte, error) {
	return m.MarshalVT()
}

func decodeMember(b []byte) (*protocol.Member, error) {
	m := &protocol.Member{}
	if err := m.UnmarshalVT(b); err != nil {
		return nil, err
	}
	if m.GetAddress() == "" {
		return nil, errors.New("locator: stored coordinator has no address")
	}
	return m, nil
}
