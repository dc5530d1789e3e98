// Wire codec for the messages in membership.go, written by hand against
// membership.proto. Keep field numbers in sync with the schema.

package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrWireType = errors.New("protocol: unexpected wire type")

type appender interface {
	appendVT(b []byte) []byte
}

// fieldFn consumes the value of a known field and returns the number of bytes
// read. Returning 0 with a nil error marks the field as unknown.
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, ErrWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeMessage[T any, P interface {
	*T
	UnmarshalVT([]byte) error
}](typ protowire.Type, b []byte) (*T, int, error) {
	raw, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	var m T
	if err := P(&m).UnmarshalVT(raw); err != nil {
		return nil, 0, err
	}
	return &m, n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m appender) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendVT(nil))
}

func appendMembers(b []byte, num protowire.Number, ms []*Member) []byte {
	for _, m := range ms {
		if m == nil {
			continue
		}
		b = appendMessage(b, num, m)
	}
	return b
}

func (m *Member) appendVT(b []byte) []byte {
	b = appendString(b, 1, m.Address)
	b = appendVarint(b, 2, uint64(m.StartedAt))
	b = appendVarint(b, 3, uint64(m.Ordinal))
	return b
}

func (m *Member) MarshalVT() ([]byte, error) {
	return m.appendVT(nil), nil
}

func (m *Member) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.Address = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			m.StartedAt = int64(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.Ordinal = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

func (v *ViewID) appendVT(b []byte) []byte {
	b = appendVarint(b, 1, uint64(v.Creator))
	b = appendVarint(b, 2, uint64(v.Sequence))
	return b
}

func (v *ViewID) MarshalVT() ([]byte, error) {
	return v.appendVT(nil), nil
}

func (v *ViewID) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarint(typ, b)
			v.Creator = uint32(x)
			return n, err
		case 2:
			x, n, err := consumeVarint(typ, b)
			v.Sequence = int64(x)
			return n, err
		}
		return 0, nil
	})
}

func (v *View) appendVT(b []byte) []byte {
	if v.Id != nil {
		b = appendMessage(b, 1, v.Id)
	}
	b = appendMembers(b, 2, v.Members)
	b = appendMembers(b, 3, v.Leaving)
	b = appendMembers(b, 4, v.Crashed)
	b = appendVarint(b, 5, uint64(v.NextOrdinal))
	return b
}

func (v *View) MarshalVT() ([]byte, error) {
	return v.appendVT(nil), nil
}

func (v *View) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			id, n, err := consumeMessage[ViewID](typ, b)
			v.Id = id
			return n, err
		case 2, 3, 4:
			m, n, err := consumeMessage[Member](typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				v.Members = append(v.Members, m)
			case 3:
				v.Leaving = append(v.Leaving, m)
			default:
				v.Crashed = append(v.Crashed, m)
			}
			return n, nil
		case 5:
			o, n, err := consumeVarint(typ, b)
			v.NextOrdinal = uint32(o)
			return n, err
		}
		return 0, nil
	})
}

func (r *JoinRequest) appendVT(b []byte) []byte {
	if r.Recipient != nil {
		b = appendMessage(b, 1, r.Recipient)
	}
	if r.Member != nil {
		b = appendMessage(b, 2, r.Member)
	}
	// present-but-empty credentials stay distinguishable from absent ones
	if r.Credentials != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Credentials)
	}
	b = appendVarint(b, 4, uint64(int64(r.FailureDetectionPort)))
	// multicast discovery is not supported; the flag is never set on the wire
	b = appendVarint(b, 6, uint64(int64(r.RequestId)))
	return b
}

func (r *JoinRequest) MarshalVT() ([]byte, error) {
	return r.appendVT(nil), nil
}

func (r *JoinRequest) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m, n, err := consumeMessage[Member](typ, b)
			r.Recipient = m
			return n, err
		case 2:
			m, n, err := consumeMessage[Member](typ, b)
			r.Member = m
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			r.Credentials = append(make([]byte, 0, len(v)), v...)
			return n, nil
		case 4:
			v, n, err := consumeVarint(typ, b)
			r.FailureDetectionPort = int32(v)
			return n, err
		case 5:
			_, n, err := consumeVarint(typ, b)
			return n, err
		case 6:
			v, n, err := consumeVarint(typ, b)
			r.RequestId = int32(v)
			return n, err
		}
		return 0, nil
	})
}

func (r *JoinResponse) appendVT(b []byte) []byte {
	b = appendVarint(b, 1, uint64(r.Outcome))
	b = appendVarint(b, 2, uint64(r.Reason))
	b = appendVarint(b, 3, uint64(int64(r.RequestId)))
	if r.Coordinator != nil {
		b = appendMessage(b, 4, r.Coordinator)
	}
	if r.View != nil {
		b = appendMessage(b, 5, r.View)
	}
	return b
}

func (r *JoinResponse) MarshalVT() ([]byte, error) {
	return r.appendVT(nil), nil
}

func (r *JoinResponse) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			r.Outcome = JoinResponse_Outcome(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			r.Reason = JoinResponse_Reason(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			r.RequestId = int32(v)
			return n, err
		case 4:
			m, n, err := consumeMessage[Member](typ, b)
			r.Coordinator = m
			return n, err
		case 5:
			v, n, err := consumeMessage[View](typ, b)
			r.View = v
			return n, err
		}
		return 0, nil
	})
}

func (p *Prepare) appendVT(b []byte) []byte {
	if p.View != nil {
		b = appendMessage(b, 1, p.View)
	}
	return b
}

func (p *Prepare) MarshalVT() ([]byte, error) {
	return p.appendVT(nil), nil
}

func (p *Prepare) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeMessage[View](typ, b)
			p.View = v
			return n, err
		}
		return 0, nil
	})
}

func (a *PrepareAck) appendVT(b []byte) []byte {
	if a.ViewId != nil {
		b = appendMessage(b, 1, a.ViewId)
	}
	if a.Accepted {
		b = appendVarint(b, 2, 1)
	}
	if a.Installed != nil {
		b = appendMessage(b, 3, a.Installed)
	}
	if a.Promised != nil {
		b = appendMessage(b, 4, a.Promised)
	}
	return b
}

func (a *PrepareAck) MarshalVT() ([]byte, error) {
	return a.appendVT(nil), nil
}

func (a *PrepareAck) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeMessage[ViewID](typ, b)
			a.ViewId = v
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			a.Accepted = v != 0
			return n, err
		case 3:
			v, n, err := consumeMessage[View](typ, b)
			a.Installed = v
			return n, err
		case 4:
			v, n, err := consumeMessage[ViewID](typ, b)
			a.Promised = v
			return n, err
		}
		return 0, nil
	})
}

func (c *Commit) appendVT(b []byte) []byte {
	if c.View != nil {
		b = appendMessage(b, 1, c.View)
	}
	return b
}

func (c *Commit) MarshalVT() ([]byte, error) {
	return c.appendVT(nil), nil
}

func (c *Commit) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeMessage[View](typ, b)
			c.View = v
			return n, err
		}
		return 0, nil
	})
}

func (s *SuspectMembers) appendVT(b []byte) []byte {
	if s.Reporter != nil {
		b = appendMessage(b, 1, s.Reporter)
	}
	b = appendMembers(b, 2, s.Suspects)
	b = appendVarint(b, 3, uint64(s.Timestamp))
	return b
}

func (s *SuspectMembers) MarshalVT() ([]byte, error) {
	return s.appendVT(nil), nil
}

func (s *SuspectMembers) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m, n, err := consumeMessage[Member](typ, b)
			s.Reporter = m
			return n, err
		case 2:
			m, n, err := consumeMessage[Member](typ, b)
			if err != nil {
				return 0, err
			}
			s.Suspects = append(s.Suspects, m)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			s.Timestamp = int64(v)
			return n, err
		}
		return 0, nil
	})
}

func (l *LeaveRequest) appendVT(b []byte) []byte {
	if l.Member != nil {
		b = appendMessage(b, 1, l.Member)
	}
	return b
}

func (l *LeaveRequest) MarshalVT() ([]byte, error) {
	return l.appendVT(nil), nil
}

func (l *LeaveRequest) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			m, n, err := consumeMessage[Member](typ, b)
			l.Member = m
			return n, err
		}
		return 0, nil
	})
}

func (p *Ping) appendVT(b []byte) []byte {
	return appendVarint(b, 1, p.Nonce)
}

func (p *Ping) MarshalVT() ([]byte, error) {
	return p.appendVT(nil), nil
}

func (p *Ping) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			p.Nonce = v
			return n, err
		}
		return 0, nil
	})
}

func (p *PingAck) appendVT(b []byte) []byte {
	return appendVarint(b, 1, p.Nonce)
}

func (p *PingAck) MarshalVT() ([]byte, error) {
	return p.appendVT(nil), nil
}

func (p *PingAck) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			p.Nonce = v
			return n, err
		}
		return 0, nil
	})
}

func (e *Envelope) appendVT(b []byte) []byte {
	b = appendVarint(b, 1, uint64(e.Kind))
	if e.Sender != nil {
		b = appendMessage(b, 2, e.Sender)
	}
	if e.ViewId != nil {
		b = appendMessage(b, 3, e.ViewId)
	}
	payloads := []struct {
		num protowire.Number
		msg appender
		set bool
	}{
		{10, e.JoinRequest, e.JoinRequest != nil},
		{11, e.JoinResponse, e.JoinResponse != nil},
		{12, e.Prepare, e.Prepare != nil},
		{13, e.PrepareAck, e.PrepareAck != nil},
		{14, e.Commit, e.Commit != nil},
		{15, e.SuspectMembers, e.SuspectMembers != nil},
		{16, e.LeaveRequest, e.LeaveRequest != nil},
		{17, e.Ping, e.Ping != nil},
		{18, e.PingAck, e.PingAck != nil},
	}
	for _, p := range payloads {
		if p.set {
			b = appendMessage(b, p.num, p.msg)
		}
	}
	return b
}

func (e *Envelope) MarshalVT() ([]byte, error) {
	return e.appendVT(nil), nil
}

func (e *Envelope) UnmarshalVT(dAtA []byte) error {
	return decodeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			e.Kind = Envelope_Kind(v)
		case 2:
			e.Sender, n, err = consumeMessage[Member](typ, b)
		case 3:
			e.ViewId, n, err = consumeMessage[ViewID](typ, b)
		case 10:
			e.JoinRequest, n, err = consumeMessage[JoinRequest](typ, b)
		case 11:
			e.JoinResponse, n, err = consumeMessage[JoinResponse](typ, b)
		case 12:
			e.Prepare, n, err = consumeMessage[Prepare](typ, b)
		case 13:
			e.PrepareAck, n, err = consumeMessage[PrepareAck](typ, b)
		case 14:
			e.Commit, n, err = consumeMessage[Commit](typ, b)
		case 15:
			e.SuspectMembers, n, err = consumeMessage[SuspectMembers](typ, b)
		case 16:
			e.LeaveRequest, n, err = consumeMessage[LeaveRequest](typ, b)
		case 17:
			e.Ping, n, err = consumeMessage[Ping](typ, b)
		case 18:
			e.PingAck, n, err = consumeMessage[PingAck](typ, b)
		}
		return
	})
}
