package protocol

import "go.uber.org/zap/zapcore"

var (
	_ zapcore.ObjectMarshaler = (*Member)(nil)
	_ zapcore.ObjectMarshaler = (*ViewID)(nil)
	_ zapcore.ObjectMarshaler = (*JoinRequest)(nil)
)

func (m *Member) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if m.GetAddress() != "" {
		enc.AddString("address", m.GetAddress())
	}
	enc.AddInt64("startedAt", m.GetStartedAt())
	if m.GetOrdinal() != 0 {
		enc.AddUint32("ordinal", m.GetOrdinal())
	}
	return nil
}

func (v *ViewID) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("sequence", v.GetSequence())
	enc.AddUint32("creator", v.GetCreator())
	return nil
}

func (r *JoinRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := enc.AddObject("member", r.GetMember()); err != nil {
		return err
	}
	enc.AddBool("credentials", r.GetCredentials() != nil)
	enc.AddInt32("failureDetectionPort", r.GetFailureDetectionPort())
	enc.AddInt32("requestId", r.GetRequestId())
	return nil
}

// Members renders a member list for zap.Array.
type Members []*Member

func (ms Members) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, m := range ms {
		if err := enc.AppendObject(m); err != nil {
			return err
		}
	}
	return nil
}
