package protocol

// VTMarshaler is implemented by every wire message in this package.
type VTMarshaler interface {
	MarshalVT() (dAtA []byte, err error)
	UnmarshalVT(dAtA []byte) error
}

var (
	_ VTMarshaler = (*Member)(nil)
	_ VTMarshaler = (*ViewID)(nil)
	_ VTMarshaler = (*View)(nil)
	_ VTMarshaler = (*JoinRequest)(nil)
	_ VTMarshaler = (*JoinResponse)(nil)
	_ VTMarshaler = (*Prepare)(nil)
	_ VTMarshaler = (*PrepareAck)(nil)
	_ VTMarshaler = (*Commit)(nil)
	_ VTMarshaler = (*SuspectMembers)(nil)
	_ VTMarshaler = (*LeaveRequest)(nil)
	_ VTMarshaler = (*Ping)(nil)
	_ VTMarshaler = (*PingAck)(nil)
	_ VTMarshaler = (*Envelope)(nil)
)
