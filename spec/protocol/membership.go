// Message types for membership.proto. They are maintained by hand alongside
// codec.go; membership.proto is the authoritative schema and field numbers
// must follow it.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Member identifies a process for the lifetime of the cluster. Two members are
// the same process iff address and start timestamp are equal; the ordinal is
// assigned by the coordinator on admission.
type Member struct {
	Address   string
	StartedAt int64
	Ordinal   uint32
}

func (m *Member) GetAddress() string {
	if m == nil {
		return ""
	}
	return m.Address
}

func (m *Member) GetStartedAt() int64 {
	if m == nil {
		return 0
	}
	return m.StartedAt
}

func (m *Member) GetOrdinal() uint32 {
	if m == nil {
		return 0
	}
	return m.Ordinal
}

func (m *Member) String() string {
	if m == nil {
		return "<nil>"
	}
	return m.Address + "/" + strconv.FormatInt(m.StartedAt, 10) + "#" + strconv.FormatUint(uint64(m.Ordinal), 10)
}

func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

type ViewID struct {
	Creator  uint32
	Sequence int64
}

func (v *ViewID) GetCreator() uint32 {
	if v == nil {
		return 0
	}
	return v.Creator
}

func (v *ViewID) GetSequence() int64 {
	if v == nil {
		return 0
	}
	return v.Sequence
}

func (v *ViewID) String() string {
	return fmt.Sprintf("%d:%d", v.GetSequence(), v.GetCreator())
}

// View is a numbered member list. NextOrdinal is the next ordinal the
// coordinator will hand out, so ordinals of departed members stay retired.
type View struct {
	Id          *ViewID
	Members     []*Member
	Leaving     []*Member
	Crashed     []*Member
	NextOrdinal uint32
}

func (v *View) GetId() *ViewID {
	if v == nil {
		return nil
	}
	return v.Id
}

func (v *View) GetMembers() []*Member {
	if v == nil {
		return nil
	}
	return v.Members
}

func (v *View) GetLeaving() []*Member {
	if v == nil {
		return nil
	}
	return v.Leaving
}

func (v *View) GetCrashed() []*Member {
	if v == nil {
		return nil
	}
	return v.Crashed
}

func (v *View) GetNextOrdinal() uint32 {
	if v == nil {
		return 0
	}
	return v.NextOrdinal
}

// JoinRequest is sent by a candidate to the process it believes is the
// coordinator. Multicast is reserved and always false on the wire.
type JoinRequest struct {
	Recipient            *Member
	Member               *Member
	Credentials          []byte
	FailureDetectionPort int32
	Multicast            bool
	RequestId            int32
}

func (r *JoinRequest) GetRecipient() *Member {
	if r == nil {
		return nil
	}
	return r.Recipient
}

func (r *JoinRequest) GetMember() *Member {
	if r == nil {
		return nil
	}
	return r.Member
}

func (r *JoinRequest) GetCredentials() []byte {
	if r == nil {
		return nil
	}
	return r.Credentials
}

func (r *JoinRequest) GetFailureDetectionPort() int32 {
	if r == nil {
		return 0
	}
	return r.FailureDetectionPort
}

func (r *JoinRequest) GetRequestId() int32 {
	if r == nil {
		return 0
	}
	return r.RequestId
}

// Equal compares the logical content of two requests; the recipient is routing
// information and does not take part.
func (r *JoinRequest) Equal(o *JoinRequest) bool {
	if r == nil || o == nil {
		return r == o
	}
	if (r.Credentials == nil) != (o.Credentials == nil) {
		return false
	}
	if !bytes.Equal(r.Credentials, o.Credentials) {
		return false
	}
	if r.FailureDetectionPort != o.FailureDetectionPort || r.RequestId != o.RequestId {
		return false
	}
	if r.Member == nil || o.Member == nil {
		return r.Member == o.Member
	}
	return r.Member.Address == o.Member.Address && r.Member.StartedAt == o.Member.StartedAt
}

func (r *JoinRequest) String() string {
	creds := ")"
	if r.GetCredentials() != nil {
		creds = "; with credentials)"
	}
	return "JoinRequest(" + r.GetMember().String() + creds +
		" failureDetectionPort:" + strconv.FormatInt(int64(r.GetFailureDetectionPort()), 10) +
		" requestId:" + strconv.FormatInt(int64(r.GetRequestId()), 10)
}

type JoinResponse_Outcome int32

const (
	JoinResponse_UNKNOWN JoinResponse_Outcome = iota
	JoinResponse_ACCEPTED
	JoinResponse_REJECTED
	JoinResponse_REDIRECT
)

func (o JoinResponse_Outcome) String() string {
	switch o {
	case JoinResponse_ACCEPTED:
		return "ACCEPTED"
	case JoinResponse_REJECTED:
		return "REJECTED"
	case JoinResponse_REDIRECT:
		return "REDIRECT"
	default:
		return "UNKNOWN"
	}
}

type JoinResponse_Reason int32

const (
	JoinResponse_NONE JoinResponse_Reason = iota
	JoinResponse_AUTHENTICATION_FAILED
	JoinResponse_INVALID_REQUEST
)

func (r JoinResponse_Reason) String() string {
	switch r {
	case JoinResponse_AUTHENTICATION_FAILED:
		return "AUTHENTICATION_FAILED"
	case JoinResponse_INVALID_REQUEST:
		return "INVALID_REQUEST"
	default:
		return "NONE"
	}
}

type JoinResponse struct {
	Outcome     JoinResponse_Outcome
	Reason      JoinResponse_Reason
	RequestId   int32
	Coordinator *Member
	View        *View
}

func (r *JoinResponse) GetOutcome() JoinResponse_Outcome {
	if r == nil {
		return JoinResponse_UNKNOWN
	}
	return r.Outcome
}

func (r *JoinResponse) GetReason() JoinResponse_Reason {
	if r == nil {
		return JoinResponse_NONE
	}
	return r.Reason
}

func (r *JoinResponse) GetRequestId() int32 {
	if r == nil {
		return 0
	}
	return r.RequestId
}

func (r *JoinResponse) GetCoordinator() *Member {
	if r == nil {
		return nil
	}
	return r.Coordinator
}

func (r *JoinResponse) GetView() *View {
	if r == nil {
		return nil
	}
	return r.View
}

type Prepare struct {
	View *View
}

func (p *Prepare) GetView() *View {
	if p == nil {
		return nil
	}
	return p.View
}

// PrepareAck answers a Prepare. A rejection carries the view the recipient has
// installed and the highest proposal it has already acknowledged.
type PrepareAck struct {
	ViewId    *ViewID
	Accepted  bool
	Installed *View
	Promised  *ViewID
}

func (a *PrepareAck) GetViewId() *ViewID {
	if a == nil {
		return nil
	}
	return a.ViewId
}

func (a *PrepareAck) GetAccepted() bool {
	if a == nil {
		return false
	}
	return a.Accepted
}

func (a *PrepareAck) GetInstalled() *View {
	if a == nil {
		return nil
	}
	return a.Installed
}

func (a *PrepareAck) GetPromised() *ViewID {
	if a == nil {
		return nil
	}
	return a.Promised
}

type Commit struct {
	View *View
}

func (c *Commit) GetView() *View {
	if c == nil {
		return nil
	}
	return c.View
}

type SuspectMembers struct {
	Reporter  *Member
	Suspects  []*Member
	Timestamp int64
}

func (s *SuspectMembers) GetReporter() *Member {
	if s == nil {
		return nil
	}
	return s.Reporter
}

func (s *SuspectMembers) GetSuspects() []*Member {
	if s == nil {
		return nil
	}
	return s.Suspects
}

func (s *SuspectMembers) GetTimestamp() int64 {
	if s == nil {
		return 0
	}
	return s.Timestamp
}

type LeaveRequest struct {
	Member *Member
}

func (l *LeaveRequest) GetMember() *Member {
	if l == nil {
		return nil
	}
	return l.Member
}

type Ping struct {
	Nonce uint64
}

func (p *Ping) GetNonce() uint64 {
	if p == nil {
		return 0
	}
	return p.Nonce
}

type PingAck struct {
	Nonce uint64
}

func (p *PingAck) GetNonce() uint64 {
	if p == nil {
		return 0
	}
	return p.Nonce
}

type Envelope_Kind int32

const (
	Envelope_UNKNOWN Envelope_Kind = iota
	Envelope_JOIN_REQUEST
	Envelope_JOIN_RESPONSE
	Envelope_PREPARE
	Envelope_PREPARE_ACK
	Envelope_COMMIT
	Envelope_SUSPECT_MEMBERS
	Envelope_LEAVE_REQUEST
	Envelope_PING
	Envelope_PING_ACK
)

var envelopeKindNames = map[Envelope_Kind]string{
	Envelope_UNKNOWN:         "UNKNOWN",
	Envelope_JOIN_REQUEST:    "JOIN_REQUEST",
	Envelope_JOIN_RESPONSE:   "JOIN_RESPONSE",
	Envelope_PREPARE:         "PREPARE",
	Envelope_PREPARE_ACK:     "PREPARE_ACK",
	Envelope_COMMIT:          "COMMIT",
	Envelope_SUSPECT_MEMBERS: "SUSPECT_MEMBERS",
	Envelope_LEAVE_REQUEST:   "LEAVE_REQUEST",
	Envelope_PING:            "PING",
	Envelope_PING_ACK:        "PING_ACK",
}

func (k Envelope_Kind) String() string {
	if s, ok := envelopeKindNames[k]; ok {
		return s
	}
	return "Envelope_Kind(" + strconv.Itoa(int(k)) + ")"
}

// Envelope frames every membership message. ViewId is the view the sender
// believes current, nil when not applicable (joiners, probes).
type Envelope struct {
	Kind           Envelope_Kind
	Sender         *Member
	ViewId         *ViewID
	JoinRequest    *JoinRequest
	JoinResponse   *JoinResponse
	Prepare        *Prepare
	PrepareAck     *PrepareAck
	Commit         *Commit
	SuspectMembers *SuspectMembers
	LeaveRequest   *LeaveRequest
	Ping           *Ping
	PingAck        *PingAck
}

func (e *Envelope) GetKind() Envelope_Kind {
	if e == nil {
		return Envelope_UNKNOWN
	}
	return e.Kind
}

func (e *Envelope) GetSender() *Member {
	if e == nil {
		return nil
	}
	return e.Sender
}

func (e *Envelope) GetViewId() *ViewID {
	if e == nil {
		return nil
	}
	return e.ViewId
}

func (e *Envelope) GetJoinRequest() *JoinRequest {
	if e == nil {
		return nil
	}
	return e.JoinRequest
}

func (e *Envelope) GetJoinResponse() *JoinResponse {
	if e == nil {
		return nil
	}
	return e.JoinResponse
}

func (e *Envelope) GetPrepare() *Prepare {
	if e == nil {
		return nil
	}
	return e.Prepare
}

func (e *Envelope) GetPrepareAck() *PrepareAck {
	if e == nil {
		return nil
	}
	return e.PrepareAck
}

func (e *Envelope) GetCommit() *Commit {
	if e == nil {
		return nil
	}
	return e.Commit
}

func (e *Envelope) GetSuspectMembers() *SuspectMembers {
	if e == nil {
		return nil
	}
	return e.SuspectMembers
}

func (e *Envelope) GetLeaveRequest() *LeaveRequest {
	if e == nil {
		return nil
	}
	return e.LeaveRequest
}

func (e *Envelope) GetPing() *Ping {
	if e == nil {
		return nil
	}
	return e.Ping
}

func (e *Envelope) GetPingAck() *PingAck {
	if e == nil {
		return nil
	}
	return e.PingAck
}
