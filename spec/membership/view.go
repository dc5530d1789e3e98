package membership

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.miragespace.co/conclave/spec/protocol"

	"github.com/zeebo/xxh3"
)

// MemberKey is the identity of a member process. Ordinals are excluded: they
// are assigned on admission and do not change who the process is.
type MemberKey struct {
	Address   string
	StartedAt int64
}

func (k MemberKey) String() string {
	return k.Address + "/" + strconv.FormatInt(k.StartedAt, 10)
}

func KeyOf(m *protocol.Member) MemberKey {
	return MemberKey{Address: m.GetAddress(), StartedAt: m.GetStartedAt()}
}

func SameMember(a, b *protocol.Member) bool {
	if a == nil || b == nil {
		return false
	}
	return a.GetAddress() == b.GetAddress() && a.GetStartedAt() == b.GetStartedAt()
}

// CompareMember orders members by (address, startedAt).
func CompareMember(a, b *protocol.Member) int {
	switch {
	case a.GetAddress() < b.GetAddress():
		return -1
	case a.GetAddress() > b.GetAddress():
		return 1
	case a.GetStartedAt() < b.GetStartedAt():
		return -1
	case a.GetStartedAt() > b.GetStartedAt():
		return 1
	}
	return 0
}

// CompareViewID orders view ids by (sequence, creator).
func CompareViewID(a, b *protocol.ViewID) int {
	switch {
	case a.GetSequence() < b.GetSequence():
		return -1
	case a.GetSequence() > b.GetSequence():
		return 1
	case a.GetCreator() < b.GetCreator():
		return -1
	case a.GetCreator() > b.GetCreator():
		return 1
	}
	return 0
}

// MemberSet is a set of members keyed by identity.
type MemberSet map[MemberKey]*protocol.Member

func NewMemberSet(members ...*protocol.Member) MemberSet {
	s := make(MemberSet, len(members))
	for _, m := range members {
		s.Add(m)
	}
	return s
}

func (s MemberSet) Add(m *protocol.Member) {
	if m == nil {
		return
	}
	s[KeyOf(m)] = m
}

func (s MemberSet) Remove(m *protocol.Member) {
	delete(s, KeyOf(m))
}

func (s MemberSet) Has(m *protocol.Member) bool {
	if s == nil || m == nil {
		return false
	}
	_, ok := s[KeyOf(m)]
	return ok
}

// Slice returns the members ordered by CompareMember.
func (s MemberSet) Slice() []*protocol.Member {
	out := make([]*protocol.Member, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

func sortMembers(ms []*protocol.Member) {
	slices.SortFunc(ms, CompareMember)
}

// View is an installed or proposed membership view. It is immutable once
// constructed; accessors return copies.
type View struct {
	id          protocol.ViewID
	members     []*protocol.Member
	leaving     []*protocol.Member
	crashed     []*protocol.Member
	nextOrdinal uint32
	index       map[MemberKey]int
	fingerprint uint64
}

func cloneMembers(ms []*protocol.Member) []*protocol.Member {
	if len(ms) == 0 {
		return nil
	}
	out := make([]*protocol.Member, 0, len(ms))
	for _, m := range ms {
		if m == nil {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// NewView builds a view from its parts. Members keep the given (join) order.
// The next ordinal starts just above the highest ordinal among members.
func NewView(id *protocol.ViewID, members, leaving, crashed []*protocol.Member) (*View, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: view has no id", ErrInvalidRequest)
	}
	v := &View{
		id:      protocol.ViewID{Creator: id.GetCreator(), Sequence: id.GetSequence()},
		members: cloneMembers(members),
		leaving: cloneMembers(leaving),
		crashed: cloneMembers(crashed),
	}
	v.index = make(map[MemberKey]int, len(v.members))
	for i, m := range v.members {
		k := KeyOf(m)
		if _, dup := v.index[k]; dup {
			return nil, fmt.Errorf("%w: member %s listed twice", ErrInvalidRequest, m)
		}
		v.index[k] = i
	}
	v.fingerprint = fingerprint(v.members)
	v.nextOrdinal = v.MaxOrdinal() + 1
	return v, nil
}

// withNextOrdinal raises the view's next ordinal to at least next, for views
// still under construction.
func (v *View) withNextOrdinal(next uint32) *View {
	if next > v.nextOrdinal {
		v.nextOrdinal = next
	}
	return v
}

// FromProto validates and converts a wire view.
func FromProto(pv *protocol.View) (*View, error) {
	if pv == nil {
		return nil, fmt.Errorf("%w: missing view", ErrInvalidRequest)
	}
	v, err := NewView(pv.GetId(), pv.GetMembers(), pv.GetLeaving(), pv.GetCrashed())
	if err != nil {
		return nil, err
	}
	return v.withNextOrdinal(pv.GetNextOrdinal()), nil
}

func fingerprint(members []*protocol.Member) uint64 {
	h := xxh3.New()
	var buf [12]byte
	for _, m := range members {
		h.WriteString(m.GetAddress())
		binary.BigEndian.PutUint64(buf[0:8], uint64(m.GetStartedAt()))
		binary.BigEndian.PutUint32(buf[8:12], m.GetOrdinal())
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (v *View) Proto() *protocol.View {
	if v == nil {
		return nil
	}
	return &protocol.View{
		Id:          v.ID(),
		Members:     cloneMembers(v.members),
		Leaving:     cloneMembers(v.leaving),
		Crashed:     cloneMembers(v.crashed),
		NextOrdinal: v.nextOrdinal,
	}
}

func (v *View) ID() *protocol.ViewID {
	if v == nil {
		return nil
	}
	id := v.id
	return &id
}

func (v *View) Sequence() int64 {
	if v == nil {
		return 0
	}
	return v.id.Sequence
}

func (v *View) Members() []*protocol.Member {
	if v == nil {
		return nil
	}
	return cloneMembers(v.members)
}

func (v *View) Leaving() []*protocol.Member {
	if v == nil {
		return nil
	}
	return cloneMembers(v.leaving)
}

func (v *View) Crashed() []*protocol.Member {
	if v == nil {
		return nil
	}
	return cloneMembers(v.crashed)
}

func (v *View) Size() int {
	if v == nil {
		return 0
	}
	return len(v.members)
}

func (v *View) Contains(m *protocol.Member) bool {
	_, ok := v.Lookup(m)
	return ok
}

// Lookup returns the view's copy of m, carrying its assigned ordinal.
func (v *View) Lookup(m *protocol.Member) (*protocol.Member, bool) {
	if v == nil || m == nil {
		return nil, false
	}
	i, ok := v.index[KeyOf(m)]
	if !ok {
		return nil, false
	}
	return v.members[i].Clone(), true
}

func (v *View) MaxOrdinal() uint32 {
	var highest uint32
	if v == nil {
		return highest
	}
	for _, m := range v.members {
		if m.GetOrdinal() > highest {
			highest = m.GetOrdinal()
		}
	}
	return highest
}

// NextOrdinal is the ordinal the next joiner receives. It only grows across
// views, so ordinals of members that left or crashed are never handed out
// again.
func (v *View) NextOrdinal() uint32 {
	if v == nil {
		return 1
	}
	return v.nextOrdinal
}

// Fingerprint is an xxh3 digest of the ordered member list. Processes that
// installed the same view report the same fingerprint.
func (v *View) Fingerprint() uint64 {
	if v == nil {
		return 0
	}
	return v.fingerprint
}

// NewerThan reports whether v has a strictly greater id than o. Any view is
// newer than nil.
func (v *View) NewerThan(o *View) bool {
	if v == nil {
		return false
	}
	if o == nil {
		return true
	}
	return CompareViewID(&v.id, &o.id) > 0
}

func (v *View) String() string {
	if v == nil {
		return "View(<nil>)"
	}
	var sb strings.Builder
	sb.WriteString("View(")
	sb.WriteString(v.id.String())
	sb.WriteString(" [")
	for i, m := range v.members {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.String())
	}
	sb.WriteString("])")
	return sb.String()
}

// Coordinator returns the member with the lowest (address, startedAt) that is
// not in excluded, or nil if no member qualifies.
func Coordinator(v *View, excluded MemberSet) *protocol.Member {
	if v == nil {
		return nil
	}
	var coord *protocol.Member
	for _, m := range v.members {
		if excluded.Has(m) {
			continue
		}
		if coord == nil || CompareMember(m, coord) < 0 {
			coord = m
		}
	}
	return coord.Clone()
}

// Successors returns up to k members following self in view order, wrapping
// around and never including self. If self is not in the view the walk starts
// at the beginning.
func Successors(v *View, self *protocol.Member, k int) []*protocol.Member {
	if v == nil || k <= 0 {
		return nil
	}
	n := len(v.members)
	start := 0
	if i, ok := v.index[KeyOf(self)]; ok {
		start = i + 1
	}
	out := make([]*protocol.Member, 0, k)
	for i := 0; i < n && len(out) < k; i++ {
		m := v.members[(start+i)%n]
		if SameMember(m, self) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// Delta returns the members present in next but not prev, and the members
// present in prev but not next.
func Delta(prev, next *View) (added, removed []*protocol.Member) {
	for _, m := range next.Members() {
		if !prev.Contains(m) {
			added = append(added, m)
		}
	}
	for _, m := range prev.Members() {
		if !next.Contains(m) {
			removed = append(removed, m)
		}
	}
	return
}

// Changes are the events folded into a single view change.
type Changes struct {
	Joiners []*protocol.Member
	Leavers []*protocol.Member
	Crashed []*protocol.Member
}

func (c Changes) Empty() bool {
	return len(c.Joiners) == 0 && len(c.Leavers) == 0 && len(c.Crashed) == 0
}

// Merge appends o to c, dropping duplicates. A member reported both leaving
// and crashed is recorded as crashed.
func (c Changes) Merge(o Changes) Changes {
	var out Changes
	crashed := NewMemberSet()
	for _, m := range concatMembers(c.Crashed, o.Crashed) {
		if !crashed.Has(m) {
			crashed.Add(m)
			out.Crashed = append(out.Crashed, m)
		}
	}
	leavers := NewMemberSet()
	for _, m := range concatMembers(c.Leavers, o.Leavers) {
		if crashed.Has(m) || leavers.Has(m) {
			continue
		}
		leavers.Add(m)
		out.Leavers = append(out.Leavers, m)
	}
	joiners := NewMemberSet()
	for _, m := range concatMembers(c.Joiners, o.Joiners) {
		if !joiners.Has(m) {
			joiners.Add(m)
			out.Joiners = append(out.Joiners, m)
		}
	}
	return out
}

func concatMembers(a, b []*protocol.Member) []*protocol.Member {
	out := make([]*protocol.Member, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Triggers returns the leaving and crashed members, the processes whose
// removal caused the change.
func (c Changes) Triggers() MemberSet {
	s := NewMemberSet(c.Leavers...)
	for _, m := range c.Crashed {
		s.Add(m)
	}
	return s
}

// NextView derives the successor of prev: prev minus leavers and crashed
// members, plus joiners in request order with fresh ordinals. Leavers and
// crashed members not in prev, and joiners already in it, are ignored.
func NextView(prev *View, creator uint32, c Changes) (*View, error) {
	return NextViewAt(prev, &protocol.ViewID{Creator: creator, Sequence: prev.Sequence() + 1}, c)
}

// NextViewAt is NextView with an explicit id, which must be newer than prev.
// A coordinator uses it to skip past a sequence number another proposal has
// already claimed.
func NextViewAt(prev *View, id *protocol.ViewID, c Changes) (*View, error) {
	if prev == nil {
		return nil, ErrNotStarted
	}
	if id.GetSequence() <= prev.Sequence() {
		return nil, fmt.Errorf("%w: view %s does not follow %s", ErrInvalidRequest, id, prev.ID())
	}
	removedCrash := make([]*protocol.Member, 0, len(c.Crashed))
	crashed := NewMemberSet()
	for _, m := range c.Crashed {
		if stored, ok := prev.Lookup(m); ok && !crashed.Has(m) {
			crashed.Add(m)
			removedCrash = append(removedCrash, stored)
		}
	}
	removedLeave := make([]*protocol.Member, 0, len(c.Leavers))
	leaving := NewMemberSet()
	for _, m := range c.Leavers {
		if crashed.Has(m) || leaving.Has(m) {
			continue
		}
		if stored, ok := prev.Lookup(m); ok {
			leaving.Add(m)
			removedLeave = append(removedLeave, stored)
		}
	}

	members := make([]*protocol.Member, 0, prev.Size()+len(c.Joiners))
	for _, m := range prev.members {
		if crashed.Has(m) || leaving.Has(m) {
			continue
		}
		members = append(members, m)
	}
	ordinal := prev.NextOrdinal()
	seen := NewMemberSet(members...)
	for _, j := range c.Joiners {
		if j == nil || seen.Has(j) || prev.Contains(j) {
			continue
		}
		joined := &protocol.Member{Address: j.GetAddress(), StartedAt: j.GetStartedAt(), Ordinal: ordinal}
		ordinal++
		seen.Add(joined)
		members = append(members, joined)
	}

	next, err := NewView(id, members, removedLeave, removedCrash)
	if err != nil {
		return nil, err
	}
	return next.withNextOrdinal(ordinal), nil
}

// InitialView is the single member view of a freshly created cluster.
func InitialView(self *protocol.Member) (*View, error) {
	founder := &protocol.Member{Address: self.GetAddress(), StartedAt: self.GetStartedAt(), Ordinal: 1}
	return NewView(&protocol.ViewID{Creator: 1, Sequence: 1}, []*protocol.Member{founder}, nil, nil)
}
