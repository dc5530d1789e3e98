package membership

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/require"
)

func member(addr string, started int64, ordinal uint32) *protocol.Member {
	return &protocol.Member{Address: addr, StartedAt: started, Ordinal: ordinal}
}

func mustView(t *testing.T, seq int64, creator uint32, members ...*protocol.Member) *View {
	v, err := NewView(&protocol.ViewID{Creator: creator, Sequence: seq}, members, nil, nil)
	require.NoError(t, err)
	return v
}

func TestCompareViewID(t *testing.T) {
	as := require.New(t)

	as.Equal(-1, CompareViewID(&protocol.ViewID{Sequence: 1, Creator: 9}, &protocol.ViewID{Sequence: 2, Creator: 1}))
	as.Equal(1, CompareViewID(&protocol.ViewID{Sequence: 2, Creator: 2}, &protocol.ViewID{Sequence: 2, Creator: 1}))
	as.Equal(0, CompareViewID(&protocol.ViewID{Sequence: 3, Creator: 1}, &protocol.ViewID{Sequence: 3, Creator: 1}))
}

func TestCoordinatorLowestIdentity(t *testing.T) {
	as := require.New(t)

	a := member("10.0.0.1:1", 5, 2)
	b := member("10.0.0.1:1", 3, 3)
	c := member("10.0.0.2:1", 1, 1)
	v := mustView(t, 4, 1, c, a, b)

	as.True(SameMember(b, Coordinator(v, nil)))
	as.True(SameMember(a, Coordinator(v, NewMemberSet(b))))
	as.True(SameMember(c, Coordinator(v, NewMemberSet(a, b))))
	as.Nil(Coordinator(v, NewMemberSet(a, b, c)))
	as.Nil(Coordinator(nil, nil))
}

func TestSuccessorsWrap(t *testing.T) {
	as := require.New(t)

	ms := []*protocol.Member{
		member("a", 1, 1), member("b", 1, 2), member("c", 1, 3), member("d", 1, 4),
	}
	v := mustView(t, 1, 1, ms...)

	succ := Successors(v, ms[2], 3)
	as.Len(succ, 3)
	as.Equal("d", succ[0].GetAddress())
	as.Equal("a", succ[1].GetAddress())
	as.Equal("b", succ[2].GetAddress())

	// k larger than the view never yields self
	succ = Successors(v, ms[0], 10)
	as.Len(succ, 3)
	for _, m := range succ {
		as.False(SameMember(m, ms[0]))
	}

	single := mustView(t, 1, 1, ms[0])
	as.Empty(Successors(single, ms[0], 3))
	as.Empty(Successors(v, ms[0], 0))
}

func TestNextViewAppliesChanges(t *testing.T) {
	as := require.New(t)

	a, b, c := member("a", 1, 1), member("b", 1, 2), member("c", 1, 3)
	prev := mustView(t, 5, 1, a, b, c)

	d := member("d", 7, 0)
	e := member("e", 8, 0)
	next, err := NextView(prev, 1, Changes{
		Joiners: []*protocol.Member{d, e, d, a},
		Leavers: []*protocol.Member{b},
		Crashed: []*protocol.Member{c, member("ghost", 1, 0)},
	})
	as.NoError(err)

	as.Equal(int64(6), next.Sequence())
	as.Equal(uint32(1), next.ID().GetCreator())

	got := next.Members()
	as.Len(got, 3)
	as.Equal("a", got[0].GetAddress())
	as.Equal("d", got[1].GetAddress())
	as.Equal(uint32(4), got[1].GetOrdinal())
	as.Equal("e", got[2].GetAddress())
	as.Equal(uint32(5), got[2].GetOrdinal())

	as.Len(next.Leaving(), 1)
	as.True(SameMember(b, next.Leaving()[0]))
	as.Len(next.Crashed(), 1)
	as.True(SameMember(c, next.Crashed()[0]))

	added, removed := Delta(prev, next)
	as.Len(added, 2)
	as.Len(removed, 2)
	as.True(next.NewerThan(prev))
	as.False(prev.NewerThan(next))
}

func TestNextViewCrashWinsOverLeave(t *testing.T) {
	as := require.New(t)

	a, b := member("a", 1, 1), member("b", 1, 2)
	prev := mustView(t, 1, 1, a, b)

	next, err := NextView(prev, 1, Changes{
		Leavers: []*protocol.Member{b},
		Crashed: []*protocol.Member{b},
	})
	as.NoError(err)
	as.Empty(next.Leaving())
	as.Len(next.Crashed(), 1)
	as.Len(next.Members(), 1)
}

func TestOrdinalsNeverReused(t *testing.T) {
	as := require.New(t)

	a, b, c := member("a", 1, 1), member("b", 1, 2), member("c", 1, 3)
	prev := mustView(t, 3, 1, a, b, c)
	as.Equal(uint32(4), prev.NextOrdinal())

	// the holder of the highest ordinal leaves
	left, err := NextView(prev, 1, Changes{Leavers: []*protocol.Member{c}})
	as.NoError(err)
	as.Equal(uint32(2), left.MaxOrdinal())
	as.Equal(uint32(4), left.NextOrdinal())

	// the mark survives the wire
	wire, err := FromProto(left.Proto())
	as.NoError(err)
	as.Equal(uint32(4), wire.NextOrdinal())

	d := member("d", 9, 0)
	joined, err := NextView(wire, 1, Changes{Joiners: []*protocol.Member{d}})
	as.NoError(err)
	stored, ok := joined.Lookup(d)
	as.True(ok)
	as.Equal(uint32(4), stored.GetOrdinal())
	as.Equal(uint32(5), joined.NextOrdinal())

	// a wire view without a mark falls back to the highest ordinal
	pv := joined.Proto()
	pv.NextOrdinal = 0
	legacy, err := FromProto(pv)
	as.NoError(err)
	as.Equal(uint32(5), legacy.NextOrdinal())

	as.Equal(uint32(1), (*View)(nil).NextOrdinal())
}

func TestNextViewAtSkipsSequence(t *testing.T) {
	as := require.New(t)

	prev := mustView(t, 4, 1, member("a", 1, 1))

	next, err := NextViewAt(prev, &protocol.ViewID{Creator: 1, Sequence: 6}, Changes{Joiners: []*protocol.Member{member("b", 1, 0)}})
	as.NoError(err)
	as.Equal(int64(6), next.Sequence())
	as.Equal(2, next.Size())

	_, err = NextViewAt(prev, &protocol.ViewID{Creator: 1, Sequence: 4}, Changes{})
	as.ErrorIs(err, ErrInvalidRequest)

	_, err = NextView(nil, 1, Changes{})
	as.ErrorIs(err, ErrNotStarted)
}

func TestChangesMerge(t *testing.T) {
	as := require.New(t)

	a, b, c := member("a", 1, 0), member("b", 1, 0), member("c", 1, 0)
	merged := Changes{Joiners: []*protocol.Member{a}, Leavers: []*protocol.Member{b}}.
		Merge(Changes{Joiners: []*protocol.Member{a, c}, Crashed: []*protocol.Member{b}})

	as.Len(merged.Joiners, 2)
	as.Empty(merged.Leavers)
	as.Len(merged.Crashed, 1)
	as.False(merged.Empty())
	as.True(Changes{}.Empty())
	as.Len(merged.Triggers(), 1)
}

func TestViewRejectsDuplicates(t *testing.T) {
	as := require.New(t)

	_, err := NewView(&protocol.ViewID{Sequence: 1}, []*protocol.Member{member("a", 1, 1), member("a", 1, 2)}, nil, nil)
	as.ErrorIs(err, ErrInvalidRequest)

	_, err = FromProto(nil)
	as.ErrorIs(err, ErrInvalidRequest)
}

func TestViewFingerprint(t *testing.T) {
	as := require.New(t)

	a, b := member("a", 1, 1), member("b", 1, 2)
	v1 := mustView(t, 2, 1, a, b)
	v2, err := FromProto(v1.Proto())
	as.NoError(err)
	as.Equal(v1.Fingerprint(), v2.Fingerprint())

	v3 := mustView(t, 2, 1, b, a)
	as.NotEqual(v1.Fingerprint(), v3.Fingerprint())
}

func TestViewImmutable(t *testing.T) {
	as := require.New(t)

	a := member("a", 1, 1)
	v := mustView(t, 1, 1, a)
	a.Address = "mutated"
	v.Members()[0].Address = "mutated"
	as.Equal("a", v.Members()[0].GetAddress())
}

func TestInitialView(t *testing.T) {
	as := require.New(t)

	v, err := InitialView(member("self", 10, 0))
	as.NoError(err)
	as.Equal(int64(1), v.Sequence())
	self, ok := v.Lookup(member("self", 10, 0))
	as.True(ok)
	as.Equal(uint32(1), self.GetOrdinal())
}

func TestErrorIsRetryable(t *testing.T) {
	as := require.New(t)

	as.True(ErrorIsRetryable(ErrUnreachable))
	as.True(ErrorIsRetryable(ErrTimeout))
	as.True(ErrorIsRetryable(context.DeadlineExceeded))
	as.True(ErrorIsRetryable(fmt.Errorf("dialing: %w", ErrUnreachable)))
	as.False(ErrorIsRetryable(ErrAuthenticationFailed))
	as.False(ErrorIsRetryable(errors.New("other")))
	as.False(ErrorIsRetryable(nil))
}

func TestJoinErrorMatches(t *testing.T) {
	as := require.New(t)

	err := error(&JoinError{Cause: ErrAuthenticationFailed, Attempts: 1})
	as.ErrorIs(err, ErrJoinFailed)
	as.ErrorIs(err, ErrAuthenticationFailed)
	as.NotErrorIs(err, ErrTimeout)

	var je *JoinError
	as.True(errors.As(err, &je))
	as.Equal(uint(1), je.Attempts)
}
