package membership

import (
	"testing"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/require"
)

func testMember(addr string, ordinal uint32) *protocol.Member {
	return &protocol.Member{Address: addr, StartedAt: 1, Ordinal: ordinal}
}

func TestSuspicionQuorum(t *testing.T) {
	as := require.New(t)

	window := time.Second
	table := newSuspicionTable(window)

	suspect := testMember("c", 3)
	a := testMember("a", 1)
	b := testMember("b", 2)
	now := time.Now()

	as.Equal(1, table.Record(suspect, a, now))
	// repeated reports from the same reporter count once
	as.Equal(1, table.Record(suspect, a, now.Add(time.Millisecond)))
	as.Equal(membership.SuspicionQuorum, table.Record(suspect, b, now.Add(time.Millisecond*2)))

	// reports outside the window no longer count
	as.Equal(0, table.Count(suspect, now.Add(window*2)))

	table.Clear(suspect)
	as.Equal(0, table.Count(suspect, now))
	as.Empty(table.Snapshot(now))
}

func TestSuspicionExpireAndRetain(t *testing.T) {
	as := require.New(t)

	table := newSuspicionTable(time.Second)

	a := testMember("a", 1)
	b := testMember("b", 2)
	c := testMember("c", 3)
	now := time.Now()

	table.Record(b, a, now.Add(-time.Second*5))
	table.Record(c, a, now)

	table.Expire(now)
	snap := table.Snapshot(now)
	as.Len(snap, 1)
	as.True(membership.SameMember(c, snap[0].suspect))
	as.Equal(1, snap[0].reporters)

	view, err := membership.NewView(&protocol.ViewID{Creator: 1, Sequence: 2}, []*protocol.Member{a, b}, nil, []*protocol.Member{c})
	as.NoError(err)
	table.Retain(view)
	as.Empty(table.Snapshot(now))
}
