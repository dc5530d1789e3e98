package membership

import (
	"testing"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/stretchr/testify/require"
)

func TestProposalRequiredAcknowledgers(t *testing.T) {
	as := require.New(t)

	a := testMember("a", 1)
	b := testMember("b", 2)
	c := testMember("c", 3)
	d := testMember("d", 4)

	prev, err := membership.NewView(&protocol.ViewID{Creator: 1, Sequence: 4}, []*protocol.Member{a, b, c, d}, nil, nil)
	as.NoError(err)

	changes := membership.Changes{Crashed: []*protocol.Member{d}}
	next, err := membership.NextView(prev, a.GetOrdinal(), changes)
	as.NoError(err)

	p := newProposal(prev, next, changes, a)
	as.Equal(phaseProposing, p.phase)
	as.False(p.settled())

	// neither self nor the crashed member acknowledge
	as.False(p.isRequired(a))
	as.False(p.isRequired(d))
	as.True(p.isRequired(b))
	as.True(p.isRequired(c))
	as.Len(p.targets(), 2)

	as.False(p.acked(b))
	as.True(p.failed(c))
	as.True(p.settled())

	missing := p.missing()
	as.Len(missing, 1)
	as.True(membership.SameMember(c, missing[0]))
}

func TestProposalSingleMember(t *testing.T) {
	as := require.New(t)

	a := testMember("a", 1)
	prev, err := membership.InitialView(a)
	as.NoError(err)

	joiner := &protocol.Member{Address: "b", StartedAt: 1}
	changes := membership.Changes{Joiners: []*protocol.Member{joiner}}
	next, err := membership.NextView(prev, 1, changes)
	as.NoError(err)

	p := newProposal(prev, next, changes, a)
	as.True(p.settled())
	as.Empty(p.targets())
	as.Equal("Proposing", p.phase.String())
}
