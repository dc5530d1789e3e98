package membership

import (
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/zhangyunhao116/skipset"
)

type proposalPhase int

const (
	phaseProposing proposalPhase = iota
	phaseCommitting
	phaseDone
	phaseAborted
)

func (p proposalPhase) String() string {
	switch p {
	case phaseProposing:
		return "Proposing"
	case phaseCommitting:
		return "Committing"
	case phaseDone:
		return "Done"
	case phaseAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// proposal is one in-flight view change. It is owned by the coordinator loop.
type proposal struct {
	phase   proposalPhase
	prev    *membership.View
	next    *membership.View
	changes membership.Changes
	started time.Time
	timer   *time.Timer

	// members that must acknowledge the prepare
	required map[string]*protocol.Member
	// required members that have neither acknowledged nor failed
	outstanding *skipset.StringSet
	// required members that did not acknowledge
	silent *skipset.StringSet
}

// newProposal computes the required acknowledgers: every member of prev
// except self and the members whose removal triggered the change.
func newProposal(prev, next *membership.View, changes membership.Changes, self *protocol.Member) *proposal {
	p := &proposal{
		phase:       phaseProposing,
		prev:        prev,
		next:        next,
		changes:     changes,
		started:     time.Now(),
		required:    make(map[string]*protocol.Member),
		outstanding: skipset.NewString(),
		silent:      skipset.NewString(),
	}
	triggers := changes.Triggers()
	for _, m := range prev.Members() {
		if membership.SameMember(m, self) || triggers.Has(m) {
			continue
		}
		key := membership.KeyOf(m).String()
		p.required[key] = m
		p.outstanding.Add(key)
		p.silent.Add(key)
	}
	return p
}

func (p *proposal) isRequired(m *protocol.Member) bool {
	_, ok := p.required[membership.KeyOf(m).String()]
	return ok
}

func (p *proposal) targets() []*protocol.Member {
	out := make([]*protocol.Member, 0, len(p.required))
	p.outstanding.Range(func(key string) bool {
		out = append(out, p.required[key])
		return true
	})
	return out
}

// acked records an acknowledgement and reports whether every required member
// has answered or failed.
func (p *proposal) acked(m *protocol.Member) bool {
	key := membership.KeyOf(m).String()
	p.outstanding.Remove(key)
	p.silent.Remove(key)
	return p.outstanding.Len() == 0
}

// failed records that the prepare could not be delivered to m.
func (p *proposal) failed(m *protocol.Member) bool {
	p.outstanding.Remove(membership.KeyOf(m).String())
	return p.outstanding.Len() == 0
}

func (p *proposal) settled() bool {
	return p.outstanding.Len() == 0
}

// missing returns the required members that never acknowledged.
func (p *proposal) missing() []*protocol.Member {
	out := make([]*protocol.Member, 0)
	p.silent.Range(func(key string) bool {
		out = append(out, p.required[key])
		return true
	})
	return out
}

func (p *proposal) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}
