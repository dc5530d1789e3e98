package locator

import (
	"context"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"go.uber.org/atomic"
)

// Static hands out a fixed list of seed members in turn. A seed that is not
// the coordinator redirects the joiner, so any live seed is enough.
type Static struct {
	seeds []*protocol.Member
	next  *atomic.Uint32
}

var _ membership.Locator = (*Static)(nil)

func NewStatic(addresses ...string) *Static {
	seeds := make([]*protocol.Member, 0, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		seeds = append(seeds, &protocol.Member{Address: addr})
	}
	return &Static{
		seeds: seeds,
		next:  atomic.NewUint32(0),
	}
}

func (s *Static) CurrentCoordinator(ctx context.Context) (*protocol.Member, error) {
	if len(s.seeds) == 0 {
		return nil, ErrNotFound
	}
	i := s.next.Inc() - 1
	return s.seeds[int(i)%len(s.seeds)].Clone(), nil
}
