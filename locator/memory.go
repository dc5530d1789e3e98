package locator

import (
	"context"
	"sync"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
)

// Memory remembers the last announced coordinator. It is shared by managers
// running in the same process.
type Memory struct {
	mu          sync.RWMutex
	coordinator *protocol.Member
}

var (
	_ membership.Locator   = (*Memory)(nil)
	_ membership.Announcer = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{}
}

func (l *Memory) CurrentCoordinator(ctx context.Context) (*protocol.Member, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.coordinator == nil {
		return nil, ErrNotFound
	}
	return l.coordinator.Clone(), nil
}

func (l *Memory) Announce(ctx context.Context, coordinator *protocol.Member) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coordinator = coordinator.Clone()
	return nil
}
