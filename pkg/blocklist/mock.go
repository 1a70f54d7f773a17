package blocklist

import (
	"context"
	"sync"
)

// Mock is an in-memory Checker for tests.
type Mock struct {
	mu      sync.Mutex
	Blocked map[string]bool
	Err     error
}

// NewMock returns a Mock with nothing blocked.
func NewMock() *Mock {
	return &Mock{Blocked: make(map[string]bool)}
}

var _ Checker = (*Mock)(nil)

func (m *Mock) IsBlocked(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	return m.Blocked[address], nil
}
