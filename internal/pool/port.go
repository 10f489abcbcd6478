package pool

import (
	"sync"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

// PortPool hands out shared-directory server ports from a monotonic
// counter. Ports are never recycled: a guest may still be tearing down a
// bind on a port after the host considers it released.
type PortPool struct {
	mu        sync.Mutex
	next      uint32
	max       uint32
	exhausted bool
}

// NewPortPool creates a pool starting at first and ending at max inclusive.
func NewPortPool(first, max uint32) *PortPool {
	return &PortPool{next: first, max: max, exhausted: first > max}
}

// Allocate returns the next port.
func (p *PortPool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exhausted {
		return 0, vmerrors.New(vmerrors.ResourceExhausted, "no shared directory ports left")
	}
	port := p.next
	if port == p.max {
		p.exhausted = true
	} else {
		p.next++
	}
	return port, nil
}

// Peek returns the port the next Allocate would return.
func (p *PortPool) Peek() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
