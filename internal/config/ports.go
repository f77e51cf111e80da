package config

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// UsedPortsFunc reports host ports held by registered instances, keyed by
// port with the owning instance name as value.
type UsedPortsFunc func() map[int]string

// PortAllocator hands out host ports from a reserved range. A port is
// taken while a registered instance binds it or while an in-flight deploy
// holds a reservation for it.
type PortAllocator struct {
	mu       sync.Mutex
	start    int
	end      int
	hostIP   string
	next     int
	reserved map[int]string
	used     UsedPortsFunc

	// hostFree checks that nothing outside the agent listens on the port
	hostFree func(hostIP string, port int) bool
}

// NewPortAllocator creates an allocator for [start, end].
func NewPortAllocator(start, end int, hostIP string, used UsedPortsFunc) *PortAllocator {
	if used == nil {
		used = func() map[int]string { return nil }
	}
	return &PortAllocator{
		start:    start,
		end:      end,
		hostIP:   hostIP,
		next:     start,
		reserved: make(map[int]string),
		used:     used,
		hostFree: hostPortFree,
	}
}

// Range returns the configured range.
func (p *PortAllocator) Range() (int, int) {
	return p.start, p.end
}

// InRange reports whether port lies in the reserved range.
func (p *PortAllocator) InRange(port int) bool {
	return port >= p.start && port <= p.end
}

// Allocate reserves a free port in the range for owner. A port already
// bound by owner itself is handed back first, so a replace keeps its
// endpoint.
func (p *PortAllocator) Allocate(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := p.used()
	for port, holder := range used {
		if holder == owner && p.InRange(port) && p.freeLocked(port, owner, used) {
			p.reserved[port] = owner
			return port, nil
		}
	}

	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.start + (p.next-p.start+i)%size
		if !p.freeLocked(port, owner, used) {
			continue
		}
		p.reserved[port] = owner
		p.next = port + 1
		if p.next > p.end {
			p.next = p.start
		}
		return port, nil
	}

	return 0, api.NewError(api.KindConflict, "no free host port in range %d-%d", p.start, p.end)
}

// Reserve claims a specific port for owner.
func (p *PortAllocator) Reserve(owner string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.freeLocked(port, owner, p.used()) {
		return api.NewError(api.KindConflict, "host port %d is already in use", port)
	}
	p.reserved[port] = owner
	return nil
}

// Release drops a reservation. Registered instances keep their ports
// through the registry, so deploys release as soon as they finish.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

func (p *PortAllocator) freeLocked(port int, owner string, used map[int]string) bool {
	if holder, ok := p.reserved[port]; ok && holder != owner {
		return false
	}
	if holder, ok := used[port]; ok {
		// the owner's own binding is released by the replace
		return holder == owner
	}
	return p.hostFree(p.hostIP, port)
}

func hostPortFree(hostIP string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(hostIP, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func (p *PortAllocator) String() string {
	return fmt.Sprintf("PortAllocator[%d-%d]", p.start, p.end)
}
