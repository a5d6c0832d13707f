package launcher

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortProvider hands out free loopback ports in strictly increasing order, so a port released by
// a killed browser is never reused by the next launch in the same process.
type PortProvider struct {
	mu   sync.Mutex
	last int
}

// NewPortProvider starts handing out ports above base. A zero base lets the OS pick the first one.
func NewPortProvider(base int) *PortProvider {
	if base > 0 {
		base--
	}
	return &PortProvider{last: base}
}

// Next returns a port greater than every port returned before that is currently bindable on
// DebugAddress.
func (p *PortProvider) Next() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == 0 {
		port, err := ephemeralPort()
		if err != nil {
			return 0, err
		}
		p.last = port
		return port, nil
	}

	for port := p.last + 1; port <= 65535; port++ {
		if free(port) {
			p.last = port
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port above %d", p.last)
}

func free(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(DebugAddress, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func ephemeralPort() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(DebugAddress, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
