package discovery

import (
	"net"
	"sync"
)

// DefaultMaxConns is the per-torrent connection ceiling.
const DefaultMaxConns = 55

// Pool deduplicates peer addresses by host:port and hands out at most max
// of them at a time. Addresses stay claimed until Release, after which a
// later discovery cycle may offer them again.
type Pool struct {
	mu     sync.Mutex
	max    int
	claims map[string]struct{}
	out    chan string
	closed bool
}

func NewPool(max int) *Pool {
	if max <= 0 {
		max = DefaultMaxConns
	}
	return &Pool{
		max:    max,
		claims: make(map[string]struct{}),
		out:    make(chan string, max),
	}
}

// Offer queues addr for connecting unless it is already claimed or the pool
// is full. It reports whether addr was accepted.
func (p *Pool) Offer(addr string) bool {
	addr, ok := normalize(addr)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.claims) >= p.max {
		return false
	}
	if _, dup := p.claims[addr]; dup {
		return false
	}
	select {
	case p.out <- addr:
		p.claims[addr] = struct{}{}
		return true
	default:
		return false
	}
}

// Claim registers an inbound connection from addr against the ceiling
// without queueing it.
func (p *Pool) Claim(addr string) bool {
	addr, ok := normalize(addr)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.claims) >= p.max {
		return false
	}
	if _, dup := p.claims[addr]; dup {
		return false
	}
	p.claims[addr] = struct{}{}
	return true
}

func (p *Pool) Release(addr string) {
	addr, ok := normalize(addr)
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.claims, addr)
	p.mu.Unlock()
}

// Addrs delivers accepted addresses. It is closed by Close.
func (p *Pool) Addrs() <-chan string {
	return p.out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.claims)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
}

func normalize(addr string) (string, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" || port == "0" {
		return "", false
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return "", false
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, port), true
}
