package dnsrelay

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// Strategy determines which upstreams receive a query.
type Strategy int

const (
	// RoundRobin sends every query to exactly one upstream, rotating through
	// them in configured order.
	RoundRobin Strategy = iota

	// FanOut sends every query to all upstreams. The first reply wins.
	FanOut
)

// ParseStrategy returns the strategy for a name as used in config files.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "round-robin", "roundrobin", "":
		return RoundRobin, nil
	case "fan-out", "fanout", "all":
		return FanOut, nil
	}
	return 0, fmt.Errorf("unsupported strategy '%s'", s)
}

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case FanOut:
		return "fan-out"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Selector picks the upstream(s) for outbound queries. The list of upstreams
// is fixed at construction.
type Selector struct {
	strategy  Strategy
	upstreams []*net.UDPAddr
	mu        sync.Mutex
	current   int
}

// NewSelector returns a selector over the given upstreams. At least one upstream
// is required.
func NewSelector(strategy Strategy, upstreams ...*net.UDPAddr) (*Selector, error) {
	if len(upstreams) == 0 {
		return nil, ErrNoUpstreams
	}
	switch strategy {
	case RoundRobin, FanOut:
	default:
		return nil, fmt.Errorf("unsupported strategy %s", strategy)
	}
	list := make([]*net.UDPAddr, len(upstreams))
	for i, u := range upstreams {
		if u == nil {
			return nil, fmt.Errorf("upstream %d is nil", i)
		}
		list[i] = u
	}
	return &Selector{
		strategy:  strategy,
		upstreams: list,
	}, nil
}

// Select returns the upstreams the next query should be sent to. The result
// is never empty and must not be modified.
func (s *Selector) Select() []*net.UDPAddr {
	if s.strategy == FanOut {
		return s.upstreams
	}
	s.mu.Lock()
	i := s.current
	s.current = (s.current + 1) % len(s.upstreams)
	s.mu.Unlock()
	return s.upstreams[i : i+1 : i+1]
}

// IsUpstream returns true if the address is one of the configured upstreams.
func (s *Selector) IsUpstream(addr net.Addr) bool {
	a, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	for _, u := range s.upstreams {
		if u.Port == a.Port && u.IP.Equal(a.IP) {
			return true
		}
	}
	return false
}

// Upstreams returns a copy of the configured upstream addresses.
func (s *Selector) Upstreams() []*net.UDPAddr {
	return append([]*net.UDPAddr(nil), s.upstreams...)
}

// Strategy returns the selection strategy.
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

func (s *Selector) String() string {
	var list []string
	for _, u := range s.upstreams {
		list = append(list, u.String())
	}
	return fmt.Sprintf("%s(%s)", s.strategy, strings.Join(list, ";"))
}
