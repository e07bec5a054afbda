// Package balancer chooses which upstream of a route receives a request.
package balancer

import (
	"fmt"

	"github.com/antoncomputershare/reverse-proxy/internal/route"
)

// Selector picks one upstream from a route's upstream list.
//
// Implementations must be safe for concurrent use; the forwarding path calls
// Select from every request goroutine.
type Selector interface {
	// Select returns the chosen upstream, or false when none is available.
	Select(upstreams []route.Upstream) (*route.Upstream, bool)

	// Name returns the strategy name for logging.
	Name() string
}

// StrategyFirst is the name of the FirstAvailable strategy.
const StrategyFirst = "first"

// New returns the selector registered under name. An empty name selects
// the default strategy.
func New(name string) (Selector, error) {
	switch name {
	case "", StrategyFirst:
		return FirstAvailable{}, nil
	default:
		return nil, fmt.Errorf("unknown upstream selector %q", name)
	}
}

// FirstAvailable always returns the first upstream in the list. It does not
// consult weights or failure counters.
type FirstAvailable struct{}

// Select returns upstreams[0], or false for an empty list.
func (FirstAvailable) Select(upstreams []route.Upstream) (*route.Upstream, bool) {
	if len(upstreams) == 0 {
		return nil, false
	}
	return &upstreams[0], true
}

// Name implements Selector.
func (FirstAvailable) Name() string { return StrategyFirst }
