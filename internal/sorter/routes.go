package sorter

import (
	"fmt"
	"sort"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
)

// RouteTable is the validated {input -> (channel, delay)} mapping.
type RouteTable struct {
	routes       []types.Route
	inputCount   int
	channelCount int
}

// NewRouteTable validates routes against the configured input and channel
// counts. Every failure wraps types.ErrConfigMismatch.
func NewRouteTable(routes []types.Route, inputCount, channelCount int) (*RouteTable, error) {
	if inputCount <= 0 {
		return nil, fmt.Errorf("%w: input count must be positive, got %d", types.ErrConfigMismatch, inputCount)
	}
	if channelCount <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive, got %d", types.ErrConfigMismatch, channelCount)
	}

	seen := make(map[int]bool, len(routes))
	sorted := make([]types.Route, 0, len(routes))

	for i, r := range routes {
		if r.Input < 0 || r.Input >= inputCount {
			return nil, fmt.Errorf("%w: route %d: input %d out of range [0,%d)",
				types.ErrConfigMismatch, i, r.Input, inputCount)
		}
		if r.Channel < 0 || int(r.Channel) >= channelCount {
			return nil, fmt.Errorf("%w: route %d: channel %d out of range [0,%d)",
				types.ErrConfigMismatch, i, r.Channel, channelCount)
		}
		if r.Delay < 0 {
			return nil, fmt.Errorf("%w: route %d: negative delay %s",
				types.ErrConfigMismatch, i, r.Delay)
		}
		if seen[r.Input] {
			return nil, fmt.Errorf("%w: route %d: input %d mapped twice",
				types.ErrConfigMismatch, i, r.Input)
		}
		seen[r.Input] = true
		sorted = append(sorted, r)
	}

	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Input < sorted[b].Input })

	return &RouteTable{
		routes:       sorted,
		inputCount:   inputCount,
		channelCount: channelCount,
	}, nil
}

func (t *RouteTable) InputCount() int   { return t.inputCount }
func (t *RouteTable) ChannelCount() int { return t.channelCount }

// Routes returns a copy ordered by input index.
func (t *RouteTable) Routes() []types.Route {
	out := make([]types.Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Lookup returns the route for an input index.
func (t *RouteTable) Lookup(input int) (types.Route, bool) {
	for _, r := range t.routes {
		if r.Input == input {
			return r, true
		}
	}
	return types.Route{}, false
}

// DelayFor returns the delay configured for a channel's first route.
// Channels without a route report zero and false.
func (t *RouteTable) DelayFor(ch types.Channel) (time.Duration, bool) {
	for _, r := range t.routes {
		if r.Channel == ch {
			return r.Delay, true
		}
	}
	return 0, false
}
