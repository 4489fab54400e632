package engine

import (
	"context"

	"github.com/lazypower/memvault/internal/meter"
)

// Stats is an agent's usage plus what it currently stores.
type Stats struct {
	meter.AgentStats
	LiveRecords int
	StoredBytes int64
}

// Stats returns the agent's usage counters and storage footprint. Reading
// stats is free.
func (e *Engine) Stats(ctx context.Context, agentID string) (Stats, error) {
	if err := validateAgentID(agentID); err != nil {
		return Stats{}, err
	}
	usage, err := e.meter.StatsFor(ctx, agentID)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{AgentStats: usage}
	if p := e.partition(agentID); p != nil {
		s.LiveRecords, s.StoredBytes = p.usage(e.clock())
	}
	return s, nil
}
