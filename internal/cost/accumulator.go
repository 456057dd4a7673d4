package cost

import (
	"sync"
	"time"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Accumulator is the single process-wide counter of collaborator calls,
// tokens and spend. It is safe for concurrent use and is injected wherever
// usage is recorded; nothing else holds global usage state.
type Accumulator struct {
	mu      sync.Mutex
	usage   model.TokenUsage
	since   time.Time
	nowFunc func() time.Time
}

// Snapshot is a point-in-time copy of the accumulated usage.
type Snapshot struct {
	model.TokenUsage
	TotalTokens int64     `json:"total_tokens"`
	Since       time.Time `json:"since"`
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{since: time.Now(), nowFunc: time.Now}
}

// Record adds one call's usage.
func (a *Accumulator) Record(u model.TokenUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Add(u)
}

// Snapshot returns the current totals.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{TokenUsage: a.usage, TotalTokens: a.usage.Total(), Since: a.since}
}

// Reset zeroes the counters and returns the totals they held.
func (a *Accumulator) Reset() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := Snapshot{TokenUsage: a.usage, TotalTokens: a.usage.Total(), Since: a.since}
	a.usage = model.TokenUsage{}
	a.since = a.nowFunc()
	return prev
}
