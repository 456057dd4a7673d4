// Package monitoring watches archived decisions and collaborator spend and
// raises webhook alerts when they drift past configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/internal/store"
)

// scanLimit bounds how many archived analyses one collection reads.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of decision health.
type MetricsSnapshot struct {
	// Decisions within the lookback window.
	Total        int     `json:"total"`
	Approved     int     `json:"approved"`
	Reviewed     int     `json:"reviewed"`
	Blocked      int     `json:"blocked"`
	Fallback     int     `json:"fallback"`
	BlockRate    float64 `json:"block_rate"`
	FallbackRate float64 `json:"fallback_rate"`
	AvgRiskScore float64 `json:"avg_risk_score"`

	// Collaborator spend since the accumulator was last reset.
	CollaboratorCalls   int     `json:"collaborator_calls"`
	CollaboratorCostUSD float64 `json:"collaborator_cost_usd"`

	// Collaborator circuit breaker, when one is attached.
	CollaboratorCircuit      string `json:"collaborator_circuit,omitempty"`
	CollaboratorCircuitTrips int    `json:"collaborator_circuit_trips,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the archive and the usage accumulator.
type Collector struct {
	store   store.Store
	usage   *cost.Accumulator
	circuit func() resilience.BreakerSnapshot
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. usage may be nil.
func NewCollector(st store.Store, usage *cost.Accumulator) *Collector {
	return &Collector{store: st, usage: usage, nowFunc: time.Now}
}

// WithCircuit attaches the collaborator breaker to every snapshot.
func (c *Collector) WithCircuit(fn func() resilience.BreakerSnapshot) *Collector {
	c.circuit = fn
	return c
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Listing is newest first, so the scan stops at the first older row.
	list, err := c.store.ListAnalyses(ctx, store.AnalysisFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list analyses")
	}

	var scoreSum int
	for _, a := range list {
		if a.CreatedAt.Before(cutoff) {
			break
		}
		snap.Total++
		scoreSum += a.RiskScore
		switch a.Action {
		case model.ActionApprove:
			snap.Approved++
		case model.ActionManualReview:
			snap.Reviewed++
		case model.ActionBlock:
			snap.Blocked++
		}
		if a.Fallback {
			snap.Fallback++
		}
	}

	if snap.Total > 0 {
		snap.BlockRate = float64(snap.Blocked) / float64(snap.Total)
		snap.FallbackRate = float64(snap.Fallback) / float64(snap.Total)
		snap.AvgRiskScore = float64(scoreSum) / float64(snap.Total)
	}

	if c.usage != nil {
		u := c.usage.Snapshot()
		snap.CollaboratorCalls = u.Calls
		snap.CollaboratorCostUSD = u.CostUSD
	}
	if c.circuit != nil {
		b := c.circuit()
		snap.CollaboratorCircuit = b.State.String()
		snap.CollaboratorCircuitTrips = b.Trips
	}

	return snap, nil
}
