package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/internal/store"
)

// mockStore implements store.Store for testing. Analyses are returned in the
// order given, which tests keep newest first like the real stores.
type mockStore struct {
	analyses []model.AnalysisSummary
	listErr  error
	filters  []store.AnalysisFilter
}

func (m *mockStore) ListAnalyses(_ context.Context, filter store.AnalysisFilter) ([]model.AnalysisSummary, error) {
	m.filters = append(m.filters, filter)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.analyses, nil
}

// Unused store methods satisfy the interface.
func (m *mockStore) SaveAnalysis(context.Context, model.Transaction, *model.AnalysisResult) error {
	return nil
}
func (m *mockStore) GetAnalysis(context.Context, string) (*model.AnalysisResult, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) DeleteBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (m *mockStore) Migrate(context.Context) error                        { return nil }
func (m *mockStore) Ping(context.Context) error                           { return nil }
func (m *mockStore) Close() error                                         { return nil }

var collectNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func fixedCollector(st store.Store, acc *cost.Accumulator) *Collector {
	c := NewCollector(st, acc)
	c.nowFunc = func() time.Time { return collectNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	st := &mockStore{analyses: []model.AnalysisSummary{
		{Action: model.ActionBlock, RiskScore: 92, Fallback: true, CreatedAt: collectNow.Add(-time.Hour)},
		{Action: model.ActionManualReview, RiskScore: 61, CreatedAt: collectNow.Add(-2 * time.Hour)},
		{Action: model.ActionApprove, RiskScore: 3, Fallback: true, CreatedAt: collectNow.Add(-3 * time.Hour)},
		{Action: model.ActionApprove, RiskScore: 4, CreatedAt: collectNow.Add(-4 * time.Hour)},
		// Outside the 24h window.
		{Action: model.ActionBlock, RiskScore: 99, CreatedAt: collectNow.Add(-30 * time.Hour)},
	}}
	acc := cost.NewAccumulator()
	acc.Record(model.TokenUsage{Calls: 3, InputTokens: 300, OutputTokens: 60, CostUSD: 0.0012})

	snap, err := fixedCollector(st, acc).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 2, snap.Approved)
	assert.Equal(t, 1, snap.Reviewed)
	assert.Equal(t, 1, snap.Blocked)
	assert.Equal(t, 2, snap.Fallback)
	assert.InDelta(t, 0.25, snap.BlockRate, 1e-9)
	assert.InDelta(t, 0.5, snap.FallbackRate, 1e-9)
	assert.InDelta(t, 40.0, snap.AvgRiskScore, 1e-9)
	assert.Equal(t, 3, snap.CollaboratorCalls)
	assert.InDelta(t, 0.0012, snap.CollaboratorCostUSD, 1e-12)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)

	require.Len(t, st.filters, 1)
	assert.Equal(t, scanLimit, st.filters[0].Limit)
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := fixedCollector(&mockStore{}, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Total)
	assert.Zero(t, snap.BlockRate)
	assert.Zero(t, snap.FallbackRate)
	assert.Zero(t, snap.CollaboratorCostUSD)
}

func TestCollector_Collect_ListError(t *testing.T) {
	st := &mockStore{listErr: errors.New("db down")}

	_, err := fixedCollector(st, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list analyses")
}

func TestCollector_Collect_Circuit(t *testing.T) {
	c := fixedCollector(&mockStore{}, nil).WithCircuit(func() resilience.BreakerSnapshot {
		return resilience.BreakerSnapshot{State: resilience.CircuitOpen, Trips: 3}
	})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "open", snap.CollaboratorCircuit)
	assert.Equal(t, 3, snap.CollaboratorCircuitTrips)
}

func TestCollector_Collect_NoCircuit(t *testing.T) {
	snap, err := fixedCollector(&mockStore{}, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Empty(t, snap.CollaboratorCircuit)
}
