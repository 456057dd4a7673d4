package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fraud-analyst/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func testResult(session, customer string, action model.Action, score int, at time.Time) (model.Transaction, *model.AnalysisResult) {
	tx := model.Transaction{ID: "tx-" + session, CustomerID: customer, Merchant: "fraud_Kub PLC"}
	return tx, &model.AnalysisResult{
		SessionID:         session,
		TransactionID:     tx.ID,
		AnalysisTimestamp: at,
		Decision: model.Decision{
			Action:     action,
			Confidence: 80,
			Reasoning:  "test",
			KeyFactors: []string{"distance"},
		},
		RiskScore:          score,
		RiskCategory:       model.RiskHigh,
		RecommendedActions: []string{"Queue for manual review"},
		ReactSteps: []model.ReActStep{
			{Step: 1, Type: model.StepThought, Agent: model.AgentCoordinator, Content: "Analyzing.", Timestamp: at},
		},
		FallbackDecision: action == model.ActionBlock,
	}
}

func TestSQLite_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tx, r := testResult("s-1", "cust-1", model.ActionManualReview, 62, base)
	require.NoError(t, st.SaveAnalysis(ctx, tx, r))

	got, err := st.GetAnalysis(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-s-1", got.TransactionID)
	assert.Equal(t, model.ActionManualReview, got.Decision.Action)
	assert.Equal(t, 62, got.RiskScore)
	require.Len(t, got.ReactSteps, 1)
	assert.Equal(t, "Analyzing.", got.ReactSteps[0].Content)
	assert.True(t, base.Equal(got.AnalysisTimestamp))
}

func TestSQLite_SaveIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tx, r := testResult("s-1", "cust-1", model.ActionManualReview, 62, base)
	require.NoError(t, st.SaveAnalysis(ctx, tx, r))
	r.Decision.Action = model.ActionBlock
	r.RiskScore = 81
	require.NoError(t, st.SaveAnalysis(ctx, tx, r))

	list, err := st.ListAnalyses(ctx, AnalysisFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ActionBlock, list[0].Action)
	assert.Equal(t, 81, list[0].RiskScore)
}

func TestSQLite_GetAnalysis_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetAnalysis(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListAnalyses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, c := range []struct {
		customer string
		action   model.Action
		score    int
	}{
		{"cust-1", model.ActionApprove, 2},
		{"cust-1", model.ActionBlock, 93},
		{"cust-2", model.ActionBlock, 88},
		{"cust-2", model.ActionManualReview, 55},
	} {
		tx, r := testResult(string(rune('a'+i)), c.customer, c.action, c.score, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, st.SaveAnalysis(ctx, tx, r))
	}

	all, err := st.ListAnalyses(ctx, AnalysisFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].SessionID, "newest first")
	assert.Equal(t, "a", all[3].SessionID)

	byCustomer, err := st.ListAnalyses(ctx, AnalysisFilter{CustomerID: "cust-1"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 2)
	assert.Equal(t, "cust-1", byCustomer[0].CustomerID)

	blocked, err := st.ListAnalyses(ctx, AnalysisFilter{Action: model.ActionBlock})
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	for _, a := range blocked {
		assert.True(t, a.Fallback)
	}

	page, err := st.ListAnalyses(ctx, AnalysisFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].SessionID)
	assert.Equal(t, "b", page[1].SessionID)
}

func TestSQLite_DeleteBefore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old, r1 := testResult("old", "c", model.ActionApprove, 1, base.Add(-48*time.Hour))
	recent, r2 := testResult("recent", "c", model.ActionApprove, 1, base)
	require.NoError(t, st.SaveAnalysis(ctx, old, r1))
	require.NoError(t, st.SaveAnalysis(ctx, recent, r2))

	n, err := st.DeleteBefore(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetAnalysis(ctx, "old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = st.GetAnalysis(ctx, "recent")
	assert.NoError(t, err)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestLimitOrDefault(t *testing.T) {
	assert.Equal(t, 100, limitOrDefault(0))
	assert.Equal(t, 100, limitOrDefault(-1))
	assert.Equal(t, 5, limitOrDefault(5))
}
