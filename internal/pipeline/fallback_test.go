package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/scorer"
)

func TestFallbackConfidence(t *testing.T) {
	cfg := scorer.DefaultScoringConfig()

	tests := []struct {
		name   string
		report model.AnomalyReport
		pred   model.ModelPrediction
		score  int
		want   int
	}{
		{
			name:   "signals agree with high consensus far from thresholds",
			report: model.AnomalyReport{OverallRisk: model.RiskLow},
			pred:   model.ModelPrediction{BinaryPrediction: 0, Consensus: model.ConsensusHigh},
			score:  2,
			want:   95,
		},
		{
			name:   "signals disagree between thresholds",
			report: model.AnomalyReport{OverallRisk: model.RiskLow},
			pred:   model.ModelPrediction{BinaryPrediction: 1, Consensus: model.ConsensusLow},
			score:  65,
			want:   57,
		},
		{
			name:   "moderate consensus on the block threshold",
			report: model.AnomalyReport{OverallRisk: model.RiskHigh},
			pred:   model.ModelPrediction{BinaryPrediction: 1, Consensus: model.ConsensusModerate},
			score:  80,
			want:   75,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackConfidence(cfg, tt.report, tt.pred, tt.score))
		})
	}
}

func TestFallbackDecision_Review(t *testing.T) {
	sc := scorer.New(scorer.DefaultScoringConfig())
	tx := model.Transaction{Amount: decimal.RequireFromString("1250.5"), Merchant: "fraud_Kub PLC"}
	report := model.AnomalyReport{
		OverallRisk: model.RiskMedium,
		Amount:      model.AnomalyDetail{IsAnomaly: true, Explanation: "Amount is 3.2 standard deviations above average."},
		RedFlags:    []string{"unusual amount"},
	}
	pred := model.ModelPrediction{FraudProbability: 0.43, Consensus: model.ConsensusModerate}
	risk := model.RiskScore{
		Score:    62,
		Category: model.RiskHigh,
		Breakdown: model.RiskBreakdown{Rules: []model.RuleContribution{
			{Rule: scorer.RuleNewMerchant, Contribution: 0.5, Reason: "First purchase at this merchant"},
		}},
	}

	d := FallbackDecision(sc, tx, report, pred, risk)
	assert.Equal(t, model.ActionManualReview, d.Action)
	assert.Contains(t, d.Reasoning, "SUSPICIOUS ACTIVITY (score: 62/100)")
	assert.Contains(t, d.Reasoning, "Transaction of $1,250.50 at fraud_Kub PLC.")
	assert.Contains(t, d.Reasoning, "Model fraud probability 43.0% (MODERATE_AGREEMENT).")
	assert.Contains(t, d.Reasoning, "Amount is 3.2 standard deviations above average.")
	assert.Contains(t, d.Reasoning, "Business rules: new_merchant (+0.50).")
	assert.NotContains(t, d.Reasoning, "No statistical anomalies")
	assert.Equal(t, []string{
		"Risk score 62/100 (HIGH)",
		"unusual amount",
		"Model fraud probability 43.0%",
		"First purchase at this merchant",
	}, d.KeyFactors)
}

func TestFallbackDecision_NoAnomalies(t *testing.T) {
	sc := scorer.New(scorer.DefaultScoringConfig())
	tx := model.Transaction{Amount: decimal.RequireFromString("9.99"), Merchant: "m"}

	d := FallbackDecision(sc, tx, model.AnomalyReport{OverallRisk: model.RiskLow}, model.ModelPrediction{}, model.RiskScore{Score: 3})
	assert.Equal(t, model.ActionApprove, d.Action)
	assert.Contains(t, d.Reasoning, "LOW RISK (score: 3/100)")
	assert.Contains(t, d.Reasoning, "No statistical anomalies detected.")
}

func TestRecommendedActions(t *testing.T) {
	assert.Len(t, RecommendedActions(model.ActionBlock), 4)
	assert.Equal(t, "Queue for manual review", RecommendedActions(model.ActionManualReview)[0])
	assert.Equal(t, []string{"Approve transaction", "Log for later review"}, RecommendedActions(model.ActionApprove))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$2.86", formatAmount(2.86))
	assert.Equal(t, "$12,345.60", formatAmount(12345.6))
}
