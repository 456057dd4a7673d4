package scorer

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// Rule names as they appear in RiskBreakdown.Rules.
const (
	RuleNewMerchant         = "new_merchant"
	RuleAmountMultiple      = "amount_multiple"
	RuleHighRiskCategory    = "high_risk_category"
	RuleFirstTransaction    = "first_transaction"
	RuleEstablishedCustomer = "established_customer"
)

// SeverityWeight normalizes an overall risk label for the anomaly component.
func SeverityWeight(level model.RiskLevel) float64 {
	switch level {
	case model.RiskCritical:
		return 1.0
	case model.RiskHigh:
		return 0.7
	case model.RiskMedium:
		return 0.4
	default:
		return 0.1
	}
}

// Scorer computes risk scores. It holds no mutable state; identical inputs
// always yield identical scores.
type Scorer struct {
	cfg config.ScoringConfig
}

// New creates a Scorer.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scoring configuration.
func (s *Scorer) Config() config.ScoringConfig {
	return s.cfg
}

// Score combines the model probability, the anomaly severity and the
// business rules into a 0-100 score.
func (s *Scorer) Score(tx model.Transaction, hist *model.CustomerHistory, report model.AnomalyReport, pred model.ModelPrediction) model.RiskScore {
	rules := s.EvaluateRules(tx, hist)
	var adj float64
	for _, r := range rules {
		adj += r.Contribution
	}
	adj = clamp(adj, -1, 1)

	b := model.RiskBreakdown{
		ModelComponent:   round2(100 * s.cfg.ModelWeight * clamp(pred.FraudProbability, 0, 1)),
		AnomalyComponent: round2(100 * s.cfg.AnomalyWeight * SeverityWeight(report.OverallRisk)),
		RuleComponent:    round2(100 * s.cfg.RuleWeight * adj),
		RuleAdjustment:   adj,
		Rules:            rules,
	}

	raw := 100 * (s.cfg.ModelWeight*clamp(pred.FraudProbability, 0, 1) +
		s.cfg.AnomalyWeight*SeverityWeight(report.OverallRisk) +
		s.cfg.RuleWeight*adj)
	score := int(clamp(math.Round(raw), 0, 100))

	return model.RiskScore{
		Score:     score,
		Category:  Category(score),
		Breakdown: b,
	}
}

// EvaluateRules runs every enabled business rule and returns the ones that
// fired, each bounded by its max contribution.
func (s *Scorer) EvaluateRules(tx model.Transaction, hist *model.CustomerHistory) []model.RuleContribution {
	r := s.cfg.Rules
	out := []model.RuleContribution{}

	add := func(name string, rc config.RuleConfig, reason string) {
		c := clamp(rc.Contribution, -rc.MaxContribution, rc.MaxContribution)
		out = append(out, model.RuleContribution{Rule: name, Contribution: c, Reason: reason})
	}

	count := 0
	if hist != nil {
		count = hist.TransactionCount
	}

	if r.NewMerchant.Enabled && hist != nil && count > 0 && !hist.KnowsMerchant(tx.Merchant) {
		add(RuleNewMerchant, r.NewMerchant, fmt.Sprintf("first transaction with merchant %s", tx.Merchant))
	}
	if r.AmountMultiple.Enabled && hist != nil && hist.AvgAmount > 0 && r.AmountMultiple.Multiple > 0 {
		if amt := tx.AmountFloat(); amt > r.AmountMultiple.Multiple*hist.AvgAmount {
			add(RuleAmountMultiple, r.AmountMultiple, fmt.Sprintf("amount is %.1fx the customer average", amt/hist.AvgAmount))
		}
	}
	if r.HighRiskCategory.Enabled && slices.ContainsFunc(s.cfg.HighRiskCategories, func(c string) bool {
		return strings.EqualFold(c, tx.Category)
	}) {
		add(RuleHighRiskCategory, r.HighRiskCategory, fmt.Sprintf("category %s has an elevated fraud rate", tx.Category))
	}
	if r.FirstTransaction.Enabled && count == 0 {
		add(RuleFirstTransaction, r.FirstTransaction, "no prior transactions on record")
	}
	if r.EstablishedCustomer.Enabled && count > 0 && count >= r.EstablishedCustomer.MinTransactions {
		add(RuleEstablishedCustomer, r.EstablishedCustomer, fmt.Sprintf("established customer with %d transactions", count))
	}
	return out
}

// Action maps a score to the rule-based decision action.
func (s *Scorer) Action(score int) model.Action {
	switch {
	case score >= s.cfg.BlockThreshold:
		return model.ActionBlock
	case score >= s.cfg.ReviewThreshold:
		return model.ActionManualReview
	default:
		return model.ActionApprove
	}
}

// Category buckets a score: LOW below 30, MEDIUM below 60, HIGH below 85.
func Category(score int) model.RiskLevel {
	switch {
	case score >= 85:
		return model.RiskCritical
	case score >= 60:
		return model.RiskHigh
	case score >= 30:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// AlertLevel is the alert priority attached to a result.
func AlertLevel(score int) model.RiskLevel {
	switch {
	case score >= 86:
		return model.RiskCritical
	case score >= 61:
		return model.RiskHigh
	case score >= 31:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
