package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/scorer"
)

// printer formats numbers for step and reasoning text. A fixed locale keeps
// fallback reasoning identical across hosts.
var printer = message.NewPrinter(language.English)

func formatAmount(v float64) string {
	return printer.Sprintf("$%.2f", v)
}

// FallbackDecision is the rule-based verdict used when the collaborator
// cannot decide. It depends only on its inputs, so identical inputs yield a
// byte-identical Decision.
func FallbackDecision(sc *scorer.Scorer, tx model.Transaction, report model.AnomalyReport, pred model.ModelPrediction, risk model.RiskScore) model.Decision {
	cfg := sc.Config()
	action := sc.Action(risk.Score)
	return model.Decision{
		Action:     action,
		Confidence: fallbackConfidence(cfg, report, pred, risk.Score),
		Reasoning:  fallbackReasoning(cfg, action, tx, report, pred, risk),
		KeyFactors: keyFactors(report, pred, risk),
	}
}

// fallbackConfidence starts from whether the model and the anomaly checks
// point the same way, then adds for ensemble consensus and for distance from
// the nearest decision threshold. Capped at 95.
func fallbackConfidence(cfg config.ScoringConfig, report model.AnomalyReport, pred model.ModelPrediction, score int) int {
	modelFlags := pred.BinaryPrediction == 1
	anomalyFlags := report.OverallRisk == model.RiskHigh || report.OverallRisk == model.RiskCritical

	conf := 50
	if modelFlags == anomalyFlags {
		conf = 70
	}
	switch pred.Consensus {
	case model.ConsensusHigh:
		conf += 15
	case model.ConsensusModerate:
		conf += 5
	}
	margin := min(abs(score-cfg.BlockThreshold), abs(score-cfg.ReviewThreshold))
	conf += min(margin/2, 10)
	return min(max(conf, 0), 95)
}

func fallbackReasoning(cfg config.ScoringConfig, action model.Action, tx model.Transaction, report model.AnomalyReport, pred model.ModelPrediction, risk model.RiskScore) string {
	var b strings.Builder
	switch action {
	case model.ActionBlock:
		printer.Fprintf(&b, "CRITICAL FRAUD RISK (score: %d/100). Score is at or above the block threshold of %d.", risk.Score, cfg.BlockThreshold)
	case model.ActionManualReview:
		printer.Fprintf(&b, "SUSPICIOUS ACTIVITY (score: %d/100). Score is between the review threshold of %d and the block threshold of %d; manual verification required.",
			risk.Score, cfg.ReviewThreshold, cfg.BlockThreshold)
	default:
		printer.Fprintf(&b, "LOW RISK (score: %d/100). Score is below the review threshold of %d.", risk.Score, cfg.ReviewThreshold)
	}

	printer.Fprintf(&b, " Transaction of %s at %s.", formatAmount(tx.AmountFloat()), tx.Merchant)
	printer.Fprintf(&b, " Model fraud probability %.1f%% (%s).", pred.FraudProbability*100, pred.Consensus)

	anomalous := 0
	for _, d := range []model.AnomalyDetail{report.Amount, report.Time, report.Location} {
		if d.IsAnomaly {
			b.WriteString(" ")
			b.WriteString(d.Explanation)
			anomalous++
		}
	}
	if anomalous == 0 {
		b.WriteString(" No statistical anomalies detected.")
	}

	if rules := risk.Breakdown.Rules; len(rules) > 0 {
		parts := make([]string, 0, len(rules))
		for _, r := range rules {
			parts = append(parts, fmt.Sprintf("%s (%+.2f)", r.Rule, r.Contribution))
		}
		b.WriteString(" Business rules: " + strings.Join(parts, ", ") + ".")
	}
	b.WriteString(" Decided by rule because the cognitive collaborator was unavailable.")
	return b.String()
}

func keyFactors(report model.AnomalyReport, pred model.ModelPrediction, risk model.RiskScore) []string {
	factors := []string{fmt.Sprintf("Risk score %d/100 (%s)", risk.Score, risk.Category)}
	factors = append(factors, report.RedFlags...)
	factors = append(factors, printer.Sprintf("Model fraud probability %.1f%%", pred.FraudProbability*100))
	for _, r := range risk.Breakdown.Rules {
		factors = append(factors, r.Reason)
	}
	return factors
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// describeAnomalies renders the raw detector output as observation text.
func describeAnomalies(r model.AnomalyReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall anomaly risk %s with %d anomalous dimension(s).", r.OverallRisk, r.TotalAnomalyCount)
	fmt.Fprintf(&b, " Amount: %s", r.Amount.Explanation)
	fmt.Fprintf(&b, " Time: %s", r.Time.Explanation)
	fmt.Fprintf(&b, " Location: %s", r.Location.Explanation)
	if len(r.RedFlags) > 0 {
		fmt.Fprintf(&b, " Red flags: %s.", strings.Join(r.RedFlags, "; "))
	}
	return b.String()
}

// describePrediction renders the raw ensemble output as observation text.
func describePrediction(p model.ModelPrediction) string {
	var b strings.Builder
	printer.Fprintf(&b, "Fraud probability %.1f%% (binary %d at threshold %.2f), %s.",
		p.FraudProbability*100, p.BinaryPrediction, p.ThresholdUsed, p.Consensus)
	if len(p.Members) > 0 {
		parts := make([]string, 0, len(p.Members))
		for _, m := range p.Members {
			parts = append(parts, fmt.Sprintf("%s %.3f", m.Name, m.Probability))
		}
		b.WriteString(" Members: " + strings.Join(parts, ", ") + ".")
	}
	if len(p.TopFeatures) > 0 {
		parts := make([]string, 0, len(p.TopFeatures))
		for _, f := range p.TopFeatures {
			parts = append(parts, fmt.Sprintf("%s %+.2f", f.Feature, f.Contribution))
		}
		b.WriteString(" Top features: " + strings.Join(parts, ", ") + ".")
	}
	return b.String()
}

func describeRisk(r model.RiskScore) string {
	bd := r.Breakdown
	s := fmt.Sprintf("Calculated final risk score: %d/100 (%s). Model %.2f + anomalies %.2f + rules %.2f points.",
		r.Score, r.Category, bd.ModelComponent, bd.AnomalyComponent, bd.RuleComponent)
	if len(bd.Rules) > 0 {
		names := make([]string, 0, len(bd.Rules))
		for _, rc := range bd.Rules {
			names = append(names, fmt.Sprintf("%s %+.2f", rc.Rule, rc.Contribution))
		}
		s += " Rules fired: " + strings.Join(names, ", ") + "."
	}
	return s
}
