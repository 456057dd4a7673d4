// Package scorer combines anomaly and model signals into a deterministic
// 0-100 risk score.
package scorer

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fraud-analyst/internal/config"
)

// DefaultScoringConfig returns a config.ScoringConfig with sensible defaults.
// Weights sum to 1.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		// Weights (sum = 1).
		ModelWeight:   0.50,
		AnomalyWeight: 0.40,
		RuleWeight:    0.10,

		// Decision thresholds.
		BlockThreshold:  80,
		ReviewThreshold: 50,

		HighRiskCategories: []string{"shopping_net", "misc_net", "grocery_pos"},

		Rules: config.RulesConfig{
			NewMerchant:         config.RuleConfig{Enabled: true, Contribution: 0.5, MaxContribution: 0.5},
			AmountMultiple:      config.RuleConfig{Enabled: true, Contribution: 0.5, MaxContribution: 0.5, Multiple: 5},
			HighRiskCategory:    config.RuleConfig{Enabled: true, Contribution: 0.3, MaxContribution: 0.5},
			FirstTransaction:    config.RuleConfig{Enabled: true, Contribution: 0.3, MaxContribution: 0.5},
			EstablishedCustomer: config.RuleConfig{Enabled: true, Contribution: -0.3, MaxContribution: 0.5, MinTransactions: 50},
		},
	}
}

// WeightSum returns the sum of the component weights.
func WeightSum(c config.ScoringConfig) float64 {
	return c.ModelWeight + c.AnomalyWeight + c.RuleWeight
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	weights := []struct {
		name string
		w    float64
	}{
		{"model_weight", c.ModelWeight},
		{"anomaly_weight", c.AnomalyWeight},
		{"rule_weight", c.RuleWeight},
	}
	for _, w := range weights {
		if w.w < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", w.name))
		}
	}

	// Allow tolerance for floating-point.
	if sum := WeightSum(c); math.Abs(sum-1) > 0.001 {
		errs = append(errs, fmt.Sprintf("weights should sum to 1, got %.3f", sum))
	}

	if c.BlockThreshold < 0 || c.BlockThreshold > 100 {
		errs = append(errs, "block_threshold must be between 0 and 100")
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 100 {
		errs = append(errs, "review_threshold must be between 0 and 100")
	}
	if c.ReviewThreshold > c.BlockThreshold {
		errs = append(errs, "review_threshold must be <= block_threshold")
	}

	rules := map[string]config.RuleConfig{
		RuleNewMerchant:         c.Rules.NewMerchant,
		RuleAmountMultiple:      c.Rules.AmountMultiple,
		RuleHighRiskCategory:    c.Rules.HighRiskCategory,
		RuleFirstTransaction:    c.Rules.FirstTransaction,
		RuleEstablishedCustomer: c.Rules.EstablishedCustomer,
	}
	for _, name := range slices.Sorted(maps.Keys(rules)) {
		r := rules[name]
		if !r.Enabled {
			continue
		}
		if r.MaxContribution <= 0 || r.MaxContribution > 1 {
			errs = append(errs, fmt.Sprintf("rules.%s.max_contribution must be > 0 and <= 1", name))
		}
	}
	if c.Rules.AmountMultiple.Enabled && c.Rules.AmountMultiple.Multiple <= 0 {
		errs = append(errs, "rules.amount_multiple.multiple must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
