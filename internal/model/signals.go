package model

// Severity buckets a statistical deviation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities from low (0) to high (2).
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// RiskLevel is the aggregate label for anomalies, scores and alerts.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// AnomalyDetail is the verdict for one anomaly dimension.
type AnomalyDetail struct {
	Score       float64  `json:"score"`
	IsAnomaly   bool     `json:"is_anomaly"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
}

// AnomalyReport aggregates the amount, time and location checks.
type AnomalyReport struct {
	Amount            AnomalyDetail `json:"amount"`
	Time              AnomalyDetail `json:"time"`
	Location          AnomalyDetail `json:"location"`
	OverallRisk       RiskLevel     `json:"overall_risk"`
	RedFlags          []string      `json:"red_flags"`
	TotalAnomalyCount int           `json:"total_anomaly_count"`
	ZScore            float64       `json:"z_score"`
	DistanceKM        float64       `json:"distance_km"`
	Hour              int           `json:"hour"`
}

// Consensus describes how closely ensemble members agree.
type Consensus string

const (
	ConsensusHigh     Consensus = "HIGH_AGREEMENT"
	ConsensusModerate Consensus = "MODERATE_AGREEMENT"
	ConsensusLow      Consensus = "LOW_AGREEMENT"
)

// MemberScore is one ensemble member's fraud probability.
type MemberScore struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// FeatureContribution is a signed contribution of one feature to the primary member's logit.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// ModelPrediction is the ensemble output for a transaction.
type ModelPrediction struct {
	FraudProbability float64               `json:"fraud_probability"`
	BinaryPrediction int                   `json:"binary_prediction"`
	ModelName        string                `json:"model_name"`
	ArtifactVersion  string                `json:"artifact_version"`
	Members          []MemberScore         `json:"ensemble_predictions"`
	Consensus        Consensus             `json:"consensus"`
	ThresholdUsed    float64               `json:"threshold_used"`
	TopFeatures      []FeatureContribution `json:"top_features,omitempty"`
}

// RuleContribution records one business rule that fired.
type RuleContribution struct {
	Rule         string  `json:"rule"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason"`
}

// RiskBreakdown attributes a risk score to its components, in score points.
type RiskBreakdown struct {
	ModelComponent   float64            `json:"model_contribution"`
	AnomalyComponent float64            `json:"anomaly_contribution"`
	RuleComponent    float64            `json:"business_rules_contribution"`
	RuleAdjustment   float64            `json:"rule_adjustment"`
	Rules            []RuleContribution `json:"rules,omitempty"`
}

// RiskScore is the deterministic 0-100 score.
type RiskScore struct {
	Score     int           `json:"risk_score"`
	Category  RiskLevel     `json:"category"`
	Breakdown RiskBreakdown `json:"breakdown"`
}
