package model

import "time"

// Phase is a state of the analysis state machine.
type Phase string

const (
	PhasePlanning        Phase = "PLANNING"
	PhaseDataAnalysis    Phase = "DATA_ANALYSIS"
	PhaseModelPrediction Phase = "MODEL_PREDICTION"
	PhaseRiskScoring     Phase = "RISK_SCORING"
	PhaseDecision        Phase = "DECISION"
	PhaseComplete        Phase = "COMPLETE"
	PhaseFailed          Phase = "FAILED"
)

var phaseOrder = map[Phase]int{
	PhasePlanning:        1,
	PhaseDataAnalysis:    2,
	PhaseModelPrediction: 3,
	PhaseRiskScoring:     4,
	PhaseDecision:        5,
	PhaseComplete:        6,
}

// Ordinal returns the position of p in the fixed phase order. FAILED and
// unknown phases return 0.
func (p Phase) Ordinal() int {
	return phaseOrder[p]
}

// Terminal reports whether no further phase may follow p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// SessionStatus is the lifecycle status of an analysis session.
type SessionStatus string

const (
	SessionRunning  SessionStatus = "RUNNING"
	SessionComplete SessionStatus = "COMPLETE"
	SessionFailed   SessionStatus = "FAILED"
)

// StepType is the kind of a reasoning step.
type StepType string

const (
	StepThought     StepType = "THOUGHT"
	StepAction      StepType = "ACTION"
	StepObservation StepType = "OBSERVATION"
	StepDecision    StepType = "DECISION"
)

// Agent identifies which logical agent produced a step.
type Agent string

const (
	AgentCoordinator Agent = "coordinator"
	AgentData        Agent = "data"
	AgentModel       Agent = "model"
)

// StepMetadata annotates a step.
type StepMetadata struct {
	LLMUsed    bool   `json:"llm_used"`
	Fallback   bool   `json:"fallback"`
	Tool       string `json:"tool,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
	Phase      Phase  `json:"phase,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	// Dropped is set on a delivered message when earlier messages were
	// discarded for a slow subscriber.
	Dropped int `json:"dropped,omitempty"`
}

// ReActStep is one entry of the reasoning trace. Never mutated after emission.
type ReActStep struct {
	Step      int          `json:"step"`
	Type      StepType     `json:"type"`
	Agent     Agent        `json:"agent"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Metadata  StepMetadata `json:"metadata"`
}

// Action is the verdict of an analysis.
type Action string

const (
	ActionApprove      Action = "APPROVE"
	ActionBlock        Action = "BLOCK"
	ActionManualReview Action = "MANUAL_REVIEW"
)

// Valid reports whether a is one of the enumerated actions.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionBlock, ActionManualReview:
		return true
	}
	return false
}

// Decision is the terminal verdict of a session.
type Decision struct {
	Action     Action   `json:"action"`
	Confidence int      `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	KeyFactors []string `json:"key_factors"`
}

// TokenUsage tracks collaborator consumption.
type TokenUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Total returns input plus output tokens.
func (t TokenUsage) Total() int64 {
	return t.InputTokens + t.OutputTokens
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.Calls += other.Calls
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CostUSD += other.CostUSD
}

// AnalysisSession is a read-only snapshot of a running or finished session.
type AnalysisSession struct {
	ID           string        `json:"id"`
	Transaction  Transaction   `json:"transaction"`
	CurrentPhase Phase         `json:"current_phase"`
	Steps        []ReActStep   `json:"steps"`
	Status       SessionStatus `json:"status"`
	Usage        TokenUsage    `json:"usage"`
	StartedAt    time.Time     `json:"started_at"`
}

// AnalysisResult is the full outcome returned to callers and archived.
type AnalysisResult struct {
	SessionID          string          `json:"session_id"`
	TransactionID      string          `json:"transaction_id"`
	AnalysisTimestamp  time.Time       `json:"analysis_timestamp"`
	Decision           Decision        `json:"decision"`
	RiskScore          int             `json:"risk_score"`
	RiskCategory       RiskLevel       `json:"risk_category"`
	RiskBreakdown      RiskBreakdown   `json:"risk_breakdown"`
	ModelPrediction    ModelPrediction `json:"model_prediction"`
	Anomalies          AnomalyReport   `json:"anomalies"`
	ReactSteps         []ReActStep     `json:"react_steps"`
	RecommendedActions []string        `json:"recommended_actions"`
	AlertLevel         RiskLevel       `json:"alert_level"`
	Plan               []string        `json:"plan,omitempty"`
	FallbackDecision   bool            `json:"fallback_decision"`
	ProcessingTimeMS   int64           `json:"processing_time_ms"`
	LLMCallsMade       int             `json:"llm_calls_made"`
	TotalTokensUsed    int64           `json:"total_tokens_used"`
	TotalCostUSD       float64         `json:"total_cost_usd"`
}

// AnalysisSummary is the listing view of an archived analysis.
type AnalysisSummary struct {
	SessionID     string    `json:"session_id"`
	TransactionID string    `json:"transaction_id"`
	CustomerID    string    `json:"customer_id"`
	Action        Action    `json:"action"`
	RiskScore     int       `json:"risk_score"`
	Fallback      bool      `json:"fallback_decision"`
	CreatedAt     time.Time `json:"created_at"`
}
