package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fraud-analyst/internal/anomaly"
	"github.com/sells-group/fraud-analyst/internal/cognitive"
	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/predictor"
	"github.com/sells-group/fraud-analyst/internal/publish"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/internal/scorer"
	"github.com/sells-group/fraud-analyst/internal/session"
	"github.com/sells-group/fraud-analyst/pkg/anthropic"
)

const testArtifact = `
name: pipeline-ensemble
version: "p1"
features: [log_distance_km, is_night, new_merchant, category_risk]
default_category_risk: 0.2
category_risk:
  shopping_net: 0.6
members:
  - name: xgboost
    primary: true
    threshold: 0.5
    bias: -6
    weights: {log_distance_km: 0.8, is_night: 2.0, new_merchant: 1.0, category_risk: 2.0}
  - name: random_forest
    threshold: 0.5
    bias: -5.8
    weights: {log_distance_km: 0.8, is_night: 2.0, new_merchant: 1.0, category_risk: 2.0}
  - name: logistic
    threshold: 0.5
    bias: -6.2
    weights: {log_distance_km: 0.8, is_night: 2.0, new_merchant: 1.0, category_risk: 2.0}
`

const (
	validInterpretation = `{"type":"interpretation","explanation":"Nothing unusual for this customer.","tool":{"name":"anomaly_detector","parameters":{"z_score":-1.4}}}`
	validPlan           = `{"type":"plan","focus":["location","time"],"rationale":"Card-not-present purchase late at night."}`
	approveDecision     = `{"type":"decision","action":"APPROVE","confidence":88,"reasoning":"Routine purchase near home.","key_factors":["known merchant","usual hour"]}`
	invalidDecision     = `{"type":"decision","action":"ESCALATE","confidence":70,"reasoning":"Unsure.","key_factors":["x"]}`
)

var home = model.Location{Lat: 31.8599, Long: -102.7413}

func anomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		ZThreshold:          3,
		ZHighThreshold:      4,
		StdFloor:            1,
		HighRiskStartHour:   22,
		HighRiskEndHour:     6,
		DistanceThresholdKM: 100,
		DistanceHighKM:      500,
		MaxTravelKMH:        900,
		BenfordThreshold:    0.05,
		DefaultAvgAmount:    100,
		DefaultStdAmount:    50,
		DefaultUsualHours:   []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	}
}

// lowRisk is a small daytime purchase at a known merchant near home.
func lowRisk() model.AnalysisRequest {
	return model.AnalysisRequest{
		Transaction: model.Transaction{
			ID:               "tx-a",
			Amount:           decimal.RequireFromString("2.86"),
			Merchant:         "fraud_Rippin, Kub and Mann",
			Category:         "personal_care",
			Timestamp:        time.Date(2026, 6, 21, 12, 14, 0, 0, time.UTC),
			MerchantLocation: model.Location{Lat: 31.8707, Long: -102.7413},
			CustomerID:       "cust-a",
		},
		History: &model.CustomerHistory{
			AvgAmount: 45, StdAmount: 30, UsualHours: []int{9, 12, 18},
			TransactionCount: 120, HomeLocation: &home,
			KnownMerchants: []string{"fraud_Rippin, Kub and Mann"},
		},
	}
}

// highRisk is a late-night online purchase 2,500 km from home at a new
// merchant.
func highRisk() model.AnalysisRequest {
	return model.AnalysisRequest{
		Transaction: model.Transaction{
			ID:               "tx-b",
			Amount:           decimal.RequireFromString("24.84"),
			Merchant:         "fraud_Heller, Gutmann and Zieme",
			Category:         "shopping_net",
			Timestamp:        time.Date(2026, 6, 21, 22, 40, 0, 0, time.UTC),
			MerchantLocation: model.Location{Lat: 40.7128, Long: -74.0060},
			CustomerID:       "cust-b",
		},
		History: &model.CustomerHistory{
			AvgAmount: 60, StdAmount: 30, UsualHours: []int{9, 10, 17},
			TransactionCount: 40, HomeLocation: &home,
			KnownMerchants: []string{"fraud_Kirlin and Sons"},
		},
	}
}

func newTestPredictor(t *testing.T) *predictor.Predictor {
	t.Helper()
	a, err := predictor.ParseArtifact([]byte(testArtifact))
	require.NoError(t, err)
	return predictor.New(a, predictor.NewFeatureBuilder(anomalyConfig()), 0.15)
}

func newInterpreter(client *mockAnthropicClient, acc *cost.Accumulator, timeout time.Duration) *cognitive.Interpreter {
	return cognitive.New(client,
		config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 512, Temperature: 0.2},
		config.CognitiveConfig{Timeout: timeout, MaxAttempts: 2, BreakerThreshold: 5, BreakerReset: time.Minute},
		nil, acc)
}

// newTestPipeline builds a pipeline with real local components. A nil
// client leaves the collaborator unconfigured.
func newTestPipeline(t *testing.T, client *mockAnthropicClient, mutate func(*Deps)) *Pipeline {
	t.Helper()
	acc := cost.NewAccumulator()
	d := Deps{
		Detector:  anomaly.New(anomalyConfig()),
		Predictor: newTestPredictor(t),
		Scorer:    scorer.New(scorer.DefaultScoringConfig()),
		Sessions:  session.NewRegistry(config.SessionConfig{BufferSize: 64, Retention: time.Minute}),
		Usage:     acc,
	}
	if client != nil {
		d.Cognitive = newInterpreter(client, acc, time.Second)
	}
	if mutate != nil {
		mutate(&d)
	}
	p := New(d)
	t.Cleanup(p.Sessions().Shutdown)
	return p
}

func stepPhases(steps []model.ReActStep) []model.Phase {
	out := make([]model.Phase, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Metadata.Phase)
	}
	return out
}

func stepTypes(steps []model.ReActStep) []model.StepType {
	out := make([]model.StepType, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Type)
	}
	return out
}

var wantPhases = []model.Phase{
	model.PhasePlanning,
	model.PhaseDataAnalysis, model.PhaseDataAnalysis,
	model.PhaseModelPrediction, model.PhaseModelPrediction,
	model.PhaseRiskScoring,
	model.PhaseDecision,
}

var wantTypes = []model.StepType{
	model.StepThought,
	model.StepAction, model.StepObservation,
	model.StepAction, model.StepObservation,
	model.StepAction,
	model.StepDecision,
}

func TestAnalyze_LowRiskApproves(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(approveDecision), nil).Once()

	p := newTestPipeline(t, mc, nil)
	result, err := p.Analyze(context.Background(), lowRisk())
	require.NoError(t, err)

	assert.Equal(t, model.ActionApprove, result.Decision.Action)
	assert.Equal(t, 88, result.Decision.Confidence)
	assert.Less(t, result.RiskScore, 50)
	assert.Equal(t, model.RiskLow, result.RiskCategory)
	assert.Equal(t, model.RiskLow, result.Anomalies.OverallRisk)
	assert.Equal(t, 0, result.ModelPrediction.BinaryPrediction)
	assert.False(t, result.FallbackDecision)
	assert.Equal(t, []string{"Approve transaction", "Log for later review"}, result.RecommendedActions)
	assert.Equal(t, cognitive.Dimensions, result.Plan)

	require.Len(t, result.ReactSteps, 7)
	for i, s := range result.ReactSteps {
		assert.Equal(t, i+1, s.Step)
	}
	assert.Equal(t, wantTypes, stepTypes(result.ReactSteps))
	assert.Equal(t, wantPhases, stepPhases(result.ReactSteps))
	assert.Equal(t, "Nothing unusual for this customer.", result.ReactSteps[2].Content)
	assert.True(t, result.ReactSteps[2].Metadata.LLMUsed)

	assert.Equal(t, 3, result.LLMCallsMade)
	assert.Equal(t, int64(360), result.TotalTokensUsed)
	assert.InDelta(t, 0.00048, result.TotalCostUSD, 1e-9)
	assert.Equal(t, 3, p.Usage().Snapshot().Calls)
	mc.AssertExpectations(t)
}

func TestAnalyze_HighRiskBlocksWithoutCollaborator(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	result, err := p.Analyze(context.Background(), highRisk())
	require.NoError(t, err)

	assert.Equal(t, model.ActionBlock, result.Decision.Action)
	assert.GreaterOrEqual(t, result.RiskScore, 80)
	assert.Equal(t, model.RiskCritical, result.RiskCategory)
	assert.Equal(t, model.RiskCritical, result.Anomalies.OverallRisk)
	assert.Equal(t, 1, result.ModelPrediction.BinaryPrediction)
	assert.True(t, result.FallbackDecision)
	assert.Zero(t, result.LLMCallsMade)
	assert.Zero(t, result.TotalCostUSD)
	assert.Contains(t, result.RecommendedActions, "Block transaction immediately")

	require.Len(t, result.ReactSteps, 7)
	assert.Equal(t, wantPhases, stepPhases(result.ReactSteps))
	for _, i := range []int{2, 4, 6} {
		assert.True(t, result.ReactSteps[i].Metadata.Fallback, "step %d", i+1)
		assert.False(t, result.ReactSteps[i].Metadata.LLMUsed, "step %d", i+1)
	}
	assert.Contains(t, result.ReactSteps[2].Content, "Overall anomaly risk CRITICAL")
	assert.Contains(t, result.ReactSteps[5].Content, "Calculated final risk score")
	assert.Contains(t, result.Decision.Reasoning, "CRITICAL FRAUD RISK")
}

func TestAnalyze_DecisionTimeoutFallsBack(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	p := newTestPipeline(t, mc, func(d *Deps) {
		d.Cognitive = newInterpreter(mc, d.Usage, 50*time.Millisecond)
	})
	req := highRisk()
	result, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.FallbackDecision)
	assert.Equal(t, model.ActionBlock, result.Decision.Action)
	last := result.ReactSteps[len(result.ReactSteps)-1]
	assert.Equal(t, model.StepDecision, last.Type)
	assert.True(t, last.Metadata.Fallback)
	assert.Equal(t, 1, last.Metadata.Attempts)

	want := FallbackDecision(scorer.New(scorer.DefaultScoringConfig()), req.Transaction, result.Anomalies, result.ModelPrediction,
		model.RiskScore{Score: result.RiskScore, Category: result.RiskCategory, Breakdown: result.RiskBreakdown})
	assert.Equal(t, want, result.Decision)
	mc.AssertExpectations(t)
}

func TestAnalyze_CorrectedRetryThenFallback(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(invalidDecision), nil).Twice()

	p := newTestPipeline(t, mc, nil)
	result, err := p.Analyze(context.Background(), highRisk())
	require.NoError(t, err)

	last := result.ReactSteps[len(result.ReactSteps)-1]
	assert.True(t, last.Metadata.Fallback)
	assert.Equal(t, 2, last.Metadata.Attempts)
	assert.Equal(t, int64(240), last.Metadata.TokensUsed)
	assert.True(t, result.FallbackDecision)
	// Rejected responses are still billed.
	assert.Equal(t, 4, result.LLMCallsMade)
	mc.AssertNumberOfCalls(t, "CreateMessage", 4)
}

// promptLog records the user message of every collaborator request.
type promptLog struct {
	mu      sync.Mutex
	prompts []string
}

func (l *promptLog) record(args mock.Arguments) {
	req := args.Get(1).(anthropic.MessageRequest)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, req.Messages[0].Content)
}

func (l *promptLog) matching(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, p := range l.prompts {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func TestStream_MalformedResponsesRetryOnceThenFallBack(t *testing.T) {
	const (
		emptyToolInterpretation = `{"type":"interpretation","explanation":"Looks routine.","tool":{"name":"anomaly_detector","parameters":{}}}`
		textConfidenceDecision  = `{"type":"decision","action":"APPROVE","confidence":"high","reasoning":"Looks routine.","key_factors":["k"]}`
		rejected                = "Your previous response was rejected"
	)

	log := &promptLog{}
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Run(log.record).
		Return(textResponse(emptyToolInterpretation), nil).Times(4)
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Run(log.record).
		Return(textResponse(textConfidenceDecision), nil).Twice()

	p := newTestPipeline(t, mc, nil)
	req := highRisk()
	_, sub, err := p.Stream(context.Background(), req)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		steps    []int
		byStep   = map[int]model.StreamMessage{}
		result   *model.AnalysisResult
		decision model.StreamMessage
	)
	for {
		msg, ok, err := sub.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		if msg.Step > 0 {
			steps = append(steps, msg.Step)
			byStep[msg.Step] = msg
		}
		switch msg.Type {
		case model.MessageDecision:
			decision = msg
		case model.MessageComplete:
			result = msg.Analysis
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, steps)

	// Each call site made exactly two attempts; only the second carried the
	// correction and the example.
	for _, prefix := range []string{taskInterpret, taskDecide} {
		prompts := log.matching(prefix)
		var corrected int
		for _, pr := range prompts {
			if strings.Contains(pr, rejected) {
				corrected++
				assert.Contains(t, pr, "shaped exactly like this example")
			}
		}
		assert.Equal(t, len(prompts)/2, corrected, prefix)
	}
	assert.Len(t, log.matching(taskInterpret), 4)
	assert.Len(t, log.matching(taskDecide), 2)
	for _, pr := range log.matching(taskInterpret) {
		if strings.Contains(pr, rejected) {
			assert.Contains(t, pr, "tool.parameters must not be empty")
		}
	}
	for _, pr := range log.matching(taskDecide) {
		if strings.Contains(pr, rejected) {
			assert.Contains(t, pr, "confidence must be int, got string")
		}
	}

	for _, n := range []int{3, 5} {
		obs := byStep[n]
		assert.Equal(t, model.MessageObservation, obs.Type)
		require.NotNil(t, obs.Metadata)
		assert.True(t, obs.Metadata.Fallback, "step %d", n)
		assert.False(t, obs.Metadata.LLMUsed, "step %d", n)
		assert.Equal(t, 2, obs.Metadata.Attempts, "step %d", n)
	}
	assert.Equal(t, describeAnomalies(result.Anomalies), byStep[3].Content)
	assert.Equal(t, describePrediction(result.ModelPrediction), byStep[5].Content)

	require.NotNil(t, decision.Metadata)
	assert.Equal(t, 7, decision.Step)
	assert.True(t, decision.Metadata.Fallback)
	assert.Equal(t, 2, decision.Metadata.Attempts)
	assert.Equal(t, int64(240), decision.Metadata.TokensUsed)

	cfg := scorer.DefaultScoringConfig()
	wantConf := fallbackConfidence(cfg, result.Anomalies, result.ModelPrediction, result.RiskScore)
	assert.True(t, result.FallbackDecision)
	assert.Equal(t, model.ActionBlock, result.Decision.Action)
	assert.Equal(t, wantConf, result.Decision.Confidence)
	require.NotNil(t, decision.Confidence)
	assert.Equal(t, wantConf, *decision.Confidence)
	// Model and anomaly checks both flag the transaction.
	assert.GreaterOrEqual(t, wantConf, 70)
	assert.LessOrEqual(t, wantConf, 95)

	want := FallbackDecision(scorer.New(cfg), req.Transaction, result.Anomalies, result.ModelPrediction,
		model.RiskScore{Score: result.RiskScore, Category: result.RiskCategory, Breakdown: result.RiskBreakdown})
	assert.Equal(t, want, result.Decision)

	// Rejected responses are still billed.
	assert.Equal(t, 6, result.LLMCallsMade)
	mc.AssertNumberOfCalls(t, "CreateMessage", 6)
}

func TestAnalyze_InterpretTraceNumbersBranchActions(t *testing.T) {
	log := &promptLog{}
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Run(log.record).
		Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(approveDecision), nil).Once()

	p := newTestPipeline(t, mc, nil)
	_, err := p.Analyze(context.Background(), lowRisk())
	require.NoError(t, err)

	prompts := log.matching(taskInterpret)
	require.Len(t, prompts, 2)
	var data, ensemble string
	for _, pr := range prompts {
		if strings.Contains(pr, "[data]") {
			data = pr
		} else {
			ensemble = pr
		}
	}
	assert.Contains(t, data, "\n1. THOUGHT [coordinator]")
	assert.Contains(t, data, "\n2. ACTION [data] Calculated statistical anomalies")
	assert.Contains(t, ensemble, "\n4. ACTION [model] Executed")
	for _, pr := range prompts {
		assert.NotContains(t, pr, "\n0. ")
	}
}

func TestAnalyze_FallbackIsReproducible(t *testing.T) {
	p := newTestPipeline(t, nil, nil)

	first, err := p.Analyze(context.Background(), highRisk())
	require.NoError(t, err)
	second, err := p.Analyze(context.Background(), highRisk())
	require.NoError(t, err)

	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestAnalyze_PlanningUsesCollaborator(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskPlan)).Return(textResponse(validPlan), nil).Once()
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(approveDecision), nil).Once()

	p := newTestPipeline(t, mc, func(d *Deps) { d.Planning = true })
	result, err := p.Analyze(context.Background(), lowRisk())
	require.NoError(t, err)

	assert.Equal(t, []string{"location", "time"}, result.Plan)
	first := result.ReactSteps[0]
	assert.Contains(t, first.Content, "Analyzing transaction tx-a: $2.86 at fraud_Rippin, Kub and Mann")
	assert.Contains(t, first.Content, "Plan: focus on location, time.")
	assert.True(t, first.Metadata.LLMUsed)
	assert.Equal(t, 4, result.LLMCallsMade)
	mc.AssertExpectations(t)
}

func TestAnalyze_PlanningFailureContinues(t *testing.T) {
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskPlan)).Return(nil, errors.New("connection reset")).Once()
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(approveDecision), nil).Once()

	p := newTestPipeline(t, mc, func(d *Deps) { d.Planning = true })
	result, err := p.Analyze(context.Background(), lowRisk())
	require.NoError(t, err)

	assert.Equal(t, cognitive.Dimensions, result.Plan)
	assert.Contains(t, result.ReactSteps[0].Content, "Planning unavailable")
	assert.True(t, result.ReactSteps[0].Metadata.Fallback)
	assert.False(t, result.FallbackDecision)
	assert.Len(t, result.ReactSteps, 7)
}

func TestAnalyze_ModelUnavailableFails(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, nil, func(d *Deps) {
		d.Predictor = predictor.New(nil, predictor.NewFeatureBuilder(anomalyConfig()), 0.15)
		d.Store = st
	})

	s, err := p.Start(context.Background(), lowRisk())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	snap := s.Snapshot()
	assert.Equal(t, model.SessionFailed, snap.Status)
	assert.Equal(t, model.PhaseFailed, snap.CurrentPhase)
	for _, step := range snap.Steps {
		assert.NotEqual(t, model.StepDecision, step.Type)
	}

	result, err := s.Result()
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
	st.AssertNotCalled(t, "SaveAnalysis", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnalyze_InvalidTransactionRejected(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	req := lowRisk()
	req.Transaction.Amount = decimal.NewFromInt(-5)
	req.Transaction.Merchant = ""

	_, err := p.Analyze(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Contains(t, err.Error(), "merchant is required")

	_, err = p.Start(context.Background(), req)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Zero(t, p.Sessions().Len())
}

func TestAnalyze_AssignsTransactionID(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	req := lowRisk()
	req.Transaction.ID = ""

	result, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.TransactionID)
}

func TestAnalyze_CancelledContextFails(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Analyze(ctx, lowRisk())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStart_StreamsStepsInOrder(t *testing.T) {
	gate := make(chan struct{})
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskPlan)).
		Run(func(mock.Arguments) { <-gate }).
		Return(textResponse(validPlan), nil).Once()
	mc.On("CreateMessage", mock.Anything, task(taskInterpret)).Return(textResponse(validInterpretation), nil).Twice()
	mc.On("CreateMessage", mock.Anything, task(taskDecide)).Return(textResponse(approveDecision), nil).Once()

	p := newTestPipeline(t, mc, func(d *Deps) { d.Planning = true })
	s, err := p.Start(context.Background(), lowRisk())
	require.NoError(t, err)

	sub, err := p.Sessions().Subscribe(s.ID())
	require.NoError(t, err)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []model.MessageType
	var steps []int
	for {
		msg, ok, err := sub.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, s.ID(), msg.SessionID)
		types = append(types, msg.Type)
		if msg.Step > 0 {
			steps = append(steps, msg.Step)
		}
		if msg.Type == model.MessageDecision {
			assert.Equal(t, model.ActionApprove, msg.Action)
			require.NotNil(t, msg.Confidence)
			assert.Equal(t, 88, *msg.Confidence)
		}
		if msg.Type == model.MessageComplete {
			require.NotNil(t, msg.Analysis)
			assert.Equal(t, model.ActionApprove, msg.Analysis.Decision.Action)
		}
	}

	assert.Equal(t, []model.MessageType{
		model.MessageConnected,
		model.MessageThought,
		model.MessageAction, model.MessageObservation,
		model.MessageAction, model.MessageObservation,
		model.MessageAction,
		model.MessageDecision,
		model.MessageComplete,
	}, types)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, steps)
}

func TestAnalyze_PersistsAndPublishes(t *testing.T) {
	st := new(mockStore)
	pub := new(mockPublisher)
	hist := new(mockHistory)

	req := lowRisk()
	stored := req.History
	req.History = nil

	hist.On("Get", mock.Anything, "cust-a").Return(stored, nil).Once()
	hist.On("Record", mock.Anything, mock.MatchedBy(func(tx model.Transaction) bool { return tx.ID == "tx-a" })).Return(nil).Once()
	st.On("SaveAnalysis", mock.Anything, mock.AnythingOfType("model.Transaction"), mock.AnythingOfType("*model.AnalysisResult")).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(e publish.Event) bool {
		return e.TransactionID == "tx-a" && e.CustomerID == "cust-a" && e.Action == model.ActionApprove
	})).Return(nil).Once()

	p := newTestPipeline(t, nil, func(d *Deps) {
		d.Store = st
		d.Publisher = pub
		d.History = hist
	})
	result, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.ActionApprove, result.Decision.Action)

	st.AssertExpectations(t)
	pub.AssertExpectations(t)
	hist.AssertExpectations(t)
}

func TestAnalyze_SuppliedHistorySkipsLookup(t *testing.T) {
	hist := new(mockHistory)
	hist.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	p := newTestPipeline(t, nil, func(d *Deps) { d.History = hist })
	_, err := p.Analyze(context.Background(), lowRisk())
	require.NoError(t, err)

	hist.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	hist.AssertExpectations(t)
}

func TestAnalyze_PersistFailuresDoNotFail(t *testing.T) {
	st := new(mockStore)
	pub := new(mockPublisher)
	hist := new(mockHistory)
	hist.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("redis: connection refused"))
	hist.On("Record", mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))
	st.On("SaveAnalysis", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	p := newTestPipeline(t, nil, func(d *Deps) {
		d.Store = st
		d.Publisher = pub
		d.History = hist
	})
	req := lowRisk()
	req.History = nil

	result, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.ReactSteps, 7)
}

func TestPipeline_Accessors(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	assert.Equal(t, "p1", p.ModelVersion())
	assert.False(t, p.CollaboratorEnabled())
	assert.Empty(t, p.CollaboratorModel())

	mc := new(mockAnthropicClient)
	p = newTestPipeline(t, mc, nil)
	assert.True(t, p.CollaboratorEnabled())
	assert.Equal(t, "claude-haiku-4-5-20251001", p.CollaboratorModel())
	assert.Equal(t, resilience.CircuitClosed, p.CollaboratorCircuit().State)
}

func TestStream_CancelAbortsSession(t *testing.T) {
	gate := make(chan struct{})
	mc := new(mockAnthropicClient)
	mc.On("CreateMessage", mock.Anything, task(taskPlan)).
		Run(func(args mock.Arguments) {
			close(gate)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled).Once()

	p := newTestPipeline(t, mc, func(d *Deps) { d.Planning = true })
	ctx, cancel := context.WithCancel(context.Background())
	s, sub, err := p.Stream(ctx, lowRisk())
	require.NoError(t, err)

	<-gate
	cancel()

	wait, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	var last model.StreamMessage
	for {
		msg, ok, err := sub.Next(wait)
		require.NoError(t, err)
		if !ok {
			break
		}
		last = msg
	}
	assert.Equal(t, model.MessageError, last.Type)
	assert.Equal(t, model.SessionFailed, s.Snapshot().Status)
	assert.Empty(t, s.Steps())
}
