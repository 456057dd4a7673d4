package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fraud-analyst/internal/cognitive"
	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/scorer"
	"github.com/sells-group/fraud-analyst/internal/session"
	"github.com/sells-group/fraud-analyst/internal/traces"
)

// Tool names recorded in step metadata.
const (
	toolPlanner  = "planner"
	toolAnomaly  = "anomaly_detector"
	toolEnsemble = "model_ensemble"
	toolScorer   = "risk_scorer"
	toolDecision = "decision"
)

// analysis is the state of one run through the phases.
type analysis struct {
	p     *Pipeline
	s     *session.Session
	tx    model.Transaction
	hist  *model.CustomerHistory
	log   *zap.Logger
	start time.Time
	phase model.Phase

	plan       []string
	report     model.AnomalyReport
	prediction model.ModelPrediction
	risk       model.RiskScore
	decision   model.Decision
	fallback   bool
}

func (a *analysis) execute(ctx context.Context) (*model.AnalysisResult, error) {
	if err := a.runPhase(ctx, model.PhasePlanning, a.planning); err != nil {
		return nil, err
	}
	if err := a.investigate(ctx); err != nil {
		return nil, err
	}
	if err := a.runPhase(ctx, model.PhaseRiskScoring, a.scoring); err != nil {
		return nil, err
	}
	if err := a.runPhase(ctx, model.PhaseDecision, a.deciding); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancelled before completion")
	}
	return a.result(), nil
}

// runPhase advances the session to ph and runs fn, timing and tracing it.
func (a *analysis) runPhase(ctx context.Context, ph model.Phase, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: cancelled before %s", ph)
	}
	if err := a.enter(ph); err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "pipeline.phase", traces.SessionID(a.s.ID()), traces.Phase(string(ph)))
	start := time.Now()
	err := fn(ctx)
	a.observe(ph, start, err)
	traces.End(span, err)
	return err
}

func (a *analysis) enter(ph model.Phase) error {
	if err := a.s.Advance(ph); err != nil {
		return eris.Wrapf(err, "pipeline: enter %s", ph)
	}
	a.phase = ph
	return nil
}

func (a *analysis) observe(ph model.Phase, start time.Time, err error) {
	duration := time.Since(start)
	metrics.PhaseDuration.WithLabelValues(string(ph)).Observe(duration.Seconds())
	if err != nil {
		a.log.Error("pipeline: phase failed",
			zap.String("phase", string(ph)),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.Error(err),
		)
		return
	}
	a.log.Info("pipeline: phase complete",
		zap.String("phase", string(ph)),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}

func (a *analysis) emit(typ model.StepType, agent model.Agent, content string, meta model.StepMetadata) error {
	_, err := a.s.Emit(model.ReActStep{Type: typ, Agent: agent, Content: content, Metadata: meta}, nil)
	return err
}

func newStep(typ model.StepType, agent model.Agent, content string, meta model.StepMetadata) model.ReActStep {
	return model.ReActStep{
		Type:      typ,
		Agent:     agent,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

// noteFallback records a collaborator failure that the phase absorbs.
func (a *analysis) noteFallback(ph model.Phase, err error) {
	metrics.FallbacksTotal.WithLabelValues(string(ph)).Inc()
	log := a.log.Warn
	if !a.p.cognitive.Enabled() {
		log = a.log.Debug
	}
	log("pipeline: collaborator unavailable, using fallback",
		zap.String("phase", string(ph)),
		zap.Error(err),
	)
}

func (a *analysis) planning(ctx context.Context) error {
	a.plan = slices.Clone(cognitive.Dimensions)
	intro := fmt.Sprintf("Analyzing transaction %s: %s at %s (%s) for customer %s.",
		a.tx.ID, formatAmount(a.tx.AmountFloat()), a.tx.Merchant, a.tx.Category, a.tx.CustomerID)

	if !a.p.planning {
		return a.emit(model.StepThought, model.AgentCoordinator,
			intro+" Evaluating all dimensions equally: "+strings.Join(a.plan, ", ")+".",
			model.StepMetadata{})
	}

	plan, call, err := a.p.cognitive.Plan(ctx, a.s.ID(), a.tx, a.hist)
	a.s.AddUsage(call.Usage)
	meta := model.StepMetadata{Tool: toolPlanner, Attempts: call.Attempts, TokensUsed: call.Usage.Total()}
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "pipeline: planning cancelled")
		}
		a.noteFallback(model.PhasePlanning, err)
		meta.Fallback = true
		return a.emit(model.StepThought, model.AgentCoordinator,
			intro+" Planning unavailable; evaluating all dimensions equally.", meta)
	}

	a.plan = plan.Focus
	meta.LLMUsed = true
	return a.emit(model.StepThought, model.AgentCoordinator,
		fmt.Sprintf("%s Plan: focus on %s. %s", intro, strings.Join(plan.Focus, ", "), plan.Rationale), meta)
}

// investigate forks anomaly detection and model prediction and joins them.
// Steps are buffered per branch and emitted after the join, data branch
// first, so the trace order never depends on scheduling.
func (a *analysis) investigate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: cancelled before %s", model.PhaseDataAnalysis)
	}
	if err := a.enter(model.PhaseDataAnalysis); err != nil {
		return err
	}
	ctx, span := traces.StartSpan(ctx, "pipeline.fork", traces.SessionID(a.s.ID()))

	// Branch steps carry the numbers they are emitted with: data action and
	// observation, then model action and observation.
	trace := a.s.Steps()
	base := len(trace)
	var dataSteps, modelSteps []model.ReActStep

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		a.report = a.p.detector.Detect(a.tx, a.hist)
		action := newStep(model.StepAction, model.AgentData,
			"Calculated statistical anomalies for amount, time and location.",
			model.StepMetadata{Phase: model.PhaseDataAnalysis, Tool: toolAnomaly})
		action.Step = base + 1
		obs, err := a.interpret(gCtx, model.PhaseDataAnalysis, model.AgentData, "anomaly detection", toolAnomaly,
			a.report, describeAnomalies(a.report), append(slices.Clone(trace), action))
		a.observe(model.PhaseDataAnalysis, start, err)
		if err != nil {
			return err
		}
		dataSteps = []model.ReActStep{action, obs}
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		pred, err := a.p.predictor.Predict(gCtx, a.tx, a.hist)
		if err != nil {
			err = eris.Wrap(err, "pipeline: model prediction")
			a.observe(model.PhaseModelPrediction, start, err)
			return err
		}
		a.prediction = pred
		action := newStep(model.StepAction, model.AgentModel,
			fmt.Sprintf("Executed %s ensemble %s with %d members.", pred.ModelName, pred.ArtifactVersion, len(pred.Members)),
			model.StepMetadata{Phase: model.PhaseModelPrediction, Tool: toolEnsemble})
		action.Step = base + 3
		obs, err := a.interpret(gCtx, model.PhaseModelPrediction, model.AgentModel, "model prediction", toolEnsemble,
			pred, describePrediction(pred), append(slices.Clone(trace), action))
		a.observe(model.PhaseModelPrediction, start, err)
		if err != nil {
			return err
		}
		modelSteps = []model.ReActStep{action, obs}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = a.emitAll(dataSteps)
	}
	if err == nil {
		err = a.enter(model.PhaseModelPrediction)
	}
	if err == nil {
		err = a.emitAll(modelSteps)
	}
	traces.End(span, err)
	return err
}

func (a *analysis) emitAll(steps []model.ReActStep) error {
	for _, st := range steps {
		if _, err := a.s.Emit(st, nil); err != nil {
			return err
		}
	}
	return nil
}

// interpret asks the collaborator to read a tool result. When it cannot, the
// raw result becomes the observation and the step is marked as a fallback.
func (a *analysis) interpret(ctx context.Context, ph model.Phase, agent model.Agent, subject, tool string, payload any, raw string, trace []model.ReActStep) (model.ReActStep, error) {
	in, call, err := a.p.cognitive.Interpret(ctx, a.s.ID(), subject, payload, trace)
	a.s.AddUsage(call.Usage)

	meta := model.StepMetadata{Phase: ph, Tool: tool, Attempts: call.Attempts, TokensUsed: call.Usage.Total()}
	if err != nil {
		if ctx.Err() != nil {
			return model.ReActStep{}, eris.Wrapf(ctx.Err(), "pipeline: %s interpretation cancelled", subject)
		}
		a.noteFallback(ph, err)
		meta.Fallback = true
		return newStep(model.StepObservation, agent, raw, meta), nil
	}
	meta.LLMUsed = true
	return newStep(model.StepObservation, agent, in.Explanation, meta), nil
}

func (a *analysis) scoring(_ context.Context) error {
	a.risk = a.p.scorer.Score(a.tx, a.hist, a.report, a.prediction)
	metrics.RiskScores.Observe(float64(a.risk.Score))
	return a.emit(model.StepAction, model.AgentCoordinator, describeRisk(a.risk),
		model.StepMetadata{Tool: toolScorer})
}

func (a *analysis) deciding(ctx context.Context) error {
	dec, call, err := a.p.cognitive.Decide(ctx, a.s.ID(), cognitive.DecisionInput{
		Transaction: a.tx,
		Anomalies:   a.report,
		Prediction:  a.prediction,
		Risk:        a.risk,
		Trace:       a.s.Steps(),
	})
	a.s.AddUsage(call.Usage)

	meta := model.StepMetadata{Tool: toolDecision, Attempts: call.Attempts, TokensUsed: call.Usage.Total()}
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "pipeline: decision cancelled")
		}
		a.noteFallback(model.PhaseDecision, err)
		dec = FallbackDecision(a.p.scorer, a.tx, a.report, a.prediction, a.risk)
		a.fallback = true
		meta.Fallback = true
	} else {
		meta.LLMUsed = true
	}
	a.decision = dec

	_, err = a.s.Emit(model.ReActStep{
		Type:     model.StepDecision,
		Agent:    model.AgentCoordinator,
		Content:  fmt.Sprintf("%s: %s", dec.Action, dec.Reasoning),
		Metadata: meta,
	}, &dec)
	return err
}

func (a *analysis) result() *model.AnalysisResult {
	usage := a.s.Usage()
	return &model.AnalysisResult{
		SessionID:          a.s.ID(),
		TransactionID:      a.tx.ID,
		AnalysisTimestamp:  time.Now().UTC(),
		Decision:           a.decision,
		RiskScore:          a.risk.Score,
		RiskCategory:       a.risk.Category,
		RiskBreakdown:      a.risk.Breakdown,
		ModelPrediction:    a.prediction,
		Anomalies:          a.report,
		ReactSteps:         a.s.Steps(),
		RecommendedActions: RecommendedActions(a.decision.Action),
		AlertLevel:         scorer.AlertLevel(a.risk.Score),
		Plan:               a.plan,
		FallbackDecision:   a.fallback,
		ProcessingTimeMS:   time.Since(a.start).Milliseconds(),
		LLMCallsMade:       usage.Calls,
		TotalTokensUsed:    usage.Total(),
		TotalCostUSD:       usage.CostUSD,
	}
}
