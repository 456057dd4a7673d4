// Package pipeline runs the five-phase analysis state machine: planning, a
// fork of anomaly detection and model prediction, local risk scoring and a
// final decision, emitting every reasoning step to the session as it goes.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/anomaly"
	"github.com/sells-group/fraud-analyst/internal/cognitive"
	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/history"
	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/predictor"
	"github.com/sells-group/fraud-analyst/internal/publish"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/internal/scorer"
	"github.com/sells-group/fraud-analyst/internal/session"
	"github.com/sells-group/fraud-analyst/internal/store"
	"github.com/sells-group/fraud-analyst/internal/traces"
)

// persistTimeout bounds the best-effort archive, publish and history writes
// that follow a completed analysis.
const persistTimeout = 10 * time.Second

// Deps are the collaborators of a Pipeline. History, Store and Publisher are
// optional.
type Deps struct {
	Detector  *anomaly.Detector
	Predictor *predictor.Predictor
	Scorer    *scorer.Scorer
	Cognitive *cognitive.Interpreter
	Sessions  *session.Registry
	Usage     *cost.Accumulator
	History   history.Provider
	Store     store.Store
	Publisher publish.Publisher
	Planning  bool
}

// Pipeline orchestrates analyses. It holds no per-analysis state; many
// analyses may run concurrently.
type Pipeline struct {
	detector  *anomaly.Detector
	predictor *predictor.Predictor
	scorer    *scorer.Scorer
	cognitive *cognitive.Interpreter
	sessions  *session.Registry
	usage     *cost.Accumulator
	history   history.Provider
	store     store.Store
	publisher publish.Publisher
	planning  bool
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry(config.SessionConfig{})
	}
	if d.Usage == nil {
		d.Usage = cost.NewAccumulator()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Scorer == nil {
		d.Scorer = scorer.New(scorer.DefaultScoringConfig())
	}
	return &Pipeline{
		detector:  d.Detector,
		predictor: d.Predictor,
		scorer:    d.Scorer,
		cognitive: d.Cognitive,
		sessions:  d.Sessions,
		usage:     d.Usage,
		history:   d.History,
		store:     d.Store,
		publisher: d.Publisher,
		planning:  d.Planning,
	}
}

// Sessions returns the session registry.
func (p *Pipeline) Sessions() *session.Registry { return p.sessions }

// Usage returns the process-wide collaborator usage accumulator.
func (p *Pipeline) Usage() *cost.Accumulator { return p.usage }

// ModelVersion returns the loaded scoring artifact version.
func (p *Pipeline) ModelVersion() string { return p.predictor.Version() }

// CollaboratorEnabled reports whether a cognitive collaborator is configured.
func (p *Pipeline) CollaboratorEnabled() bool { return p.cognitive.Enabled() }

// CollaboratorModel returns the configured collaborator model.
func (p *Pipeline) CollaboratorModel() string { return p.cognitive.Model() }

// CollaboratorCircuit reports the collaborator circuit breaker.
func (p *Pipeline) CollaboratorCircuit() resilience.BreakerSnapshot { return p.cognitive.Circuit() }

// Analyze runs one analysis to completion and returns its result. Invalid
// transactions are rejected before any phase starts.
func (p *Pipeline) Analyze(ctx context.Context, req model.AnalysisRequest) (*model.AnalysisResult, error) {
	tx, err := prepare(req.Transaction)
	if err != nil {
		return nil, err
	}
	s, sctx := p.sessions.Create(ctx, tx)
	return p.run(sctx, s, req.History)
}

// Start validates the request and runs the analysis in the background. The
// session outlives ctx; cancel it through the registry.
func (p *Pipeline) Start(ctx context.Context, req model.AnalysisRequest) (*session.Session, error) {
	tx, err := prepare(req.Transaction)
	if err != nil {
		return nil, err
	}
	s, sctx := p.sessions.Create(context.WithoutCancel(ctx), tx)
	go func() {
		_, _ = p.run(sctx, s, req.History)
	}()
	return s, nil
}

// Stream is Start with a subscription attached before the first step, so the
// caller observes the whole trace. Unlike Start, cancelling ctx aborts the
// session.
func (p *Pipeline) Stream(ctx context.Context, req model.AnalysisRequest) (*session.Session, *session.Subscription, error) {
	tx, err := prepare(req.Transaction)
	if err != nil {
		return nil, nil, err
	}
	s, sctx := p.sessions.Create(ctx, tx)
	sub := s.Subscribe()
	go func() {
		_, _ = p.run(sctx, s, req.History)
	}()
	return s, sub, nil
}

func prepare(tx model.Transaction) (model.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return tx, eris.Wrap(err, "pipeline: invalid transaction")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	return tx, nil
}

// run drives one session through every phase. Any error leaves the session
// FAILED with no decision kept.
func (p *Pipeline) run(ctx context.Context, s *session.Session, supplied *model.CustomerHistory) (*model.AnalysisResult, error) {
	start := time.Now()
	tx := s.Snapshot().Transaction
	log := zap.L().With(
		zap.String("session_id", s.ID()),
		zap.String("transaction_id", tx.ID),
	)
	log.Info("pipeline: starting analysis")

	ctx, span := traces.StartSpan(ctx, "pipeline.analyze",
		traces.SessionID(s.ID()),
		traces.TransactionID(tx.ID),
	)

	a := &analysis{
		p:     p,
		s:     s,
		tx:    tx,
		hist:  p.resolveHistory(ctx, tx, supplied),
		log:   log,
		start: start,
	}
	result, err := a.execute(ctx)
	duration := time.Since(start)
	metrics.AnalysisDuration.Observe(duration.Seconds())
	traces.End(span, err)

	if err != nil {
		s.Fail(err)
		metrics.AnalysesTotal.WithLabelValues(string(model.SessionFailed), "").Inc()
		log.Error("pipeline: analysis failed",
			zap.String("phase", string(a.phase)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	if err := s.Complete(result); err != nil {
		return nil, eris.Wrap(err, "pipeline: complete session")
	}
	metrics.AnalysesTotal.WithLabelValues(string(model.SessionComplete), string(result.Decision.Action)).Inc()
	log.Info("pipeline: analysis complete",
		zap.String("action", string(result.Decision.Action)),
		zap.Int("risk_score", result.RiskScore),
		zap.Bool("fallback", result.FallbackDecision),
		zap.Int("llm_calls", result.LLMCallsMade),
		zap.Duration("duration", duration),
	)

	p.persist(ctx, tx, result)
	return result, nil
}

func (p *Pipeline) resolveHistory(ctx context.Context, tx model.Transaction, supplied *model.CustomerHistory) *model.CustomerHistory {
	if supplied != nil || p.history == nil {
		return supplied
	}
	h, err := p.history.Get(ctx, tx.CustomerID)
	if err != nil {
		zap.L().Warn("pipeline: history lookup failed, using defaults",
			zap.String("customer_id", tx.CustomerID),
			zap.Error(err),
		)
		return nil
	}
	return h
}

// persist archives, publishes and folds the transaction into the customer
// profile. Failures are logged and never change the result.
func (p *Pipeline) persist(ctx context.Context, tx model.Transaction, result *model.AnalysisResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	log := zap.L().With(zap.String("session_id", result.SessionID))

	if p.store != nil {
		if err := p.store.SaveAnalysis(ctx, tx, result); err != nil {
			log.Warn("pipeline: archive analysis failed", zap.Error(err))
		}
	}
	if err := p.publisher.Publish(ctx, publish.NewEvent(tx, result)); err != nil {
		log.Warn("pipeline: publish decision failed", zap.Error(err))
	}
	if p.history != nil {
		if err := p.history.Record(ctx, tx); err != nil {
			log.Warn("pipeline: update customer history failed", zap.Error(err))
		}
	}
}
