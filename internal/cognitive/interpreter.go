// Package cognitive is the boundary adapter to the external reasoning
// collaborator. It sends structured signals, then validates the structured
// JSON that comes back against a fixed set of tagged variants.
package cognitive

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/pkg/anthropic"
)

// Operation names used in logs, metrics and step metadata.
const (
	OpPlan      = "plan"
	OpInterpret = "interpret"
	OpDecide    = "decide"
)

// Call describes what one call site cost and how it went, successful or not.
type Call struct {
	Operation  string
	Attempts   int
	Usage      model.TokenUsage
	Violations []string
}

// DecisionInput is everything the collaborator sees when asked for a verdict.
type DecisionInput struct {
	Transaction model.Transaction
	Anomalies   model.AnomalyReport
	Prediction  model.ModelPrediction
	Risk        model.RiskScore
	Trace       []model.ReActStep
}

// Interpreter calls the collaborator with a bounded timeout and at most
// MaxAttempts attempts per call site. Only schema violations are retried, and
// the retry carries a corrected example. Every response received is priced
// and recorded on the shared accumulator.
type Interpreter struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	cacheTTL    string
	timeout     time.Duration
	retry       resilience.RetryConfig
	limiter     *rate.Limiter
	breaker     *resilience.CircuitBreaker
	calc        *cost.Calculator
	acc         *cost.Accumulator
}

// New creates an Interpreter. A nil client yields an Interpreter whose every
// call fails with model.ErrExternalServiceUnavailable.
func New(client anthropic.Client, acfg config.AnthropicConfig, ccfg config.CognitiveConfig, calc *cost.Calculator, acc *cost.Accumulator) *Interpreter {
	if calc == nil {
		calc = cost.NewCalculator(cost.Rates{})
	}
	if acc == nil {
		acc = cost.NewAccumulator()
	}
	timeout := ccfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxTokens := acfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	limit := rate.Inf
	if ccfg.RatePerSecond > 0 {
		limit = rate.Limit(ccfg.RatePerSecond)
	}
	burst := max(ccfg.Burst, 1)

	breakerCfg := resilience.FromCircuitConfig(ccfg.BreakerThreshold, ccfg.BreakerReset)
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		metrics.CollaboratorCircuitState.Set(float64(to))
		if to == resilience.CircuitOpen {
			metrics.CollaboratorCircuitTrips.Inc()
		}
		zap.L().Warn("cognitive: circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Interpreter{
		client:      client,
		model:       acfg.Model,
		maxTokens:   maxTokens,
		temperature: acfg.Temperature,
		cacheTTL:    acfg.CacheTTL,
		timeout:     timeout,
		retry:       resilience.FromRetryConfig(ccfg.MaxAttempts, ccfg.RetryBackoff),
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     resilience.NewCircuitBreaker(breakerCfg),
		calc:        calc,
		acc:         acc,
	}
}

// Enabled reports whether a collaborator client is configured.
func (in *Interpreter) Enabled() bool {
	return in != nil && in.client != nil
}

// Model returns the collaborator model name.
func (in *Interpreter) Model() string {
	if in == nil {
		return ""
	}
	return in.model
}

// Breaker exposes the collaborator circuit breaker.
func (in *Interpreter) Breaker() *resilience.CircuitBreaker {
	return in.breaker
}

// Circuit reports the breaker counters. A disabled interpreter reports a
// closed circuit.
func (in *Interpreter) Circuit() resilience.BreakerSnapshot {
	if in == nil || in.breaker == nil {
		return resilience.BreakerSnapshot{State: resilience.CircuitClosed}
	}
	return in.breaker.Snapshot()
}

// Plan asks which anomaly dimensions matter most for the customer.
func (in *Interpreter) Plan(ctx context.Context, sessionID string, tx model.Transaction, hist *model.CustomerHistory) (Plan, Call, error) {
	return invoke(ctx, in, OpPlan, VariantPlan, sessionID, planPrompt(tx, hist), ParsePlan)
}

// Interpret asks for a natural-language reading of a tool result. subject
// names the result, e.g. "anomaly detection".
func (in *Interpreter) Interpret(ctx context.Context, sessionID, subject string, payload any, trace []model.ReActStep) (Interpretation, Call, error) {
	return invoke(ctx, in, OpInterpret, VariantInterpretation, sessionID, interpretPrompt(subject, payload, trace), ParseInterpretation)
}

// Decide asks for the final verdict.
func (in *Interpreter) Decide(ctx context.Context, sessionID string, input DecisionInput) (model.Decision, Call, error) {
	return invoke(ctx, in, OpDecide, VariantDecision, sessionID, decisionPrompt(input), ParseDecision)
}

func invoke[T any](ctx context.Context, in *Interpreter, op string, v Variant, sessionID, prompt string, parse func(string) (T, error)) (T, Call, error) {
	var zero T
	call := Call{Operation: op}
	if !in.Enabled() {
		return zero, call, eris.Wrapf(model.ErrExternalServiceUnavailable, "cognitive: %s: collaborator not configured", op)
	}

	log := zap.L().With(
		zap.String("session_id", sessionID),
		zap.String("operation", op),
	)

	if err := in.breaker.Allow(); err != nil {
		metrics.CollaboratorCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		return zero, call, eris.Wrapf(model.ErrExternalServiceUnavailable, "cognitive: %s: %v", op, err)
	}

	retry := in.retry
	retry.ShouldRetry = func(err error) bool {
		return errors.Is(err, model.ErrSchemaViolation)
	}
	retry.OnRetry = resilience.RetryLogger(op, sessionID)

	var lastProblem string
	val, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context, attempt int) (T, error) {
		content := prompt
		if attempt > 1 && lastProblem != "" {
			content = prompt + "\n\n" + correction(v, lastProblem)
		}

		resp, err := in.send(ctx, op, content)
		if err != nil {
			metrics.CollaboratorCallsTotal.WithLabelValues(op, "error").Inc()
			return zero, err
		}
		call.Usage.Add(in.record(op, resp))

		out, err := parse(resp.Text())
		if err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				lastProblem = strings.Join(se.Problems, "; ")
			} else {
				lastProblem = err.Error()
			}
			call.Violations = append(call.Violations, lastProblem)
			metrics.CollaboratorCallsTotal.WithLabelValues(op, "schema_violation").Inc()
			log.Warn("cognitive: response failed validation",
				zap.Int("attempt", attempt),
				zap.String("problem", lastProblem),
			)
			return zero, err
		}
		metrics.CollaboratorCallsTotal.WithLabelValues(op, "ok").Inc()
		return out, nil
	})
	call.Attempts = attempts
	in.breaker.Record(outcome(ctx, err))

	if err != nil {
		if ctx.Err() != nil {
			return zero, call, eris.Wrapf(ctx.Err(), "cognitive: %s cancelled", op)
		}
		log.Warn("cognitive: collaborator unavailable",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return zero, call, eris.Wrapf(model.ErrExternalServiceUnavailable, "cognitive: %s failed after %d attempt(s): %v", op, attempts, err)
	}

	log.Debug("cognitive: call succeeded",
		zap.Int("attempts", attempts),
		zap.Int64("tokens", call.Usage.Total()),
	)
	return val, call, nil
}

// send performs one rate-limited, breaker-guarded request under the call
// timeout.
func (in *Interpreter) send(ctx context.Context, op, content string) (*anthropic.MessageResponse, error) {
	if err := in.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "cognitive: rate limit wait")
	}

	callCtx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	temp := in.temperature
	req := anthropic.MessageRequest{
		Model:       in.model,
		MaxTokens:   in.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt, in.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: content}},
		Temperature: &temp,
	}

	resp, err := in.client.CreateMessage(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, eris.Wrapf(err, "cognitive: %s timed out after %s", op, in.timeout)
		}
		return nil, eris.Wrapf(err, "cognitive: %s", op)
	}
	if resp == nil {
		return nil, eris.Errorf("cognitive: %s: empty response", op)
	}
	return resp, nil
}

// record prices a response and adds it to the shared accumulator.
func (in *Interpreter) record(op string, resp *anthropic.MessageResponse) model.TokenUsage {
	u := resp.Usage
	u.LogUsage(in.model, op)

	usage := model.TokenUsage{
		Calls:        1,
		InputTokens:  u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      in.calc.Claude(in.model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens),
	}
	in.acc.Record(usage)

	metrics.CollaboratorTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.CollaboratorTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
	return usage
}

// outcome classifies a finished call site for the breaker. Exhausted schema
// retries count as degraded along with outages and timeouts; a cancelled
// caller or a rejected request does not.
func outcome(ctx context.Context, err error) resilience.Outcome {
	switch {
	case err == nil:
		return resilience.OutcomeSuccess
	case ctx.Err() != nil:
		return resilience.OutcomeIgnored
	case errors.Is(err, model.ErrSchemaViolation), shouldTrip(err):
		return resilience.OutcomeDegraded
	default:
		return resilience.OutcomeIgnored
	}
}

// shouldTrip reports outages; client errors such as a bad request are not.
func shouldTrip(err error) bool {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}
