package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/anomaly"
	"github.com/sells-group/fraud-analyst/internal/cognitive"
	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/history"
	"github.com/sells-group/fraud-analyst/internal/pipeline"
	"github.com/sells-group/fraud-analyst/internal/predictor"
	"github.com/sells-group/fraud-analyst/internal/publish"
	"github.com/sells-group/fraud-analyst/internal/scorer"
	"github.com/sells-group/fraud-analyst/internal/session"
	"github.com/sells-group/fraud-analyst/internal/store"
	"github.com/sells-group/fraud-analyst/internal/traces"
	anthropicpkg "github.com/sells-group/fraud-analyst/pkg/anthropic"
)

// pipelineEnv holds the initialized backends and the pipeline needed by the
// serve and analyze commands.
type pipelineEnv struct {
	Store     store.Store // may be nil
	Pipeline  *pipeline.Pipeline
	Sessions  *session.Registry
	closers   []func() error
	shutdownT func(context.Context) error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Sessions != nil {
		pe.Sessions.Shutdown()
	}
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	if pe.shutdownT != nil {
		_ = pe.shutdownT(context.Background())
	}
}

// initStore opens the archive selected by store.driver. The "none" driver
// returns a nil store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "fraud-analyst.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initHistory returns the Redis profile cache when configured, else an
// in-process one.
func initHistory(ctx context.Context) (history.Provider, func() error, error) {
	if cfg.Redis.Addr == "" {
		zap.L().Info("customer history kept in memory (no redis.addr set)")
		return history.NewMemory(), nil, nil
	}
	r, err := history.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, eris.Wrap(err, "init customer history")
	}
	zap.L().Info("customer history backed by redis", zap.String("addr", cfg.Redis.Addr))
	return r, r.Close, nil
}

// initPublisher returns a Kafka producer when brokers are configured.
func initPublisher() publish.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		zap.L().Debug("decision events disabled (no kafka.brokers set)")
		return publish.Nop{}
	}
	zap.L().Info("decision events published to kafka",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return publish.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

// initInterpreter returns nil when no Anthropic key is configured; every
// decision then comes from the rule-based fallback.
func initInterpreter(acc *cost.Accumulator) *cognitive.Interpreter {
	if cfg.Anthropic.Key == "" {
		zap.L().Warn("FRAUD_ANTHROPIC_KEY not set, cognitive collaborator disabled")
		return nil
	}
	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)
	calc := cost.NewCalculator(pricingRates(cfg.Pricing))
	zap.L().Info("cognitive collaborator enabled", zap.String("model", cfg.Anthropic.Model))
	return cognitive.New(client, cfg.Anthropic, cfg.Cognitive, calc, acc)
}

func pricingRates(p config.PricingConfig) cost.Rates {
	rates := cost.Rates{Anthropic: make(map[string]cost.ModelRate, len(p.Anthropic))}
	for name, m := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         m.Input,
			Output:        m.Output,
			CacheWriteMul: m.CacheWriteMul,
			CacheReadMul:  m.CacheReadMul,
		}
	}
	return rates
}

// loadPredictor loads the scoring artifact. A missing or invalid artifact
// is logged and leaves the predictor unloaded: the process still serves, and
// each analysis fails with model unavailable.
func loadPredictor() *predictor.Predictor {
	features := predictor.NewFeatureBuilder(cfg.Anomaly)
	artifact, err := predictor.LoadArtifact(cfg.Model.ArtifactPath)
	if err != nil {
		zap.L().Error("scoring artifact not loaded, analyses will fail",
			zap.String("path", cfg.Model.ArtifactPath),
			zap.Error(err),
		)
		return predictor.New(nil, features, cfg.Model.AgreementTolerance)
	}
	zap.L().Info("scoring artifact loaded",
		zap.String("name", artifact.Name),
		zap.String("version", artifact.Version),
		zap.Int("members", len(artifact.Members)),
	)
	return predictor.New(artifact, features, cfg.Model.AgreementTolerance)
}

// initPipeline sets up every backend and builds the Pipeline. Callers should
// defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &pipelineEnv{}
	shutdown, err := traces.Init(ctx, cfg.Telemetry)
	if err != nil {
		zap.L().Warn("tracing init failed, continuing without traces", zap.Error(err))
	} else {
		env.shutdownT = shutdown
	}

	st, err := initStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	if st != nil {
		env.Store = st
		env.closers = append(env.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	hist, closeHist, err := initHistory(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeHist != nil {
		env.closers = append(env.closers, closeHist)
	}

	pub := initPublisher()
	env.closers = append(env.closers, pub.Close)

	acc := cost.NewAccumulator()
	env.Sessions = session.NewRegistry(cfg.Session)
	env.Pipeline = pipeline.New(pipeline.Deps{
		Detector:  anomaly.New(cfg.Anomaly),
		Predictor: loadPredictor(),
		Scorer:    scorer.New(cfg.Scoring),
		Cognitive: initInterpreter(acc),
		Sessions:  env.Sessions,
		Usage:     acc,
		History:   hist,
		Store:     st,
		Publisher: pub,
		Planning:  cfg.Cognitive.PlanningEnabled,
	})
	return env, nil
}
