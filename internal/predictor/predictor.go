package predictor

import (
	"context"
	"math"
	"slices"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fraud-analyst/internal/model"
)

const topFeatureCount = 3

// Predictor scores transactions with a loaded ensemble artifact. The
// artifact is read-only after load, so a Predictor is safe for concurrent use.
type Predictor struct {
	artifact  *Artifact
	features  *FeatureBuilder
	tolerance float64
}

// New creates a Predictor. A nil artifact is allowed; Predict then fails
// with model.ErrModelUnavailable.
func New(artifact *Artifact, features *FeatureBuilder, tolerance float64) *Predictor {
	return &Predictor{artifact: artifact, features: features, tolerance: tolerance}
}

// Version returns the artifact version, or "" when no artifact is loaded.
func (p *Predictor) Version() string {
	if p == nil || p.artifact == nil {
		return ""
	}
	return p.artifact.Version
}

// Predict runs every ensemble member and combines them.
func (p *Predictor) Predict(ctx context.Context, tx model.Transaction, hist *model.CustomerHistory) (model.ModelPrediction, error) {
	if p == nil || p.artifact == nil || len(p.artifact.Members) == 0 {
		return model.ModelPrediction{}, eris.Wrap(model.ErrModelUnavailable, "predictor: artifact not loaded")
	}
	if p.features == nil {
		return model.ModelPrediction{}, eris.Wrap(model.ErrModelUnavailable, "predictor: no feature builder")
	}
	if err := ctx.Err(); err != nil {
		return model.ModelPrediction{}, eris.Wrap(err, "predictor: predict")
	}

	a := p.artifact
	x := p.features.Build(tx, hist, a.CategoryRiskFor(tx.Category))

	members := make([]model.MemberScore, 0, len(a.Members))
	probs := make([]float64, 0, len(a.Members))
	var sum float64
	for _, m := range a.Members {
		prob := sigmoid(logit(m, x))
		members = append(members, model.MemberScore{Name: m.Name, Probability: prob})
		probs = append(probs, prob)
		sum += prob
	}

	primary := a.Primary()
	primaryProb := sigmoid(logit(primary, x))
	binary := 0
	if primaryProb >= primary.Threshold {
		binary = 1
	}

	return model.ModelPrediction{
		FraudProbability: sum / float64(len(probs)),
		BinaryPrediction: binary,
		ModelName:        a.Name,
		ArtifactVersion:  a.Version,
		Members:          members,
		Consensus:        Agreement(probs, p.tolerance),
		ThresholdUsed:    primary.Threshold,
		TopFeatures:      topContributions(primary, x, topFeatureCount),
	}, nil
}

// Agreement labels member agreement: HIGH when every probability lies within
// tolerance of every other, MODERATE when at least two do, LOW otherwise.
func Agreement(probs []float64, tolerance float64) model.Consensus {
	if len(probs) < 2 {
		return model.ConsensusHigh
	}
	sorted := slices.Clone(probs)
	slices.Sort(sorted)
	if sorted[len(sorted)-1]-sorted[0] <= tolerance {
		return model.ConsensusHigh
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] <= tolerance {
			return model.ConsensusModerate
		}
	}
	return model.ConsensusLow
}

// logit sums in KnownFeatures order; map order would make the float sum,
// and so the probability, vary between runs.
func logit(m Member, x Features) float64 {
	z := m.Bias
	for _, f := range KnownFeatures {
		if w, ok := m.Weights[f]; ok {
			z += w * x[f]
		}
	}
	return z
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// topContributions returns the n largest feature contributions to a member's
// logit by magnitude. Ties break by feature name so output is stable.
func topContributions(m Member, x Features, n int) []model.FeatureContribution {
	out := make([]model.FeatureContribution, 0, len(m.Weights))
	for f, w := range m.Weights {
		c := w * x[f]
		if c == 0 {
			continue
		}
		out = append(out, model.FeatureContribution{Feature: f, Value: x[f], Contribution: c})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Contribution), math.Abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
