// Package predictor loads the versioned scoring artifact and turns a
// transaction into an ensemble fraud probability.
package predictor

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Artifact is a pre-trained ensemble exported by the offline training
// pipeline. Each member is a logistic model over named features. The file
// is YAML; JSON artifacts parse as well.
type Artifact struct {
	Name                string             `yaml:"name" json:"name"`
	Version             string             `yaml:"version" json:"version"`
	Features            []string           `yaml:"features" json:"features"`
	CategoryRisk        map[string]float64 `yaml:"category_risk" json:"category_risk"`
	DefaultCategoryRisk float64            `yaml:"default_category_risk" json:"default_category_risk"`
	Members             []Member           `yaml:"members" json:"members"`
}

// Member is one logistic ensemble member.
type Member struct {
	Name      string             `yaml:"name" json:"name"`
	Primary   bool               `yaml:"primary" json:"primary"`
	Threshold float64            `yaml:"threshold" json:"threshold"`
	Bias      float64            `yaml:"bias" json:"bias"`
	Weights   map[string]float64 `yaml:"weights" json:"weights"`
}

// LoadArtifact reads and validates an artifact file. Any failure is
// reported as model.ErrModelUnavailable.
func LoadArtifact(path string) (*Artifact, error) {
	if path == "" {
		return nil, eris.Wrap(model.ErrModelUnavailable, "predictor: no artifact path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(model.ErrModelUnavailable, "predictor: read artifact %s: %v", path, err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes and validates artifact bytes.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, eris.Wrapf(model.ErrModelUnavailable, "predictor: decode artifact: %v", err)
	}
	if err := a.Validate(); err != nil {
		return nil, eris.Wrapf(model.ErrModelUnavailable, "predictor: %v", err)
	}
	return &a, nil
}

// Validate checks the artifact is usable.
func (a *Artifact) Validate() error {
	var errs []string
	if a.Version == "" {
		errs = append(errs, "version is required")
	}
	if len(a.Members) == 0 {
		errs = append(errs, "at least one member is required")
	}
	primaries := 0
	for i, m := range a.Members {
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("members[%d]", i)
			errs = append(errs, name+": name is required")
		}
		if m.Primary {
			primaries++
		}
		if m.Threshold <= 0 || m.Threshold >= 1 {
			errs = append(errs, fmt.Sprintf("%s: threshold must be in (0,1)", name))
		}
		for f := range m.Weights {
			if !slices.Contains(a.Features, f) {
				errs = append(errs, fmt.Sprintf("%s: weight for unknown feature %q", name, f))
			}
		}
	}
	if primaries > 1 {
		errs = append(errs, "at most one member may be primary")
	}
	for _, f := range a.Features {
		if !slices.Contains(KnownFeatures, f) {
			errs = append(errs, fmt.Sprintf("feature %q is not produced by the feature builder", f))
		}
	}
	if len(errs) > 0 {
		slices.Sort(errs)
		return eris.Errorf("invalid artifact: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Primary returns the member whose threshold decides binary_prediction: the
// one flagged primary, or the first.
func (a *Artifact) Primary() Member {
	for _, m := range a.Members {
		if m.Primary {
			return m
		}
	}
	return a.Members[0]
}

// CategoryRiskFor returns the encoded risk of a merchant category.
func (a *Artifact) CategoryRiskFor(category string) float64 {
	if r, ok := a.CategoryRisk[strings.ToLower(category)]; ok {
		return r
	}
	return a.DefaultCategoryRisk
}
