package cognitive

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Variant tags the shape of a collaborator response.
type Variant string

const (
	VariantPlan           Variant = "plan"
	VariantInterpretation Variant = "interpretation"
	VariantDecision       Variant = "decision"
)

// Dimensions a plan may focus on.
var Dimensions = []string{"amount", "time", "location", "model"}

// Plan is the validated PLANNING response.
type Plan struct {
	Focus     []string `json:"focus"`
	Rationale string   `json:"rationale"`
}

// ToolCall is the tool invocation an interpretation describes.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// Interpretation is the validated response to an interpretation call.
type Interpretation struct {
	Explanation string   `json:"explanation"`
	Tool        ToolCall `json:"tool"`
}

// SchemaError lists every structural problem with one response. It matches
// model.ErrSchemaViolation under errors.Is.
type SchemaError struct {
	Variant  Variant
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation in %s response: %s", e.Variant, strings.Join(e.Problems, "; "))
}

// Is lets errors.Is(err, model.ErrSchemaViolation) match a *SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == model.ErrSchemaViolation
}

func violation(v Variant, problems ...string) *SchemaError {
	return &SchemaError{Variant: v, Problems: problems}
}

type planWire struct {
	Type      string   `json:"type"`
	Focus     []string `json:"focus"`
	Rationale *string  `json:"rationale"`
}

type toolWire struct {
	Name       *string        `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

type interpretationWire struct {
	Type        string    `json:"type"`
	Explanation *string   `json:"explanation"`
	Tool        *toolWire `json:"tool"`
}

type decisionWire struct {
	Type       string   `json:"type"`
	Action     *string  `json:"action"`
	Confidence *int     `json:"confidence"`
	Reasoning  *string  `json:"reasoning"`
	KeyFactors []string `json:"key_factors"`
}

// ParsePlan validates a PLANNING response.
func ParsePlan(text string) (Plan, error) {
	var w planWire
	if err := decodeStrict(text, VariantPlan, &w); err != nil {
		return Plan{}, err
	}
	var problems []string
	problems = append(problems, checkTag(w.Type, VariantPlan)...)
	if len(w.Focus) == 0 {
		problems = append(problems, "focus is required")
	}
	for _, f := range w.Focus {
		if !slices.Contains(Dimensions, f) {
			problems = append(problems, fmt.Sprintf("focus %q is not one of %s", f, strings.Join(Dimensions, ", ")))
		}
	}
	if w.Rationale == nil || strings.TrimSpace(*w.Rationale) == "" {
		problems = append(problems, "rationale is required")
	}
	if len(problems) > 0 {
		return Plan{}, violation(VariantPlan, problems...)
	}
	return Plan{Focus: w.Focus, Rationale: *w.Rationale}, nil
}

// ParseInterpretation validates an interpretation response.
func ParseInterpretation(text string) (Interpretation, error) {
	var w interpretationWire
	if err := decodeStrict(text, VariantInterpretation, &w); err != nil {
		return Interpretation{}, err
	}
	var problems []string
	problems = append(problems, checkTag(w.Type, VariantInterpretation)...)
	if w.Explanation == nil || strings.TrimSpace(*w.Explanation) == "" {
		problems = append(problems, "explanation is required")
	}
	switch {
	case w.Tool == nil:
		problems = append(problems, "tool is required")
	default:
		if w.Tool.Name == nil || strings.TrimSpace(*w.Tool.Name) == "" {
			problems = append(problems, "tool.name is required")
		}
		if len(w.Tool.Parameters) == 0 {
			problems = append(problems, "tool.parameters must not be empty")
		}
	}
	if len(problems) > 0 {
		return Interpretation{}, violation(VariantInterpretation, problems...)
	}
	return Interpretation{
		Explanation: *w.Explanation,
		Tool:        ToolCall{Name: *w.Tool.Name, Parameters: w.Tool.Parameters},
	}, nil
}

// ParseDecision validates a DECISION response.
func ParseDecision(text string) (model.Decision, error) {
	var w decisionWire
	if err := decodeStrict(text, VariantDecision, &w); err != nil {
		return model.Decision{}, err
	}
	var problems []string
	problems = append(problems, checkTag(w.Type, VariantDecision)...)
	if w.Action == nil {
		problems = append(problems, "action is required")
	} else if !model.Action(*w.Action).Valid() {
		problems = append(problems, fmt.Sprintf("action %q is not one of APPROVE, BLOCK, MANUAL_REVIEW", *w.Action))
	}
	if w.Confidence == nil {
		problems = append(problems, "confidence is required")
	} else if *w.Confidence < 0 || *w.Confidence > 100 {
		problems = append(problems, fmt.Sprintf("confidence %d is outside 0-100", *w.Confidence))
	}
	if w.Reasoning == nil || strings.TrimSpace(*w.Reasoning) == "" {
		problems = append(problems, "reasoning is required")
	}
	if len(w.KeyFactors) == 0 {
		problems = append(problems, "key_factors is required")
	}
	for i, f := range w.KeyFactors {
		if strings.TrimSpace(f) == "" {
			problems = append(problems, fmt.Sprintf("key_factors[%d] is empty", i))
		}
	}
	if len(problems) > 0 {
		return model.Decision{}, violation(VariantDecision, problems...)
	}
	return model.Decision{
		Action:     model.Action(*w.Action),
		Confidence: *w.Confidence,
		Reasoning:  *w.Reasoning,
		KeyFactors: w.KeyFactors,
	}, nil
}

func checkTag(got string, want Variant) []string {
	if got != string(want) {
		return []string{fmt.Sprintf("type %q, want %q", got, want)}
	}
	return nil
}

// decodeStrict decodes the JSON object in text into dst. Unknown fields and
// mistyped values, such as a quoted confidence, are violations.
func decodeStrict(text string, v Variant, dst any) error {
	raw := cleanJSON(text)
	if !strings.HasPrefix(raw, "{") {
		return violation(v, "response contains no JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return violation(v, describeDecodeError(err))
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}

// cleanJSON strips markdown fences and surrounding prose from a response.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
