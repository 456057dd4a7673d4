package cognitive

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/fraud-analyst/internal/model"
)

const systemPrompt = `You are a fraud analyst reviewing a single card transaction.
You receive structured signals computed by deterministic tools: anomaly checks,
an ensemble model prediction and a risk score. You never compute these
yourself; you interpret them.

Always answer with exactly one JSON object and nothing else. Every object
carries a "type" field naming its variant:
- "plan": {"type":"plan","focus":[...],"rationale":"..."} where focus lists
  dimensions from amount, time, location, model.
- "interpretation": {"type":"interpretation","explanation":"...",
  "tool":{"name":"...","parameters":{...}}} where tool names the check you
  relied on and parameters holds the values you read from it.
- "decision": {"type":"decision","action":"APPROVE|BLOCK|MANUAL_REVIEW",
  "confidence":<integer 0-100>,"reasoning":"...","key_factors":["..."]}.
Do not add fields. Confidence is a JSON integer, never a string.`

const planExample = `{"type":"plan","focus":["amount","location"],"rationale":"Established customer with a stable spend profile; distance and amount matter most."}`

const interpretationExample = `{"type":"interpretation","explanation":"Amount is 4.9 standard deviations below the customer's average.","tool":{"name":"anomaly_detector","parameters":{"z_score":-4.86,"distance_km":1.2}}}`

const decisionExample = `{"type":"decision","action":"MANUAL_REVIEW","confidence":70,"reasoning":"Night-time purchase far from home at a new merchant.","key_factors":["2500km from home","outside usual hours","new merchant"]}`

func example(v Variant) string {
	switch v {
	case VariantPlan:
		return planExample
	case VariantInterpretation:
		return interpretationExample
	default:
		return decisionExample
	}
}

// correction is appended to the user message after a rejected response.
func correction(v Variant, problem string) string {
	return fmt.Sprintf(`Your previous response was rejected: %s.
Respond again with a single %q JSON object shaped exactly like this example:
%s`, problem, v, example(v))
}

func planPrompt(tx model.Transaction, hist *model.CustomerHistory) string {
	var b strings.Builder
	b.WriteString("Task: choose which anomaly dimensions matter most for this customer segment.\n\n")
	writeJSON(&b, "Transaction", tx)
	writeJSON(&b, "Customer history", hist)
	b.WriteString(`Respond with a "plan" object.`)
	return b.String()
}

func interpretPrompt(subject string, payload any, trace []model.ReActStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: interpret the %s result below for the analyst trace.\n\n", subject)
	writeJSON(&b, "Result", payload)
	writeTrace(&b, trace)
	b.WriteString(`Respond with an "interpretation" object.`)
	return b.String()
}

func decisionPrompt(in DecisionInput) string {
	var b strings.Builder
	b.WriteString("Task: decide APPROVE, BLOCK or MANUAL_REVIEW for this transaction.\n\n")
	writeJSON(&b, "Transaction", in.Transaction)
	writeJSON(&b, "Anomalies", in.Anomalies)
	writeJSON(&b, "Model prediction", in.Prediction)
	writeJSON(&b, "Risk score", in.Risk)
	writeTrace(&b, in.Trace)
	b.WriteString(`Respond with a "decision" object.`)
	return b.String()
}

func writeJSON(b *strings.Builder, label string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	fmt.Fprintf(b, "%s:\n%s\n\n", label, data)
}

func writeTrace(b *strings.Builder, trace []model.ReActStep) {
	if len(trace) == 0 {
		return
	}
	b.WriteString("Trace so far:\n")
	for _, s := range trace {
		fmt.Fprintf(b, "%d. %s [%s] %s\n", s.Step, s.Type, s.Agent, s.Content)
	}
	b.WriteString("\n")
}
