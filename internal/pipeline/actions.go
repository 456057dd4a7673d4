package pipeline

import "github.com/sells-group/fraud-analyst/internal/model"

// RecommendedActions lists the operational follow-ups for a decision.
func RecommendedActions(action model.Action) []string {
	switch action {
	case model.ActionBlock:
		return []string{
			"Block transaction immediately",
			"Send SMS verification to customer",
			"Alert fraud investigation team",
			"Freeze card temporarily",
		}
	case model.ActionManualReview:
		return []string{
			"Queue for manual review",
			"Contact customer via app",
			"Flag in fraud dashboard",
		}
	default:
		return []string{
			"Approve transaction",
			"Log for later review",
		}
	}
}
