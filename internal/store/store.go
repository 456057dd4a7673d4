package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// ErrNotFound is returned when no archived analysis matches.
var ErrNotFound = eris.New("analysis not found")

// AnalysisFilter specifies criteria for listing archived analyses.
type AnalysisFilter struct {
	CustomerID string       `json:"customer_id,omitempty"`
	Action     model.Action `json:"action,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// Store archives completed analyses.
type Store interface {
	SaveAnalysis(ctx context.Context, tx model.Transaction, result *model.AnalysisResult) error
	GetAnalysis(ctx context.Context, sessionID string) (*model.AnalysisResult, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.AnalysisSummary, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
