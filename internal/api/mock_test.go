package api

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveAnalysis(ctx context.Context, tx model.Transaction, result *model.AnalysisResult) error {
	args := m.Called(ctx, tx, result)
	return args.Error(0)
}

func (m *mockStore) GetAnalysis(ctx context.Context, sessionID string) (*model.AnalysisResult, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisResult), args.Error(1)
}

func (m *mockStore) ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]model.AnalysisSummary, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AnalysisSummary), args.Error(1)
}

func (m *mockStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
