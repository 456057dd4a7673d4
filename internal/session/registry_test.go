package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fraud-analyst/internal/model"
)

func TestRegistry_UnknownSession(t *testing.T) {
	r := newTestRegistry(8, time.Minute)

	_, err := r.Get("nope")
	assert.True(t, errors.Is(err, model.ErrSessionNotFound))
	_, err = r.Subscribe("nope")
	assert.True(t, errors.Is(err, model.ErrSessionNotFound))
	assert.True(t, errors.Is(r.Cancel("nope"), model.ErrSessionNotFound))
	assert.True(t, errors.Is(r.Remove("nope"), model.ErrSessionNotFound))
}

func TestRegistry_CancelStopsContext(t *testing.T) {
	r := newTestRegistry(8, time.Minute)
	s, ctx := r.Create(context.Background(), model.Transaction{ID: "tx"})

	require.NoError(t, r.Cancel(s.ID()))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled")
	}
	// Cancelling does not remove; the orchestrator fails the session.
	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestRegistry_RemoveCancels(t *testing.T) {
	r := newTestRegistry(8, time.Minute)
	s, ctx := r.Create(context.Background(), model.Transaction{})
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Remove(s.ID()))
	assert.Zero(t, r.Len())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistry_ReleasesFinishedSessions(t *testing.T) {
	r := newTestRegistry(8, 0)
	s, ctx := r.Create(context.Background(), model.Transaction{})
	require.NoError(t, s.Complete(&model.AnalysisResult{SessionID: s.ID()}))

	assert.Zero(t, r.Len())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, err := r.Get(s.ID())
	assert.True(t, errors.Is(err, model.ErrSessionNotFound))
}

func TestRegistry_RetentionKeepsFinished(t *testing.T) {
	r := newTestRegistry(8, 50*time.Millisecond)
	s, _ := r.Create(context.Background(), model.Transaction{})
	s.Fail(errors.New("boom"))

	_, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_Shutdown(t *testing.T) {
	r := newTestRegistry(8, time.Minute)
	_, ctx1 := r.Create(context.Background(), model.Transaction{})
	_, ctx2 := r.Create(context.Background(), model.Transaction{})

	r.Shutdown()
	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
}

func TestRegistry_DefaultBuffer(t *testing.T) {
	r := newTestRegistry(0, time.Minute)
	assert.Equal(t, 64, r.buffer)
}
