package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// Registry owns every live session. Finished sessions stay reachable for the
// retention period so a late subscriber still receives the terminal message,
// then they are released.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	buffer    int
	retention time.Duration
}

// NewRegistry creates a Registry.
func NewRegistry(cfg config.SessionConfig) *Registry {
	buffer := cfg.BufferSize
	if buffer < 1 {
		buffer = 64
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		buffer:    buffer,
		retention: cfg.Retention,
	}
}

// Create registers a new RUNNING session for tx. The returned context is
// cancelled when the session is cancelled, removed or finished.
func (r *Registry) Create(ctx context.Context, tx model.Transaction) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s := newSession(uuid.NewString(), tx, cancel, r.buffer)
	s.onFinish = r.release

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	zap.L().Debug("session: created",
		zap.String("session_id", s.id),
		zap.String("transaction_id", tx.ID),
	)
	return s, ctx
}

// Get returns the session with id or an error matching model.ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(model.ErrSessionNotFound, "session: %s", id)
	}
	return s, nil
}

// Subscribe attaches a new observer to session id.
func (r *Registry) Subscribe(id string) (*Subscription, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(), nil
}

// Cancel aborts session id. The orchestrator marks it FAILED.
func (r *Registry) Cancel(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	zap.L().Info("session: cancel requested", zap.String("session_id", id))
	return nil
}

// Remove cancels session id if it is still running and drops it from the
// registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return eris.Wrapf(model.ErrSessionNotFound, "session: %s", id)
	}
	metrics.ActiveSessions.Dec()
	s.Cancel()
	return nil
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown cancels every running session.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Cancel()
	}
}

// release schedules removal of a finished session after the retention period.
func (r *Registry) release(s *Session) {
	if r.retention <= 0 {
		_ = r.Remove(s.id)
		return
	}
	time.AfterFunc(r.retention, func() {
		_ = r.Remove(s.id)
	})
}
