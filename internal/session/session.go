// Package session holds per-analysis session state and fans step events out
// to stream subscribers in step order.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// ErrFinished is returned when a step is emitted on a session that has
// already reached a terminal state.
var ErrFinished = eris.New("session already finished")

// Session is the mutable state of one analysis. Steps are numbered on
// emission under the session lock, so numbering is gap-free and strictly
// increasing no matter how many goroutines produce steps.
type Session struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	buffer    int
	nowFunc   func() time.Time
	onFinish  func(*Session)

	mu       sync.Mutex
	tx       model.Transaction
	phase    model.Phase
	status   model.SessionStatus
	steps    []model.ReActStep
	usage    model.TokenUsage
	result   *model.AnalysisResult
	err      error
	terminal *model.StreamMessage
	subs     map[uint64]*Subscription
	nextSub  uint64
	done     chan struct{}
}

func newSession(id string, tx model.Transaction, cancel context.CancelFunc, buffer int) *Session {
	now := time.Now().UTC()
	return &Session{
		id:        id,
		startedAt: now,
		cancel:    cancel,
		buffer:    buffer,
		nowFunc:   func() time.Time { return time.Now().UTC() },
		tx:        tx,
		phase:     model.PhasePlanning,
		status:    model.SessionRunning,
		subs:      make(map[uint64]*Subscription),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session reaches COMPLETE or FAILED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel aborts the analysis. The orchestrator observes the cancelled
// context and marks the session FAILED.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Phase returns the current phase.
func (s *Session) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Advance moves the session to phase p. Phases only move forward; re-entering
// the current phase is a no-op.
func (s *Session) Advance(p model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.SessionRunning {
		return eris.Wrapf(ErrFinished, "session: advance %s to %s", s.id, p)
	}
	if p == s.phase {
		return nil
	}
	if p.Terminal() || p.Ordinal() < s.phase.Ordinal() {
		return eris.Errorf("session: %s cannot move from %s to %s", s.id, s.phase, p)
	}
	s.phase = p
	return nil
}

// Emit numbers step, appends it to the trace and delivers it to every
// subscriber. Decision steps pass d so the stream message carries the verdict.
func (s *Session) Emit(step model.ReActStep, d *model.Decision) (model.ReActStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.SessionRunning {
		return step, eris.Wrapf(ErrFinished, "session: emit on %s", s.id)
	}

	step.Step = len(s.steps) + 1
	if step.Timestamp.IsZero() {
		step.Timestamp = s.nowFunc()
	}
	if step.Metadata.Phase == "" {
		step.Metadata.Phase = s.phase
	}
	s.steps = append(s.steps, step)

	msg := model.StepMessage(s.id, step, d)
	for _, sub := range s.subs {
		sub.push(msg)
	}
	return step, nil
}

// AddUsage adds collaborator usage to the session counters.
func (s *Session) AddUsage(u model.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// Usage returns the session's cumulative collaborator usage.
func (s *Session) Usage() model.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Steps returns a copy of the trace so far.
func (s *Session) Steps() []model.ReActStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.steps)
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() model.AnalysisSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.AnalysisSession{
		ID:           s.id,
		Transaction:  s.tx,
		CurrentPhase: s.phase,
		Steps:        slices.Clone(s.steps),
		Status:       s.status,
		Usage:        s.usage,
		StartedAt:    s.startedAt,
	}
}

// Complete records the result, sends the complete message and ends every
// subscription.
func (s *Session) Complete(result *model.AnalysisResult) error {
	s.mu.Lock()
	if s.status != model.SessionRunning {
		s.mu.Unlock()
		return eris.Wrapf(ErrFinished, "session: complete %s", s.id)
	}
	s.status = model.SessionComplete
	s.phase = model.PhaseComplete
	s.result = result
	s.terminal = &model.StreamMessage{
		Type:      model.MessageComplete,
		SessionID: s.id,
		Timestamp: s.nowFunc(),
		Analysis:  result,
	}
	s.finishLocked()
	s.mu.Unlock()

	s.finished()
	return nil
}

// Fail marks the session FAILED with cause err and sends an error message.
// No partial result is kept. Failing a finished session is a no-op.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.status != model.SessionRunning {
		s.mu.Unlock()
		return
	}
	s.status = model.SessionFailed
	s.phase = model.PhaseFailed
	s.err = err
	content := "analysis failed"
	if err != nil {
		content = err.Error()
	}
	s.terminal = &model.StreamMessage{
		Type:      model.MessageError,
		SessionID: s.id,
		Content:   content,
		Timestamp: s.nowFunc(),
	}
	s.finishLocked()
	s.mu.Unlock()

	s.finished()
}

func (s *Session) finishLocked() {
	for id, sub := range s.subs {
		sub.push(*s.terminal)
		sub.finish()
		delete(s.subs, id)
		metrics.ActiveSubscribers.Dec()
	}
	close(s.done)
}

func (s *Session) finished() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.onFinish != nil {
		s.onFinish(s)
	}
}

// Result returns the completed result, or the failure cause.
func (s *Session) Result() (*model.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case model.SessionComplete:
		return s.result, nil
	case model.SessionFailed:
		return nil, s.err
	default:
		return nil, eris.Errorf("session: %s still running", s.id)
	}
}

// Subscribe attaches an observer. Delivery starts with a connected message
// and continues from the next emitted step; earlier steps are not replayed.
// Subscribing to a finished session yields only its terminal message.
func (s *Session) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := newSubscription(s.nextSub, s, s.buffer)
	sub.push(model.StreamMessage{
		Type:      model.MessageConnected,
		SessionID: s.id,
		Content:   "subscribed at phase " + string(s.phase),
		Timestamp: s.nowFunc(),
	})

	if s.terminal != nil {
		sub.push(*s.terminal)
		sub.finish()
		return sub
	}

	s.subs[sub.id] = sub
	metrics.ActiveSubscribers.Inc()
	return sub
}

func (s *Session) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		metrics.ActiveSubscribers.Dec()
	}
	s.mu.Unlock()
	if ok {
		sub.finish()
	}
}

// Subscribers returns the number of attached subscribers.
func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
