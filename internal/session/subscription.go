package session

import (
	"context"
	"sync"

	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// Subscription is one observer of a session stream. Messages are queued up to
// a bounded buffer; when the buffer is full the oldest queued message is
// dropped and the gap is reported on the next delivered message's
// Metadata.Dropped.
type Subscription struct {
	id      uint64
	session *Session

	mu      sync.Mutex
	queue   []model.StreamMessage
	limit   int
	dropped int
	closed  bool
	notify  chan struct{}
}

func newSubscription(id uint64, s *Session, limit int) *Subscription {
	return &Subscription{
		id:      id,
		session: s,
		limit:   max(limit, 1),
		notify:  make(chan struct{}, 1),
	}
}

// push queues msg without blocking the publisher.
func (sub *Subscription) push(msg model.StreamMessage) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.queue) >= sub.limit {
		sub.queue = sub.queue[1:]
		sub.dropped++
		metrics.DroppedStepsTotal.Inc()
	}
	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()
	sub.signal()
}

// finish marks the stream as ended; queued messages remain readable.
func (sub *Subscription) finish() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.signal()
}

func (sub *Subscription) signal() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the stream has ended and been
// drained (ok is false), or ctx is done.
func (sub *Subscription) Next(ctx context.Context) (msg model.StreamMessage, ok bool, err error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			msg = sub.queue[0]
			sub.queue = sub.queue[1:]
			if sub.dropped > 0 {
				meta := model.StepMetadata{}
				if msg.Metadata != nil {
					meta = *msg.Metadata
				}
				meta.Dropped = sub.dropped
				msg.Metadata = &meta
				sub.dropped = 0
			}
			sub.mu.Unlock()
			return msg, true, nil
		}
		if sub.closed {
			sub.mu.Unlock()
			return model.StreamMessage{}, false, nil
		}
		sub.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.StreamMessage{}, false, ctx.Err()
		case <-sub.notify:
		}
	}
}

// Close detaches the subscription from its session. The session keeps
// running.
func (sub *Subscription) Close() {
	sub.session.unsubscribe(sub.id)
}
