// Package publish emits decision events for downstream consumers such as
// case management and alerting.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Event is the message published once per completed analysis.
type Event struct {
	SessionID        string          `json:"session_id"`
	TransactionID    string          `json:"transaction_id"`
	CustomerID       string          `json:"customer_id"`
	Action           model.Action    `json:"action"`
	Confidence       int             `json:"confidence"`
	RiskScore        int             `json:"risk_score"`
	RiskCategory     model.RiskLevel `json:"risk_category"`
	AlertLevel       model.RiskLevel `json:"alert_level"`
	FraudProbability float64         `json:"fraud_probability"`
	KeyFactors       []string        `json:"key_factors"`
	Recommended      []string        `json:"recommended_actions"`
	Fallback         bool            `json:"fallback_decision"`
	AnalyzedAt       time.Time       `json:"analyzed_at"`
}

// NewEvent builds the event for a completed result.
func NewEvent(tx model.Transaction, r *model.AnalysisResult) Event {
	return Event{
		SessionID:        r.SessionID,
		TransactionID:    r.TransactionID,
		CustomerID:       tx.CustomerID,
		Action:           r.Decision.Action,
		Confidence:       r.Decision.Confidence,
		RiskScore:        r.RiskScore,
		RiskCategory:     r.RiskCategory,
		AlertLevel:       r.AlertLevel,
		FraudProbability: r.ModelPrediction.FraudProbability,
		KeyFactors:       r.Decision.KeyFactors,
		Recommended:      r.RecommendedActions,
		Fallback:         r.FallbackDecision,
		AnalyzedAt:       r.AnalysisTimestamp,
	}
}

// Publisher sends decision events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// writer is the subset of *kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events keyed by customer id, so one customer's decisions
// land on one partition in order.
type Kafka struct {
	w     writer
	topic string
}

// NewKafka creates a producer for topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "publish: marshal event")
	}

	msg := kafka.Message{
		Key:   []byte(e.CustomerID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "session_id", Value: []byte(e.SessionID)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "publish: write to %s", k.topic)
	}

	zap.L().Debug("publish: decision event sent",
		zap.String("session_id", e.SessionID),
		zap.String("action", string(e.Action)),
	)
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
