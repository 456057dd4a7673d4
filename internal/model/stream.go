package model

import (
	"strings"
	"time"
)

// MessageType is the type of a streaming protocol message.
type MessageType string

const (
	MessageConnected   MessageType = "connected"
	MessageThought     MessageType = "thought"
	MessageAction      MessageType = "action"
	MessageObservation MessageType = "observation"
	MessageDecision    MessageType = "decision"
	MessageComplete    MessageType = "complete"
	MessageError       MessageType = "error"
)

// Terminal reports whether no message follows t on a session stream.
func (t MessageType) Terminal() bool {
	return t == MessageComplete || t == MessageError
}

// StreamMessage is one message on a session subscription.
type StreamMessage struct {
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"session_id"`
	Step       int             `json:"step,omitempty"`
	Agent      Agent           `json:"agent,omitempty"`
	Content    string          `json:"content,omitempty"`
	Metadata   *StepMetadata   `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Action     Action          `json:"action,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Confidence *int            `json:"confidence,omitempty"`
	Analysis   *AnalysisResult `json:"analysis,omitempty"`
}

// StepMessage converts a step into its stream message. DECISION steps carry
// the decision fields when d is non-nil.
func StepMessage(sessionID string, step ReActStep, d *Decision) StreamMessage {
	meta := step.Metadata
	msg := StreamMessage{
		Type:      MessageType(strings.ToLower(string(step.Type))),
		SessionID: sessionID,
		Step:      step.Step,
		Agent:     step.Agent,
		Content:   step.Content,
		Metadata:  &meta,
		Timestamp: step.Timestamp,
	}
	if step.Type == StepDecision && d != nil {
		conf := d.Confidence
		msg.Action = d.Action
		msg.Reasoning = d.Reasoning
		msg.Confidence = &conf
	}
	return msg
}
