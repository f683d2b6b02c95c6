// Package events defines the envelope and message structures delivered
// through the realtime fan-out pipeline.
package events

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags a message payload for consumer-side routing. The fan-out
// engine itself is payload-agnostic and never filters on the tag.
type MessageType string

const (
	// TypeCoreEvent tags plain text messages from the core service.
	TypeCoreEvent MessageType = "CoreEventMessage"
	// TypeConnectionEvent tags connection lifecycle notifications.
	TypeConnectionEvent MessageType = "ConnectionEventMessage"
)

// Message is a tagged payload carried by an envelope.
type Message struct {
	Type    MessageType
	Payload any
}

// Envelope wraps one message for publication. Envelopes are immutable once
// published and are not retained by the engine after fan-out.
type Envelope struct {
	ID         string
	ReceivedAt time.Time
	Message    Message
}

// NewEnvelope wraps a message in a freshly identified envelope.
func NewEnvelope(msg Message) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Message:    msg,
	}
}

// NewCoreEvent builds a core-service text message envelope.
func NewCoreEvent(text string) *Envelope {
	return NewEnvelope(Message{Type: TypeCoreEvent, Payload: text})
}

// NewConnectionEvent builds a connection lifecycle envelope.
func NewConnectionEvent(payload any) *Envelope {
	return NewEnvelope(Message{Type: TypeConnectionEvent, Payload: payload})
}
