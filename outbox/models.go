package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Topics emitted by the engine.
const (
	TopicEngagementCreated   = "engagement.created"
	TopicEngagementConfirmed = "engagement.confirmed"
	TopicMeetingConfirmed    = "meeting.confirmed"
	TopicOutcomeSubmitted    = "outcome.submitted"
	TopicDisputeOpened       = "dispute.opened"
	TopicDisputeUpdated      = "dispute.updated"
	TopicDisputeResolved     = "dispute.resolved"
	TopicSettled             = "engagement.settled"
	TopicCancelled           = "engagement.cancelled"
	TopicRescheduleUpdated   = "reschedule.updated"
	TopicAlternativeUpdated  = "alternative.updated"
	TopicPaymentFailed       = "payment.failed"
	TopicPayoutSettled       = "payout.settled"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusDead       Status = "dead"
)

// Message is one outbox row.
type Message struct {
	ID           int64
	Topic        string
	Payload      json.RawMessage
	Status       Status
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Writer enqueues messages inside the caller's unit of work.
type Writer interface {
	Enqueue(ctx context.Context, topic string, payload map[string]any) error
}

// Source hands pending messages to fn one at a time and records the result.
// Implementations hold the claimed rows for the duration of the call so two
// relays never deliver the same message concurrently. A nil error from fn
// marks the message dispatched; a non-nil error bumps its attempts and marks
// it dead once maxAttempts is reached.
type Source interface {
	Drain(ctx context.Context, limit, maxAttempts int, fn func(context.Context, Message) error) (int, error)
}

// Publisher delivers a payload to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Marshal encodes a payload map. Payloads are built from plain values so the
// error is reported rather than expected.
func Marshal(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}
