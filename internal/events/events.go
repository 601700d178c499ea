// Package events defines the notification envelope handed to subscribers.
// Delivery is fire-and-forget; a failed notification never affects the
// session it describes.
package events

import (
	"time"

	"consultline.local/projects/engine/internal/ids"
)

type Type string

const (
	TypeSessionStarted    Type = "session.started"
	TypeSessionLowBalance Type = "session.low_balance"
	TypeSessionEnded      Type = "session.ended"
)

type Event struct {
	EventID    string         `json:"event_id"`
	Type       Type           `json:"type"`
	SessionID  string         `json:"session_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func New(eventType Type, sessionID string, payload map[string]any) Event {
	return Event{
		EventID:    ids.New(),
		Type:       eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
