package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventSessionCreated   EventType = "session.created"
	EventSessionDeleted   EventType = "session.deleted"
	EventIntentParsed     EventType = "intent.parsed"
	EventNLUCallStarted   EventType = "nlu.call.started"
	EventNLUCallCompleted EventType = "nlu.call.completed"
	EventCRMCallCompleted EventType = "crm.call.completed"
	EventFallbackEngaged  EventType = "fallback.engaged"
	EventFallbackRecover  EventType = "fallback.recovered"
	EventTypingStarted    EventType = "typing.started"
	EventTypingStopped    EventType = "typing.stopped"
	EventAssistantError   EventType = "assistant.error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
