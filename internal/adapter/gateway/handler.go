package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/usecase"
)

// RegisterAssistantHandlers wires the assistant's RPC surface onto the
// gateway: chat.send, session.reset and status.get. While a chat turn is
// being processed, typing indicator events are pushed to all clients.
func RegisterAssistantHandlers(s *Server, assistant *usecase.Assistant, bus domain.EventBus) {
	s.RegisterHandler("chat.send", func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
		}
		if req.Message == "" {
			return nil, fmt.Errorf("%w: message is required", domain.ErrRPCInvalidPayload)
		}

		publishTyping(ctx, bus, domain.EventTypingStarted, req.SessionID)
		resp, err := assistant.Process(ctx, req.SessionID, req.Message)
		publishTyping(ctx, bus, domain.EventTypingStopped, resp.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})

	s.RegisterHandler("session.reset", func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
		}
		if err := assistant.ResetSession(req.SessionID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	})

	s.RegisterHandler("status.get", func(ctx context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(assistant.CurrentStatus(ctx))
	})
}

func publishTyping(ctx context.Context, bus domain.EventBus, typ domain.EventType, sessionID string) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: sessionID,
	})
}
