package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/logger"
	"crm-assistant/internal/infra/tracer"
)

// AssistantDeps holds injected dependencies for the assistant.
type AssistantDeps struct {
	Sessions      *SessionManager
	Fallback      *FallbackController
	Dispatcher    *Dispatcher
	CRM           domain.CRMPort
	Logger        *slog.Logger
	Bus           domain.EventBus // optional, nil = no events
	HistoryRounds int
	Timeout       time.Duration
}

// Assistant orchestrates one conversational turn: parse the utterance into
// an intent, run it through the dispatcher, record the turn.
type Assistant struct {
	deps AssistantDeps
}

// Response is the outcome of a processed turn.
type Response struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	Mode      string `json:"mode"`
	Strategy  string `json:"strategy,omitempty"`
}

// Status describes the assistant's runtime health.
type Status struct {
	NLUMode        string `json:"nlu_mode"`
	NLUFailures    int    `json:"nlu_failures"`
	CRMBackend     string `json:"crm_backend"`
	CRMReachable   bool   `json:"crm_reachable"`
	ActiveSessions int    `json:"active_sessions"`
	HistoryRounds  int    `json:"history_rounds"`
}

// NewAssistant creates an assistant with the given dependencies.
func NewAssistant(deps AssistantDeps) *Assistant {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HistoryRounds <= 0 {
		deps.HistoryRounds = 5
	}
	return &Assistant{deps: deps}
}

// Process handles a single user message and returns the assistant's reply.
// The empty sessionID starts a new session; the returned Response always
// carries the session ID to continue the conversation with.
func (a *Assistant) Process(ctx context.Context, sessionID, userMsg string) (Response, error) {
	ctx, span := tracer.StartSpan(ctx, "assistant.process")
	defer span.End()

	if a.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.Timeout)
		defer cancel()
	}

	sess := a.deps.Sessions.GetOrCreate(sessionID)
	span.SetAttributes(tracer.StringAttr("session.id", sess.ID))

	userMsg = strings.TrimSpace(userMsg)
	if userMsg == "" {
		return Response{SessionID: sess.ID, Reply: replyClarify, Mode: a.deps.Fallback.Mode()}, nil
	}

	a.publishEvent(ctx, domain.EventMessageReceived, sess.ID, map[string]int{"length": len(userMsg)})

	history := sess.RecentHistory(a.deps.HistoryRounds)
	prompt := BuildIntentPrompt(history, sess.ActiveEntityName(), userMsg)

	log := logger.WithSession(a.deps.Logger, sess.ID)

	intent, strategy := a.deps.Fallback.Parse(ctx, prompt, userMsg)
	log.Debug("intent parsed",
		"action", intent.Action,
		"entity", intent.EntityType,
		"confidence", intent.Confidence,
		"strategy", strategy,
	)
	a.publishEvent(ctx, domain.EventIntentParsed, sess.ID, map[string]any{
		"action":     intent.Action,
		"entity":     intent.EntityType,
		"confidence": intent.Confidence,
		"strategy":   strategy,
	})

	var reply string
	if intent.Action == domain.ActionGreeting && intent.Actionable() {
		// Greetings may be phrased by the NLU for warmth; everything else
		// goes through the decision table.
		reply = a.deps.Fallback.Reply(ctx, BuildReplyPrompt(history, userMsg), replyGreeting)
	} else {
		reply = a.deps.Dispatcher.Execute(ctx, sess, intent)
	}

	sess.AddTurn(userMsg, reply)
	if err := a.deps.Sessions.Save(sess.ID); err != nil {
		log.Warn("session save failed", "error", err)
	}

	a.publishEvent(ctx, domain.EventMessageSent, sess.ID, map[string]int{"length": len(reply)})

	return Response{
		SessionID: sess.ID,
		Reply:     reply,
		Mode:      a.deps.Fallback.Mode(),
		Strategy:  string(strategy),
	}, nil
}

// NewSession creates a fresh session and returns its ID.
func (a *Assistant) NewSession(userID string) string {
	sess := a.deps.Sessions.Create(userID)
	a.publishEvent(context.Background(), domain.EventSessionCreated, sess.ID, nil)
	return sess.ID
}

// ResetSession clears a session's history and active entity.
func (a *Assistant) ResetSession(sessionID string) error {
	sess, err := a.deps.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Reset()
	return a.deps.Sessions.Save(sessionID)
}

// CurrentStatus reports runtime health for the status endpoints.
func (a *Assistant) CurrentStatus(ctx context.Context) Status {
	st := Status{
		NLUMode:        a.deps.Fallback.Mode(),
		NLUFailures:    a.deps.Fallback.Failures(),
		ActiveSessions: a.deps.Sessions.Count(),
		HistoryRounds:  a.deps.HistoryRounds,
	}
	if a.deps.CRM != nil {
		st.CRMBackend = a.deps.CRM.Name()
		st.CRMReachable = a.deps.CRM.Ping(ctx) == nil
	}
	return st
}

func (a *Assistant) publishEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if a.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	a.deps.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
