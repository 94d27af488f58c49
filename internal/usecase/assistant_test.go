package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-assistant/internal/domain"
)

func newTestAssistant(t *testing.T, nlu *mockNLU, crm *mockCRM) *Assistant {
	t.Helper()
	return NewAssistant(AssistantDeps{
		Sessions:      NewSessionManager("", 50),
		Fallback:      NewFallbackController(nlu, nil, 3, 5, nil, nil),
		Dispatcher:    NewDispatcher(crm, nil, nil),
		CRM:           crm,
		HistoryRounds: 5,
	})
}

func TestAssistantFullTurn(t *testing.T) {
	nlu := &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			return `{"action":"create","entity_type":"customer","parameters":{"name":"Alice","email":"alice@corp.io"},"confidence":0.92}`, nil
		},
	}
	crm := newMockCRM()
	a := newTestAssistant(t, nlu, crm)

	resp, err := a.Process(context.Background(), "", "create customer Alice with email alice@corp.io")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Contains(t, resp.Reply, "Alice")
	assert.Equal(t, ModePrimary, resp.Mode)
	assert.Equal(t, string(StrategyDirect), resp.Strategy)
	assert.Equal(t, 1, crm.calls["create"])
}

func TestAssistantAnonymousCallersGetSeparateSessions(t *testing.T) {
	nlu := &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			return `{"action":"create","entity_type":"customer","parameters":{"name":"Alice"},"confidence":0.9}`, nil
		},
	}
	a := newTestAssistant(t, nlu, newMockCRM())

	first, err := a.Process(context.Background(), "", "create customer Alice")
	require.NoError(t, err)
	second, err := a.Process(context.Background(), "", "create customer Alice")
	require.NoError(t, err)

	require.NotEmpty(t, first.SessionID)
	require.NotEmpty(t, second.SessionID)
	assert.NotEqual(t, first.SessionID, second.SessionID,
		"callers without a session ID must not share history")
}

func TestAssistantFollowUpUsesActiveEntity(t *testing.T) {
	turn := 0
	nlu := &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			turn++
			if turn == 1 {
				return `{"action":"create","entity_type":"customer","parameters":{"name":"Alice"},"confidence":0.9}`, nil
			}
			// "update her phone" carries no id; the session remembers Alice.
			return `{"action":"update","entity_type":"customer","parameters":{"phone":"13900000000"},"confidence":0.88}`, nil
		},
	}
	crm := newMockCRM()
	var updatedID int64
	crm.updateFunc = func(_ context.Context, id int64, f domain.NewCustomer) (domain.Customer, error) {
		updatedID = id
		return domain.Customer{ID: id, Name: "Alice", Phone: f.Phone}, nil
	}
	a := newTestAssistant(t, nlu, crm)

	first, err := a.Process(context.Background(), "", "create customer Alice")
	require.NoError(t, err)

	second, err := a.Process(context.Background(), first.SessionID, "update her phone to 13900000000")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(1), updatedID, "update resolves to the customer created earlier in the session")
	assert.Contains(t, second.Reply, "13900000000")
}

func TestAssistantEmptyMessageAsksToRephrase(t *testing.T) {
	nlu := &mockNLU{}
	crm := newMockCRM()
	a := newTestAssistant(t, nlu, crm)

	resp, err := a.Process(context.Background(), "", "   ")
	require.NoError(t, err)
	assert.Equal(t, replyClarify, resp.Reply)
	assert.Zero(t, crm.total())
	assert.Zero(t, nlu.calls.Load(), "blank input never reaches the NLU")
}

func TestAssistantGreetingUsesGeneratedReply(t *testing.T) {
	nlu := &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			return `{"action":"greeting","entity_type":"none","confidence":0.95}`, nil
		},
		replyFunc: func(context.Context, string) (string, error) {
			return "Hey there! How can I help with your customers today?", nil
		},
	}
	a := newTestAssistant(t, nlu, newMockCRM())

	resp, err := a.Process(context.Background(), "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hey there! How can I help with your customers today?", resp.Reply)
}

func TestAssistantHistoryFlowsIntoPrompt(t *testing.T) {
	var lastPrompt string
	nlu := &mockNLU{
		parseFunc: func(_ context.Context, prompt string) (string, error) {
			lastPrompt = prompt
			return `{"action":"help","entity_type":"none","confidence":0.9}`, nil
		},
	}
	a := newTestAssistant(t, nlu, newMockCRM())

	first, err := a.Process(context.Background(), "", "what can you do?")
	require.NoError(t, err)

	_, err = a.Process(context.Background(), first.SessionID, "and orders?")
	require.NoError(t, err)
	assert.Contains(t, lastPrompt, "what can you do?", "prior turns appear in the intent prompt")
}

func TestAssistantResetSession(t *testing.T) {
	nlu := &mockNLU{
		parseFunc: func(context.Context, string) (string, error) {
			return `{"action":"create","entity_type":"customer","parameters":{"name":"Alice"},"confidence":0.9}`, nil
		},
	}
	a := newTestAssistant(t, nlu, newMockCRM())

	resp, err := a.Process(context.Background(), "", "create customer Alice")
	require.NoError(t, err)

	require.NoError(t, a.ResetSession(resp.SessionID))
	sess, err := a.deps.Sessions.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.History())
	assert.Zero(t, sess.ActiveCustomerID())
}

func TestAssistantCurrentStatus(t *testing.T) {
	a := newTestAssistant(t, &mockNLU{}, newMockCRM())
	a.NewSession("u1")

	st := a.CurrentStatus(context.Background())
	assert.Equal(t, ModePrimary, st.NLUMode)
	assert.Zero(t, st.NLUFailures)
	assert.Equal(t, "mock", st.CRMBackend)
	assert.True(t, st.CRMReachable)
	assert.Equal(t, 1, st.ActiveSessions)
}
