package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"crm-assistant/internal/adapter/crm"
	"crm-assistant/internal/adapter/nlu"
	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
	"crm-assistant/internal/usecase"
	"crm-assistant/internal/usecase/eventbus"
)

func newTestAssistant() *usecase.Assistant {
	provider := nlu.NewRuleBasedProvider()
	mock := crm.NewMockCRM()
	return usecase.NewAssistant(usecase.AssistantDeps{
		Sessions:   usecase.NewSessionManager("", 50),
		Fallback:   usecase.NewFallbackController(provider, nil, 3, 5, nil, nil),
		Dispatcher: usecase.NewDispatcher(mock, nil, nil),
		CRM:        mock,
	})
}

func startTestGateway(t *testing.T, bus domain.EventBus, assistant *usecase.Assistant) *Server {
	t.Helper()
	auth := NewStaticTokenAuth([]config.TokenConfig{{Name: "test", Token: "secret-token"}})
	s := NewServer(bus, auth, "127.0.0.1:0", nil)
	RegisterAssistantHandlers(s, assistant, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := s.Start(ctx); err != nil {
			t.Logf("gateway stopped: %v", err)
		}
	}()

	require.Eventually(t, func() bool { return s.BoundAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	return s
}

func dial(t *testing.T, s *Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+s.BoundAddr()+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// readUntilResponse skips event frames pushed between request and response.
func readUntilResponse(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var frame Frame
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		if frame.Type == FrameTypeResponse {
			return frame
		}
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	s := startTestGateway(t, eventbus.New(nil), newTestAssistant())

	resp, err := http.Get("http://" + s.BoundAddr() + "/ws?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayChatSend(t *testing.T) {
	s := startTestGateway(t, eventbus.New(nil), newTestAssistant())
	ws := dial(t, s, "secret-token")

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      1,
		Method:  "chat.send",
		Payload: json.RawMessage(`{"message":"find customer Alice"}`),
	}))

	frame := readUntilResponse(t, ws)
	assert.Equal(t, uint64(1), frame.ID)
	assert.Empty(t, frame.Error)

	var resp usecase.Response
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Contains(t, resp.Reply, "Alice Chen")
}

func TestGatewayUnknownMethod(t *testing.T) {
	s := startTestGateway(t, eventbus.New(nil), newTestAssistant())
	ws := dial(t, s, "secret-token")

	require.NoError(t, wsjson.Write(context.Background(), ws, Frame{
		Type:   FrameTypeRequest,
		ID:     2,
		Method: "chat.telepathy",
	}))

	frame := readUntilResponse(t, ws)
	assert.Equal(t, uint64(2), frame.ID)
	assert.NotEmpty(t, frame.Error)
}

func TestGatewayInvalidPayload(t *testing.T) {
	s := startTestGateway(t, eventbus.New(nil), newTestAssistant())
	ws := dial(t, s, "secret-token")

	require.NoError(t, wsjson.Write(context.Background(), ws, Frame{
		Type:    FrameTypeRequest,
		ID:      3,
		Method:  "chat.send",
		Payload: json.RawMessage(`{"message":""}`),
	}))

	frame := readUntilResponse(t, ws)
	assert.Contains(t, frame.Error, "message is required")
}

func TestGatewayForwardsTypingEvents(t *testing.T) {
	bus := eventbus.New(nil)
	s := startTestGateway(t, bus, newTestAssistant())
	ws := dial(t, s, "secret-token")

	require.NoError(t, wsjson.Write(context.Background(), ws, Frame{
		Type:    FrameTypeRequest,
		ID:      4,
		Method:  "chat.send",
		Payload: json.RawMessage(`{"message":"你好"}`),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := map[domain.EventType]bool{}
	for {
		var frame Frame
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		if frame.Type == FrameTypeEvent {
			var event domain.Event
			require.NoError(t, json.Unmarshal(frame.Payload, &event))
			seen[event.Type] = true
		}
		if seen[domain.EventTypingStarted] && seen[domain.EventTypingStopped] {
			return
		}
	}
}

func TestGatewayStatusGet(t *testing.T) {
	s := startTestGateway(t, eventbus.New(nil), newTestAssistant())
	ws := dial(t, s, "secret-token")

	require.NoError(t, wsjson.Write(context.Background(), ws, Frame{
		Type:   FrameTypeRequest,
		ID:     5,
		Method: "status.get",
	}))

	frame := readUntilResponse(t, ws)
	require.Empty(t, frame.Error)

	var st usecase.Status
	require.NoError(t, json.Unmarshal(frame.Payload, &st))
	assert.Equal(t, "mock", st.CRMBackend)
}
