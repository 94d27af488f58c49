package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
	"crm-assistant/internal/infra/middleware"
	"crm-assistant/internal/usecase"
)

// requestIDKey is the metadata key correlating a chat request with its reply.
const requestIDKey = "request_id"

// HTTPChannel implements domain.Channel for the REST chat surface.
//
// A chat request blocks until the wired handler pushes the reply back through
// Send; correlation uses a per-request id so brand-new sessions (empty
// session_id in the request) work too.
type HTTPChannel struct {
	cfg     config.HTTPChannelConfig
	logger  *slog.Logger
	handler domain.MessageHandler

	// StatusFunc serves GET /api/status when set.
	StatusFunc func(ctx context.Context) usecase.Status
	// CreateSessionFunc serves POST /api/sessions/create when set.
	CreateSessionFunc func(userID string) string

	server    *http.Server
	boundAddr string

	mu      sync.Mutex
	pending map[string]chan domain.OutboundMessage

	ctx    context.Context
	cancel context.CancelFunc
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewHTTPChannel creates the REST channel.
func NewHTTPChannel(cfg config.HTTPChannelConfig, logger *slog.Logger) *HTTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChannel{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan domain.OutboundMessage),
	}
}

// Start begins the HTTP server. Non-blocking.
func (h *HTTPChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	h.handler = handler
	h.ctx, h.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/message", h.handleChat)
	mux.HandleFunc("/api/sessions/create", h.handleCreateSession)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/health", h.handleHealth)

	secureHandler := middleware.SecurityHeaders(
		middleware.RateLimitWithConfig(h.ctx, middleware.RateLimitConfig{
			RequestsPerMin: h.cfg.RequestsPerMin,
			BurstSize:      h.cfg.Burst,
			TrustedProxies: h.cfg.TrustedProxies,
		})(mux),
	)

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           secureHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http channel started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// BoundAddr returns the actual listen address after Start.
func (h *HTTPChannel) BoundAddr() string { return h.boundAddr }

// Send delivers a reply to the blocked chat request identified by the
// request_id metadata.
func (h *HTTPChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	reqID := msg.Metadata[requestIDKey]

	h.mu.Lock()
	ch, ok := h.pending[reqID]
	h.mu.Unlock()

	if !ok {
		return domain.NewDomainError("HTTPChannel.Send", domain.ErrSessionNotFound,
			fmt.Sprintf("no pending request %q", reqID))
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return domain.NewDomainError("HTTPChannel.Send", ctx.Err(),
			fmt.Sprintf("context cancelled for request %q", reqID))
	case <-time.After(5 * time.Second):
		return domain.NewDomainError("HTTPChannel.Send", domain.ErrTimeout,
			fmt.Sprintf("timeout delivering reply for request %q", reqID))
	}
}

// Name implements domain.Channel.
func (h *HTTPChannel) Name() string { return "http" }

func (h *HTTPChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, chatResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errMsg := "invalid JSON: " + err.Error()
		if err.Error() == "http: request body too large" {
			errMsg = "request body too large (max 1MB)"
		}
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: errMsg})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "message is required"})
		return
	}

	reqID := fmt.Sprintf("http-%d", time.Now().UnixNano())
	respCh := make(chan domain.OutboundMessage, 1)

	h.mu.Lock()
	h.pending[reqID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
	}()

	msg := domain.InboundMessage{
		SessionID:   req.SessionID,
		Content:     req.Message,
		ChannelName: "http",
		Metadata:    map[string]string{requestIDKey: reqID},
	}

	if err := h.handler(r.Context(), msg); err != nil {
		h.logger.Error("chat handler failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{
			SessionID: req.SessionID,
			Error:     "internal error",
		})
		return
	}

	select {
	case out := <-respCh:
		writeJSON(w, http.StatusOK, chatResponse{
			SessionID: out.SessionID,
			Reply:     out.Content,
			Mode:      out.Metadata["mode"],
		})
	case <-r.Context().Done():
		writeJSON(w, http.StatusRequestTimeout, chatResponse{Error: "request cancelled"})
	}
}

func (h *HTTPChannel) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, chatResponse{Error: "method not allowed"})
		return
	}
	if h.CreateSessionFunc == nil {
		writeJSON(w, http.StatusNotFound, chatResponse{Error: "not available"})
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	// Body is optional.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req)

	writeJSON(w, http.StatusOK, map[string]string{"session_id": h.CreateSessionFunc(req.UserID)})
}

func (h *HTTPChannel) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.StatusFunc == nil {
		writeJSON(w, http.StatusNotFound, chatResponse{Error: "not available"})
		return
	}
	writeJSON(w, http.StatusOK, h.StatusFunc(r.Context()))
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ domain.Channel = (*HTTPChannel)(nil)
