package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
	"crm-assistant/internal/infra/tracer"
)

// OpenAIProvider implements domain.NLUProvider for any OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	model       string
	apiKey      string
	baseURL     string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.NLUConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIProvider{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		client:      newHTTPClient(cfg.Timeout),
		logger:      logger,
	}
}

// ParseIntent sends the intent prompt and returns the raw model output.
// Intent extraction runs at temperature 0 for stable JSON.
func (p *OpenAIProvider) ParseIntent(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, "nlu.parse_intent", prompt, 0)
}

// GenerateReply sends a conversational prompt at the configured temperature.
func (p *OpenAIProvider) GenerateReply(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, "nlu.generate_reply", prompt, p.temperature)
}

// Name implements domain.NLUProvider.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) complete(ctx context.Context, spanName, prompt string, temperature float64) (string, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("nlu.model", p.model)),
	)
	defer span.End()

	req := openaiRequest{
		Model:    p.model,
		Messages: []openaiMessage{{Role: "user", Content: prompt}},
	}
	if temperature > 0 {
		req.Temperature = &temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		err := fmt.Errorf("%w: empty choices", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return "", err
	}

	span.SetAttributes(
		tracer.IntAttr("nlu.prompt_tokens", oaiResp.Usage.PromptTokens),
		tracer.IntAttr("nlu.completion_tokens", oaiResp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	p.logger.Debug("nlu call completed",
		"model", oaiResp.Model,
		"tokens", oaiResp.Usage.TotalTokens,
	)

	return oaiResp.Choices[0].Message.Content, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var _ domain.NLUProvider = (*OpenAIProvider)(nil)
