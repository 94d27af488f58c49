package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/usecase"
)

// RuleBasedProvider implements domain.NLUProvider with the bilingual rule
// extractor. It needs no network and is the default provider for local
// development and tests. The fallback controller also reaches for the same
// extractor when a remote provider degrades.
type RuleBasedProvider struct{}

// NewRuleBasedProvider creates the offline provider.
func NewRuleBasedProvider() *RuleBasedProvider { return &RuleBasedProvider{} }

// ParseIntent extracts an intent from the last user line of the prompt and
// returns it as the JSON the parser chain expects.
func (p *RuleBasedProvider) ParseIntent(_ context.Context, prompt string) (string, error) {
	in := usecase.ExtractIntent(lastUserLine(prompt))
	out, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	return string(out), nil
}

// GenerateReply returns a short canned line; the rule extractor has no
// generative capability.
func (p *RuleBasedProvider) GenerateReply(context.Context, string) (string, error) {
	return "Hi! I'm your CRM assistant. How can I help?", nil
}

// Name implements domain.NLUProvider.
func (p *RuleBasedProvider) Name() string { return "rulebased" }

// lastUserLine pulls the utterance out of a composed prompt. Prompts place
// the user message after the final "User message:" marker; bare utterances
// pass through unchanged.
func lastUserLine(prompt string) string {
	const marker = "User message:"
	if i := strings.LastIndex(prompt, marker); i >= 0 {
		return strings.TrimSpace(prompt[i+len(marker):])
	}
	return strings.TrimSpace(prompt)
}

var _ domain.NLUProvider = (*RuleBasedProvider)(nil)
