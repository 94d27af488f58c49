package usecase

import (
	"fmt"
	"strings"
)

const intentPromptTemplate = `You are an intent extraction engine for a CRM assistant.
Analyze the user's message and return ONLY a JSON object, no prose, no markdown:

{
  "action": "create|search|update|get|order|greeting|introduction|help|unknown",
  "entity_type": "customer|product|order|none",
  "parameters": {},
  "confidence": 0.0
}

Rules:
- "parameters" holds extracted fields such as name, email, phone, company,
  customer_id, products, quantity.
- The user may write in English or Chinese.
- When the message refers to "him/her/them/他/她" use the conversation
  context to decide the entity_type, but do NOT invent IDs.
- confidence is your certainty in [0,1]; use a low value when guessing.`

// BuildIntentPrompt composes the extraction prompt from the recent
// conversation window and the current utterance.
func BuildIntentPrompt(history, activeEntity, utterance string) string {
	var b strings.Builder
	b.WriteString(intentPromptTemplate)
	if history != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(history)
	}
	if activeEntity != "" {
		fmt.Fprintf(&b, "\n\nRecord currently in focus: %s", activeEntity)
	}
	fmt.Fprintf(&b, "\n\nUser message: %s", utterance)
	return b.String()
}

// BuildReplyPrompt composes a free-form reply prompt for conversational
// actions (greeting, small talk) when a generative provider is available.
func BuildReplyPrompt(history, utterance string) string {
	var b strings.Builder
	b.WriteString("You are a friendly CRM assistant. Reply briefly, in the user's language.")
	if history != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(history)
	}
	fmt.Fprintf(&b, "\n\nUser message: %s", utterance)
	return b.String()
}
