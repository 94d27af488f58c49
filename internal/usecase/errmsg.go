package usecase

import (
	"errors"
	"strings"

	"crm-assistant/internal/domain"
)

// friendlyPatterns maps backend error substrings to user-facing phrasing.
// Order matters: first hit wins.
var friendlyPatterns = []struct {
	substr string
	text   string
}{
	{"Odoo RPC error", "The CRM backend hiccuped while processing that. Please try again in a moment."},
	{"ValidationError", "The CRM rejected those values. Please double-check the fields and try again."},
	{"ConnectionError", "I can't reach the CRM system right now. Please try again shortly."},
	{"connection refused", "I can't reach the CRM system right now. Please try again shortly."},
	{"TimeoutError", "The CRM took too long to answer. Please try again."},
	{"deadline exceeded", "The CRM took too long to answer. Please try again."},
}

// FriendlyError translates a backend error into a reply safe to show the
// user. Raw backend errors never reach the conversation.
func FriendlyError(err error) string {
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		return "I couldn't find that customer. Try searching by name or email first."
	case errors.Is(err, domain.ErrProductNotFound):
		return "I couldn't find that product. Ask me to list the products to see what's available."
	case errors.Is(err, domain.ErrOrderNotFound):
		return "I couldn't find that order."
	case errors.Is(err, domain.ErrValidation):
		return "The CRM rejected those values. Please double-check the fields and try again."
	case errors.Is(err, domain.ErrBackendDown):
		return "I can't reach the CRM system right now. Please try again shortly."
	case errors.Is(err, domain.ErrTimeout):
		return "The CRM took too long to answer. Please try again."
	}

	msg := err.Error()
	for _, p := range friendlyPatterns {
		if strings.Contains(msg, p.substr) {
			return p.text
		}
	}
	return "Something went wrong on my side while talking to the CRM. Please try again."
}
