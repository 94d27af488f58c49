package domain

import "context"

// NLUProvider turns natural-language prompts into model text. ParseIntent
// returns the raw model output; the usecase layer owns decoding it into an
// Intent so every provider benefits from the same repair chain.
type NLUProvider interface {
	// ParseIntent sends an intent-extraction prompt and returns the raw
	// model text, expected (but not guaranteed) to be a JSON object.
	ParseIntent(ctx context.Context, prompt string) (string, error)
	// GenerateReply sends a free-form reply prompt and returns the text.
	GenerateReply(ctx context.Context, prompt string) (string, error)
	Name() string
}

// NLUProviderFactory builds a fresh primary provider; the fallback
// controller calls it when probing for recovery.
type NLUProviderFactory func() (NLUProvider, error)
